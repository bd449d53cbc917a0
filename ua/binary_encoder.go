// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"encoding/binary"
	"io"
	"time"
	"unsafe"

	"github.com/djherbis/buffer"
	"github.com/google/uuid"
)

// BinaryEncoder encodes the UA Binary protocol.
type BinaryEncoder struct {
	w  io.Writer
	bs [8]byte
}

// NewBinaryEncoder returns a new encoder that writes to an io.Writer.
func NewBinaryEncoder(w io.Writer) *BinaryEncoder {
	return &BinaryEncoder{w: w}
}

// Encode writes the binary encoding id of the message followed by the message body.
func (enc *BinaryEncoder) Encode(value Encodable) error {
	if err := enc.WriteNodeID(value.BinaryEncodingID()); err != nil {
		return BadEncodingError
	}
	return value.Encode(enc)
}

// WriteBoolean writes a boolean.
func (enc *BinaryEncoder) WriteBoolean(value bool) error {
	if value {
		enc.bs[0] = 1
	} else {
		enc.bs[0] = 0
	}
	if _, err := enc.w.Write(enc.bs[:1]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteByte writes a byte.
func (enc *BinaryEncoder) WriteByte(value byte) error {
	enc.bs[0] = value
	if _, err := enc.w.Write(enc.bs[:1]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteUInt16 writes a uint16.
func (enc *BinaryEncoder) WriteUInt16(value uint16) error {
	binary.LittleEndian.PutUint16(enc.bs[:2], value)
	if _, err := enc.w.Write(enc.bs[:2]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteInt32 writes an int32.
func (enc *BinaryEncoder) WriteInt32(value int32) error {
	binary.LittleEndian.PutUint32(enc.bs[:4], uint32(value))
	if _, err := enc.w.Write(enc.bs[:4]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteUInt32 writes an uint32.
func (enc *BinaryEncoder) WriteUInt32(value uint32) error {
	binary.LittleEndian.PutUint32(enc.bs[:4], value)
	if _, err := enc.w.Write(enc.bs[:4]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteInt64 writes an int64.
func (enc *BinaryEncoder) WriteInt64(value int64) error {
	binary.LittleEndian.PutUint64(enc.bs[:8], uint64(value))
	if _, err := enc.w.Write(enc.bs[:8]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteString writes a string.
func (enc *BinaryEncoder) WriteString(value string) error {
	if len(value) == 0 {
		return enc.WriteInt32(-1)
	}
	if err := enc.WriteInt32(int32(len(value))); err != nil {
		return BadEncodingError
	}
	// eliminate alloc of a second byte array and copying of one byte array to another.
	if _, err := enc.w.Write(unsafe.Slice(unsafe.StringData(value), len(value))); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteDateTime writes a date/time.
func (enc *BinaryEncoder) WriteDateTime(value time.Time) error {
	if value.IsZero() {
		return enc.WriteInt64(0)
	}
	// ticks are 100 nanosecond intervals since January 1, 1601
	ticks := (value.Unix()+11644473600)*10000000 + int64(value.Nanosecond())/100
	if ticks < 0 {
		ticks = 0
	}
	if ticks >= 2650467743990000000 {
		ticks = 0x7FFFFFFFFFFFFFFF
	}
	return enc.WriteInt64(ticks)
}

// WriteGUID writes a UUID
func (enc *BinaryEncoder) WriteGUID(value uuid.UUID) error {
	enc.bs[0] = value[3]
	enc.bs[1] = value[2]
	enc.bs[2] = value[1]
	enc.bs[3] = value[0]
	enc.bs[4] = value[5]
	enc.bs[5] = value[4]
	enc.bs[6] = value[7]
	enc.bs[7] = value[6]
	if _, err := enc.w.Write(enc.bs[:8]); err != nil {
		return BadEncodingError
	}
	if _, err := enc.w.Write(value[8:]); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteByteString writes a ByteString
func (enc *BinaryEncoder) WriteByteString(value ByteString) error {
	return enc.WriteString(string(value))
}

// WriteByteArray writes a byte array with its length prefix.
func (enc *BinaryEncoder) WriteByteArray(value []byte) error {
	if value == nil {
		return enc.WriteInt32(-1)
	}
	if err := enc.WriteInt32(int32(len(value))); err != nil {
		return BadEncodingError
	}
	if _, err := enc.w.Write(value); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteStringArray writes a string array.
func (enc *BinaryEncoder) WriteStringArray(value []string) error {
	if value == nil {
		return enc.WriteInt32(-1)
	}
	if err := enc.WriteInt32(int32(len(value))); err != nil {
		return BadEncodingError
	}
	for i := range value {
		if err := enc.WriteString(value[i]); err != nil {
			return BadEncodingError
		}
	}
	return nil
}

// WriteStatusCode writes a StatusCode
func (enc *BinaryEncoder) WriteStatusCode(value StatusCode) error {
	return enc.WriteUInt32(uint32(value))
}

// WriteNodeID writes a NodeID
func (enc *BinaryEncoder) WriteNodeID(value NodeID) error {
	switch value.idType {
	case IDTypeNumeric:
		switch {
		case value.nid <= 255 && value.namespaceIndex == 0:
			if err := enc.WriteByte(0x00); err != nil {
				return BadEncodingError
			}
			if err := enc.WriteByte(byte(value.nid)); err != nil {
				return BadEncodingError
			}
		case value.nid <= 65535 && value.namespaceIndex <= 255:
			if err := enc.WriteByte(0x01); err != nil {
				return BadEncodingError
			}
			if err := enc.WriteByte(byte(value.namespaceIndex)); err != nil {
				return BadEncodingError
			}
			if err := enc.WriteUInt16(uint16(value.nid)); err != nil {
				return BadEncodingError
			}
		default:
			if err := enc.WriteByte(0x02); err != nil {
				return BadEncodingError
			}
			if err := enc.WriteUInt16(value.namespaceIndex); err != nil {
				return BadEncodingError
			}
			if err := enc.WriteUInt32(value.nid); err != nil {
				return BadEncodingError
			}
		}
	case IDTypeString:
		if err := enc.WriteByte(0x03); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteUInt16(value.namespaceIndex); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteString(value.sid); err != nil {
			return BadEncodingError
		}
	case IDTypeGUID:
		if err := enc.WriteByte(0x04); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteUInt16(value.namespaceIndex); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteGUID(value.gid); err != nil {
			return BadEncodingError
		}
	case IDTypeOpaque:
		if err := enc.WriteByte(0x05); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteUInt16(value.namespaceIndex); err != nil {
			return BadEncodingError
		}
		if err := enc.WriteByteString(value.bid); err != nil {
			return BadEncodingError
		}
	default:
		return BadEncodingError
	}
	return nil
}

// WriteExtensionObject writes an ExtensionObject
func (enc *BinaryEncoder) WriteExtensionObject(value ExtensionObject) error {
	if value.Encoding == ExtensionObjectEncodingNone {
		if err := enc.WriteNodeID(NilNodeID); err != nil {
			return BadEncodingError
		}
		return enc.WriteByte(0x00)
	}
	if err := enc.WriteNodeID(value.TypeID); err != nil {
		return BadEncodingError
	}
	if err := enc.WriteByte(value.Encoding); err != nil {
		return BadEncodingError
	}
	return enc.WriteByteString(value.Body)
}

// WriteStructureAsExtensionObject writes a structure as a binary encoded ExtensionObject.
func (enc *BinaryEncoder) WriteStructureAsExtensionObject(value Encodable) error {
	if value == nil {
		return enc.WriteExtensionObject(ExtensionObject{})
	}
	if err := enc.WriteNodeID(value.BinaryEncodingID()); err != nil {
		return BadEncodingError
	}
	if err := enc.WriteByte(ExtensionObjectEncodingByteString); err != nil {
		return BadEncodingError
	}
	// cast writer to BufferAt to access superpowers
	if buf, ok := enc.w.(buffer.BufferAt); ok {
		mark := buf.Len() // mark where length is written
		bs := make([]byte, 4)
		if _, err := buf.Write(bs); err != nil {
			return BadEncodingError
		}
		start := buf.Len() // mark where encoding starts
		if err := value.Encode(enc); err != nil {
			return BadEncodingError
		}
		end := buf.Len() // mark where encoding ends
		binary.LittleEndian.PutUint32(bs, uint32(end-start))
		// write actual length at mark
		if _, err := buf.WriteAt(bs, mark); err != nil {
			return BadEncodingError
		}
		return nil
	}
	// if BufferAt interface not available
	buf2 := buffer.NewPartitionAt(bufferPool)
	defer buf2.Reset()
	if err := value.Encode(NewBinaryEncoder(buf2)); err != nil {
		return BadEncodingError
	}
	if err := enc.WriteInt32(int32(buf2.Len())); err != nil {
		return BadEncodingError
	}
	if _, err := io.Copy(enc.w, buf2); err != nil {
		return BadEncodingError
	}
	return nil
}

// WriteDiagnosticInfo writes a DiagnosticInfo
func (enc *BinaryEncoder) WriteDiagnosticInfo(value *DiagnosticInfo) error {
	if value == nil {
		return enc.WriteByte(0)
	}
	var b byte
	if value.SymbolicID >= 0 {
		b |= 1
	}
	if value.NamespaceURI >= 0 {
		b |= 2
	}
	if value.LocalizedText >= 0 {
		b |= 4
	}
	if value.Locale >= 0 {
		b |= 8
	}
	if len(value.AdditionalInfo) > 0 {
		b |= 16
	}
	if value.InnerStatusCode != 0 {
		b |= 32
	}
	if value.InnerDiagnosticInfo != nil {
		b |= 64
	}
	if err := enc.WriteByte(b); err != nil {
		return err
	}
	if (b & 1) != 0 {
		if err := enc.WriteInt32(value.SymbolicID); err != nil {
			return err
		}
	}
	if (b & 2) != 0 {
		if err := enc.WriteInt32(value.NamespaceURI); err != nil {
			return err
		}
	}
	if (b & 8) != 0 {
		if err := enc.WriteInt32(value.Locale); err != nil {
			return err
		}
	}
	if (b & 4) != 0 {
		if err := enc.WriteInt32(value.LocalizedText); err != nil {
			return err
		}
	}
	if (b & 16) != 0 {
		if err := enc.WriteString(value.AdditionalInfo); err != nil {
			return err
		}
	}
	if (b & 32) != 0 {
		if err := enc.WriteStatusCode(value.InnerStatusCode); err != nil {
			return err
		}
	}
	if (b & 64) != 0 {
		if err := enc.WriteDiagnosticInfo(value.InnerDiagnosticInfo); err != nil {
			return err
		}
	}
	return nil
}
