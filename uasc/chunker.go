// Copyright 2021 Converter Systems LLC. All rights reserved.

// Package uasc implements the chunking and reassembly of the messages of the OPC UA secure conversation.
package uasc

import (
	"bytes"
	"io"
	"math"
	"sync"

	"github.com/awcullen/uasc/ua"
	"github.com/djherbis/buffer"
)

const (
	// the size of the message type, message size and secure channel id.
	messageHeaderSize = 12
	// the size of the message header and the token id.
	symmetricHeaderSize = 16
	// the size of the sequence number and request id.
	sequenceHeaderSize = 8
	// padding header size is 2 bytes when the cipher block is larger than this.
	largePaddingBlockSize = 256
)

// ChunkOptions describe how the chunks of one message are written.
type ChunkOptions struct {
	RequestID       uint32
	SecureChannelID uint32
	TokenID         uint32
	// ChunkSize is the send buffer size negotiated with the server.
	ChunkSize uint32
	// MaxMessageSize is the limit of the server on the size of a message body. Zero is unlimited.
	MaxMessageSize uint32
	// MaxChunkCount is the limit of the server on the number of chunks of a message. Zero is unlimited.
	MaxChunkCount uint32
	// SecurityHeader is written by OPN chunks. Nil writes the header of the None security policy.
	SecurityHeader *AsymmetricSecurityHeader
	// Security signs and encrypts the chunks. Nil under the None security mode.
	Security *SecurityOptions
}

// MessageChunker splits messages into chunks.
type MessageChunker struct {
	sync.Mutex
	sequenceNumber uint32
}

// NewMessageChunker returns a chunker whose first sequence number is 1.
func NewMessageChunker() *MessageChunker {
	return &MessageChunker{}
}

// nextSequenceNumber returns the next sequence number, skipping zero after it wraps.
func (c *MessageChunker) nextSequenceNumber() uint32 {
	c.Lock()
	defer c.Unlock()
	if c.sequenceNumber == math.MaxUint32 {
		c.sequenceNumber = 0
	}
	c.sequenceNumber++
	return c.sequenceNumber
}

// ChunkSecureMessage encodes the message and calls onChunk with each chunk, then once with nil.
// The msgType is one of "OPN", "CLO" or "MSG". OPN and CLO messages must fit in a single chunk.
// Each chunk passed to onChunk is a new slice owned by the callee.
func (c *MessageChunker) ChunkSecureMessage(msgType string, options *ChunkOptions, msg ua.Encodable, onChunk func(chunk []byte) error) error {
	var finalType uint32
	switch msgType {
	case ua.MessageTypeNameOpen:
		finalType = ua.MessageTypeOpenFinal
	case ua.MessageTypeNameClose:
		finalType = ua.MessageTypeCloseFinal
	case ua.MessageTypeNameMessage:
		finalType = ua.MessageTypeFinal
	default:
		return ua.BadTCPMessageTypeInvalid
	}

	bodyStream := buffer.NewPartitionAt(bufferPool)
	defer bodyStream.Reset()
	if err := ua.NewBinaryEncoder(bodyStream).Encode(msg); err != nil {
		return ua.BadEncodingError
	}
	bodyCount := int(bodyStream.Len())
	if options.MaxMessageSize > 0 && bodyCount > int(options.MaxMessageSize) {
		return ua.BadEncodingLimitsExceeded
	}

	// security header
	securityHeader := &bytes.Buffer{}
	enc := ua.NewBinaryEncoder(securityHeader)
	enc.WriteUInt32(options.SecureChannelID)
	if finalType == ua.MessageTypeOpenFinal {
		header := options.SecurityHeader
		if header == nil {
			header = &AsymmetricSecurityHeader{SecurityPolicyURI: ua.SecurityPolicyURINone}
		}
		if err := header.encode(enc); err != nil {
			return ua.BadEncodingError
		}
	} else {
		enc.WriteUInt32(options.TokenID)
	}
	// includes the message type and size written below.
	plainHeaderSize := 8 + securityHeader.Len()

	sec := options.Security
	signatureSize := 0
	paddingHeaderSize := 0
	plainBlockSize := 1
	cipherBlockSize := 1
	encrypt := false
	if sec != nil {
		if sec.Sign != nil {
			signatureSize = sec.SignatureLength
		}
		if sec.Encrypt != nil {
			encrypt = true
			plainBlockSize = sec.PlainBlockSize
			cipherBlockSize = sec.CipherBlockSize
			paddingHeaderSize = 1
			if cipherBlockSize > largePaddingBlockSize {
				paddingHeaderSize = 2
			}
		}
	}

	chunkSize := int(options.ChunkSize)
	var maxBodySize int
	if encrypt {
		maxBodySize = (((chunkSize - plainHeaderSize) / cipherBlockSize) * plainBlockSize) - sequenceHeaderSize - paddingHeaderSize - signatureSize
	} else {
		maxBodySize = chunkSize - plainHeaderSize - sequenceHeaderSize - signatureSize
	}
	if maxBodySize <= 0 {
		return ua.BadEncodingLimitsExceeded
	}

	chunkCount := 0
	for bodyCount > 0 {
		chunkCount++
		if options.MaxChunkCount > 0 && chunkCount > int(options.MaxChunkCount) {
			return ua.BadEncodingLimitsExceeded
		}
		bodySize := bodyCount
		messageType := finalType
		if bodySize > maxBodySize {
			if finalType != ua.MessageTypeFinal {
				return ua.BadEncodingLimitsExceeded
			}
			bodySize = maxBodySize
			messageType = ua.MessageTypeChunk
		}

		paddingSize := 0
		if encrypt {
			paddingSize = (plainBlockSize - ((sequenceHeaderSize + bodySize + paddingHeaderSize + signatureSize) % plainBlockSize)) % plainBlockSize
		}
		plainSize := sequenceHeaderSize + bodySize + paddingSize + paddingHeaderSize + signatureSize
		chunkLen := plainHeaderSize + plainSize
		if encrypt {
			chunkLen = plainHeaderSize + (plainSize/plainBlockSize)*cipherBlockSize
		}

		stream := bytes.NewBuffer(make([]byte, 0, plainHeaderSize+plainSize))
		enc := ua.NewBinaryEncoder(stream)
		enc.WriteUInt32(messageType)
		enc.WriteUInt32(uint32(chunkLen))
		stream.Write(securityHeader.Bytes())
		enc.WriteUInt32(c.nextSequenceNumber())
		enc.WriteUInt32(options.RequestID)
		if _, err := io.CopyN(stream, bodyStream, int64(bodySize)); err != nil {
			return ua.BadEncodingError
		}
		if encrypt {
			paddingByte := byte(paddingSize & 0xFF)
			stream.WriteByte(paddingByte)
			for i := 0; i < paddingSize; i++ {
				stream.WriteByte(paddingByte)
			}
			if paddingHeaderSize == 2 {
				stream.WriteByte(byte(paddingSize >> 8))
			}
		}
		if signatureSize > 0 {
			signature, err := sec.Sign(stream.Bytes())
			if err != nil {
				return err
			}
			if len(signature) != signatureSize {
				return ua.BadEncodingError
			}
			stream.Write(signature)
		}

		chunk := stream.Bytes()
		if encrypt {
			cipherText, err := sec.Encrypt(chunk[plainHeaderSize:])
			if err != nil {
				return err
			}
			chunk = append(chunk[:plainHeaderSize:plainHeaderSize], cipherText...)
		}
		if len(chunk) != chunkLen {
			return ua.BadEncodingError
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		bodyCount -= bodySize
	}
	return onChunk(nil)
}
