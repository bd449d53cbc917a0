// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"
)

// ExtensionObject encodings.
const (
	ExtensionObjectEncodingNone       byte = 0
	ExtensionObjectEncodingByteString byte = 1
	ExtensionObjectEncodingXMLElement byte = 2
)

// ExtensionObject holds an encoded structure. The body is not decoded.
type ExtensionObject struct {
	TypeID   NodeID
	Encoding byte
	Body     ByteString
}

// DiagnosticInfo holds additional info regarding errors in service calls.
// Negative indexes are not present.
type DiagnosticInfo struct {
	SymbolicID          int32
	NamespaceURI        int32
	Locale              int32
	LocalizedText       int32
	AdditionalInfo      string
	InnerStatusCode     StatusCode
	InnerDiagnosticInfo *DiagnosticInfo
}

// RequestHeader is the common header of every service request.
type RequestHeader struct {
	AuthenticationToken NodeID
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   uint32
	AuditEntryID        string
	TimeoutHint         uint32
	AdditionalHeader    ExtensionObject
}

// Encode writes the header.
func (h *RequestHeader) Encode(enc *BinaryEncoder) error {
	if err := enc.WriteNodeID(h.AuthenticationToken); err != nil {
		return err
	}
	if err := enc.WriteDateTime(h.Timestamp); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.RequestHandle); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.ReturnDiagnostics); err != nil {
		return err
	}
	if err := enc.WriteString(h.AuditEntryID); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.TimeoutHint); err != nil {
		return err
	}
	return enc.WriteExtensionObject(h.AdditionalHeader)
}

// Decode reads the header.
func (h *RequestHeader) Decode(dec *BinaryDecoder) error {
	if err := dec.ReadNodeID(&h.AuthenticationToken); err != nil {
		return err
	}
	if err := dec.ReadDateTime(&h.Timestamp); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.RequestHandle); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.ReturnDiagnostics); err != nil {
		return err
	}
	if err := dec.ReadString(&h.AuditEntryID); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.TimeoutHint); err != nil {
		return err
	}
	return dec.ReadExtensionObject(&h.AdditionalHeader)
}

// ResponseHeader is the common header of every service response.
type ResponseHeader struct {
	Timestamp          time.Time
	RequestHandle      uint32
	ServiceResult      StatusCode
	ServiceDiagnostics *DiagnosticInfo
	StringTable        []string
	AdditionalHeader   ExtensionObject
}

// Encode writes the header.
func (h *ResponseHeader) Encode(enc *BinaryEncoder) error {
	if err := enc.WriteDateTime(h.Timestamp); err != nil {
		return err
	}
	if err := enc.WriteUInt32(h.RequestHandle); err != nil {
		return err
	}
	if err := enc.WriteStatusCode(h.ServiceResult); err != nil {
		return err
	}
	if err := enc.WriteDiagnosticInfo(h.ServiceDiagnostics); err != nil {
		return err
	}
	if err := enc.WriteStringArray(h.StringTable); err != nil {
		return err
	}
	return enc.WriteExtensionObject(h.AdditionalHeader)
}

// Decode reads the header.
func (h *ResponseHeader) Decode(dec *BinaryDecoder) error {
	if err := dec.ReadDateTime(&h.Timestamp); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&h.RequestHandle); err != nil {
		return err
	}
	if err := dec.ReadStatusCode(&h.ServiceResult); err != nil {
		return err
	}
	if err := dec.ReadDiagnosticInfo(&h.ServiceDiagnostics); err != nil {
		return err
	}
	if err := dec.ReadStringArray(&h.StringTable); err != nil {
		return err
	}
	return dec.ReadExtensionObject(&h.AdditionalHeader)
}
