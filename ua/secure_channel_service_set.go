// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"
)

// Binary encoding ids of the secure channel service set.
var (
	ObjectIDServiceFaultEncodingDefaultBinary               = NewNodeIDNumeric(0, 397)
	ObjectIDOpenSecureChannelRequestEncodingDefaultBinary   = NewNodeIDNumeric(0, 446)
	ObjectIDOpenSecureChannelResponseEncodingDefaultBinary  = NewNodeIDNumeric(0, 449)
	ObjectIDCloseSecureChannelRequestEncodingDefaultBinary  = NewNodeIDNumeric(0, 452)
	ObjectIDCloseSecureChannelResponseEncodingDefaultBinary = NewNodeIDNumeric(0, 455)
)

// MessageSecurityMode is the security applied to the messages of a channel.
type MessageSecurityMode int32

// MessageSecurityModes
const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// SecurityTokenRequestType is the kind of token requested with an OpenSecureChannelRequest.
type SecurityTokenRequestType int32

// SecurityTokenRequestTypes
const (
	SecurityTokenRequestTypeIssue SecurityTokenRequestType = 0
	SecurityTokenRequestTypeRenew SecurityTokenRequestType = 1
)

// ChannelSecurityToken is issued by the server for every successful OpenSecureChannel exchange.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime uint32
}

// Encode writes the token.
func (t *ChannelSecurityToken) Encode(enc *BinaryEncoder) error {
	if err := enc.WriteUInt32(t.ChannelID); err != nil {
		return err
	}
	if err := enc.WriteUInt32(t.TokenID); err != nil {
		return err
	}
	if err := enc.WriteDateTime(t.CreatedAt); err != nil {
		return err
	}
	return enc.WriteUInt32(t.RevisedLifetime)
}

// Decode reads the token.
func (t *ChannelSecurityToken) Decode(dec *BinaryDecoder) error {
	if err := dec.ReadUInt32(&t.ChannelID); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&t.TokenID); err != nil {
		return err
	}
	if err := dec.ReadDateTime(&t.CreatedAt); err != nil {
		return err
	}
	return dec.ReadUInt32(&t.RevisedLifetime)
}

// OpenSecureChannelRequest requests a new security token.
type OpenSecureChannelRequest struct {
	RequestHeader
	ClientProtocolVersion uint32
	RequestType           SecurityTokenRequestType
	SecurityMode          MessageSecurityMode
	ClientNonce           ByteString
	RequestedLifetime     uint32
}

// BinaryEncodingID returns the binary encoding id.
func (r *OpenSecureChannelRequest) BinaryEncodingID() NodeID {
	return ObjectIDOpenSecureChannelRequestEncodingDefaultBinary
}

// Header returns the request header.
func (r *OpenSecureChannelRequest) Header() *RequestHeader {
	return &r.RequestHeader
}

// Encode writes the request.
func (r *OpenSecureChannelRequest) Encode(enc *BinaryEncoder) error {
	if err := r.RequestHeader.Encode(enc); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.ClientProtocolVersion); err != nil {
		return err
	}
	if err := enc.WriteInt32(int32(r.RequestType)); err != nil {
		return err
	}
	if err := enc.WriteInt32(int32(r.SecurityMode)); err != nil {
		return err
	}
	if err := enc.WriteByteString(r.ClientNonce); err != nil {
		return err
	}
	return enc.WriteUInt32(r.RequestedLifetime)
}

// Decode reads the request.
func (r *OpenSecureChannelRequest) Decode(dec *BinaryDecoder) error {
	if err := r.RequestHeader.Decode(dec); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.ClientProtocolVersion); err != nil {
		return err
	}
	var i int32
	if err := dec.ReadInt32(&i); err != nil {
		return err
	}
	r.RequestType = SecurityTokenRequestType(i)
	if err := dec.ReadInt32(&i); err != nil {
		return err
	}
	r.SecurityMode = MessageSecurityMode(i)
	if err := dec.ReadByteString(&r.ClientNonce); err != nil {
		return err
	}
	return dec.ReadUInt32(&r.RequestedLifetime)
}

// OpenSecureChannelResponse returns the security token issued by the server.
type OpenSecureChannelResponse struct {
	ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           ByteString
}

// BinaryEncodingID returns the binary encoding id.
func (r *OpenSecureChannelResponse) BinaryEncodingID() NodeID {
	return ObjectIDOpenSecureChannelResponseEncodingDefaultBinary
}

// Header returns the response header.
func (r *OpenSecureChannelResponse) Header() *ResponseHeader {
	return &r.ResponseHeader
}

// Encode writes the response.
func (r *OpenSecureChannelResponse) Encode(enc *BinaryEncoder) error {
	if err := r.ResponseHeader.Encode(enc); err != nil {
		return err
	}
	if err := enc.WriteUInt32(r.ServerProtocolVersion); err != nil {
		return err
	}
	if err := r.SecurityToken.Encode(enc); err != nil {
		return err
	}
	return enc.WriteByteString(r.ServerNonce)
}

// Decode reads the response.
func (r *OpenSecureChannelResponse) Decode(dec *BinaryDecoder) error {
	if err := r.ResponseHeader.Decode(dec); err != nil {
		return err
	}
	if err := dec.ReadUInt32(&r.ServerProtocolVersion); err != nil {
		return err
	}
	if err := r.SecurityToken.Decode(dec); err != nil {
		return err
	}
	return dec.ReadByteString(&r.ServerNonce)
}

// CloseSecureChannelRequest requests the server to close the channel.
type CloseSecureChannelRequest struct {
	RequestHeader
}

// BinaryEncodingID returns the binary encoding id.
func (r *CloseSecureChannelRequest) BinaryEncodingID() NodeID {
	return ObjectIDCloseSecureChannelRequestEncodingDefaultBinary
}

// Header returns the request header.
func (r *CloseSecureChannelRequest) Header() *RequestHeader {
	return &r.RequestHeader
}

// Encode writes the request.
func (r *CloseSecureChannelRequest) Encode(enc *BinaryEncoder) error {
	return r.RequestHeader.Encode(enc)
}

// Decode reads the request.
func (r *CloseSecureChannelRequest) Decode(dec *BinaryDecoder) error {
	return r.RequestHeader.Decode(dec)
}

// CloseSecureChannelResponse is never sent by a server. It is used as the local result of a close.
type CloseSecureChannelResponse struct {
	ResponseHeader
}

// BinaryEncodingID returns the binary encoding id.
func (r *CloseSecureChannelResponse) BinaryEncodingID() NodeID {
	return ObjectIDCloseSecureChannelResponseEncodingDefaultBinary
}

// Header returns the response header.
func (r *CloseSecureChannelResponse) Header() *ResponseHeader {
	return &r.ResponseHeader
}

// Encode writes the response.
func (r *CloseSecureChannelResponse) Encode(enc *BinaryEncoder) error {
	return r.ResponseHeader.Encode(enc)
}

// Decode reads the response.
func (r *CloseSecureChannelResponse) Decode(dec *BinaryDecoder) error {
	return r.ResponseHeader.Decode(dec)
}

// ServiceFault is returned by the server in place of the expected response when a service fails.
type ServiceFault struct {
	ResponseHeader
}

// BinaryEncodingID returns the binary encoding id.
func (r *ServiceFault) BinaryEncodingID() NodeID {
	return ObjectIDServiceFaultEncodingDefaultBinary
}

// Header returns the response header.
func (r *ServiceFault) Header() *ResponseHeader {
	return &r.ResponseHeader
}

// Encode writes the fault.
func (r *ServiceFault) Encode(enc *BinaryEncoder) error {
	return r.ResponseHeader.Encode(enc)
}

// Decode reads the fault.
func (r *ServiceFault) Decode(dec *BinaryDecoder) error {
	return r.ResponseHeader.Decode(dec)
}
