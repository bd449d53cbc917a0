// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"sync"
)

// Encodable is a structure that can be written in the UA binary encoding.
type Encodable interface {
	BinaryEncodingID() NodeID
	Encode(enc *BinaryEncoder) error
}

// Decodable is a structure that can be read from the UA binary encoding.
type Decodable interface {
	Encodable
	Decode(dec *BinaryDecoder) error
}

// ServiceRequest is a request for a service.
type ServiceRequest interface {
	Decodable
	Header() *RequestHeader
}

// ServiceResponse is a response from a service.
type ServiceResponse interface {
	Decodable
	Header() *ResponseHeader
}

var (
	registryLock sync.RWMutex
	registry     = make(map[NodeID]func() Decodable)
)

// RegisterBinaryEncodingID registers a factory for the structure identified by the binary encoding id.
func RegisterBinaryEncodingID(id NodeID, factory func() Decodable) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[id] = factory
}

// NewMessage returns a new instance of the structure identified by the binary encoding id.
func NewMessage(id NodeID) (Decodable, bool) {
	registryLock.RLock()
	factory, ok := registry[id]
	registryLock.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

func init() {
	RegisterBinaryEncodingID(ObjectIDOpenSecureChannelRequestEncodingDefaultBinary, func() Decodable { return new(OpenSecureChannelRequest) })
	RegisterBinaryEncodingID(ObjectIDOpenSecureChannelResponseEncodingDefaultBinary, func() Decodable { return new(OpenSecureChannelResponse) })
	RegisterBinaryEncodingID(ObjectIDCloseSecureChannelRequestEncodingDefaultBinary, func() Decodable { return new(CloseSecureChannelRequest) })
	RegisterBinaryEncodingID(ObjectIDCloseSecureChannelResponseEncodingDefaultBinary, func() Decodable { return new(CloseSecureChannelResponse) })
	RegisterBinaryEncodingID(ObjectIDServiceFaultEncodingDefaultBinary, func() Decodable { return new(ServiceFault) })
}
