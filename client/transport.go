// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"

	"github.com/awcullen/uasc/transport"
)

// Transport carries the chunks of the secure channel.
type Transport interface {
	Connect(ctx context.Context, endpointURL string, handler transport.Handler) error
	Write(chunk []byte) error
	Close() error
	BytesRead() uint64
	BytesWritten() uint64
	ProtocolVersion() uint32
	SendBufferSize() uint32
	ReceiveBufferSize() uint32
	MaxMessageSize() uint32
	MaxChunkCount() uint32
	// LocalMaxMessageSize and LocalMaxChunkCount are the limits on received messages. Zero is unlimited.
	LocalMaxMessageSize() uint32
	LocalMaxChunkCount() uint32
}

// TransportFactory returns a new transport for each connection attempt.
type TransportFactory func() (Transport, error)

// newTCPTransportFactory returns a factory of TCP transports.
func newTCPTransportFactory(ch *SecureChannel) TransportFactory {
	return func() (Transport, error) {
		t, err := transport.NewTCPTransport(
			transport.WithConnectTimeout(ch.connectTimeout),
			transport.WithLoggerFactory(ch.loggerFactory),
		)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// channelHandler receives the chunks of one transport.
type channelHandler struct {
	ch *SecureChannel
	t  Transport
}

func (h *channelHandler) HandleChunk(chunk []byte) {
	h.ch.handleChunk(h.t, chunk)
}

func (h *channelHandler) HandleClose(err error) {
	h.ch.handleTransportClose(h.t, err)
}
