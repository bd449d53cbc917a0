// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"github.com/pion/logging"
)

// Option is a functional option to be applied to a transport during initialization.
type Option func(*TCPTransport) error

// WithConnectTimeout sets the number of milliseconds to wait for the connection and the acknowledge message. (default: 5000)
func WithConnectTimeout(value int64) Option {
	return func(t *TCPTransport) error {
		t.connectTimeout = value
		return nil
	}
}

// WithBufferSize sets the size of the receive and send buffers. (default: 64 KiB)
func WithBufferSize(receiveBufferSize, sendBufferSize uint32) Option {
	return func(t *TCPTransport) error {
		if receiveBufferSize < minBufferSize || sendBufferSize < minBufferSize {
			return ErrBufferSizeTooSmall
		}
		t.localReceiveBufferSize = receiveBufferSize
		t.localSendBufferSize = sendBufferSize
		return nil
	}
}

// WithMaxMessageSize sets the limit on the size of messages that may be received. Zero is unlimited. (default: 16 MiB)
func WithMaxMessageSize(value uint32) Option {
	return func(t *TCPTransport) error {
		t.localMaxMessageSize = value
		return nil
	}
}

// WithMaxChunkCount sets the limit on the number of chunks of a message that may be received. Zero is unlimited. (default: 4096)
func WithMaxChunkCount(value uint32) Option {
	return func(t *TCPTransport) error {
		t.localMaxChunkCount = value
		return nil
	}
}

// WithLoggerFactory sets the factory of the transport logger. (default: logging.NewDefaultLoggerFactory())
func WithLoggerFactory(value logging.LoggerFactory) Option {
	return func(t *TCPTransport) error {
		t.log = value.NewLogger("uatcp")
		return nil
	}
}
