// Copyright 2021 Converter Systems LLC. All rights reserved.

// Package transport implements the OPC UA TCP transport used by the secure channel.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/pion/logging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// documents the version of binary protocol that this library supports.
	protocolVersion uint32 = 0
	// defaultConnectTimeout sets the number of milliseconds to wait for a connection response.
	defaultConnectTimeout int64 = 5000
	// the default size of the send and receive buffers.
	defaultBufferSize uint32 = 64 * 1024
	// the limit on the size of messages that may be accepted.
	defaultMaxMessageSize uint32 = 16 * 1024 * 1024
	// defaultMaxChunkCount sets the limit on the number of message chunks that may be accepted.
	defaultMaxChunkCount uint32 = 4 * 1024
	// the smallest buffer allowed by the protocol.
	minBufferSize uint32 = 8192
	// the size of the message type and message length.
	messageHeaderSize = 8
	// the port of opc.tcp urls without a port.
	defaultPort = "4840"
)

var (
	// ErrBufferSizeTooSmall is returned by WithBufferSize when a size is below the protocol minimum.
	ErrBufferSizeTooSmall = errors.New("buffer size must be at least 8192 bytes")
	// ErrAlreadyConnected is returned by Connect when the transport is connected.
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Handler receives the chunks and the termination of a connection.
type Handler interface {
	// HandleChunk is called by the read goroutine with each complete chunk. The handler owns the slice.
	HandleChunk(chunk []byte)
	// HandleClose is called once when the connection ends. The error is nil after a local Close.
	HandleClose(err error)
}

// TCPTransport connects to an OPC UA server with the binary protocol over TCP.
type TCPTransport struct {
	sync.Mutex
	conn                   net.Conn
	log                    logging.LeveledLogger
	connectTimeout         int64
	localReceiveBufferSize uint32
	localSendBufferSize    uint32
	localMaxMessageSize    uint32
	localMaxChunkCount     uint32
	protocolVersion        uint32
	sendBufferSize         uint32
	receiveBufferSize      uint32
	maxMessageSize         uint32
	maxChunkCount          uint32
	writeLock              sync.Mutex
	closing                *atomic.Bool
	bytesRead              *atomic.Uint64
	bytesWritten           *atomic.Uint64
}

// NewTCPTransport returns a transport that is not yet connected.
func NewTCPTransport(opts ...Option) (*TCPTransport, error) {
	t := &TCPTransport{
		connectTimeout:         defaultConnectTimeout,
		localReceiveBufferSize: defaultBufferSize,
		localSendBufferSize:    defaultBufferSize,
		localMaxMessageSize:    defaultMaxMessageSize,
		localMaxChunkCount:     defaultMaxChunkCount,
		closing:                atomic.NewBool(false),
		bytesRead:              atomic.NewUint64(0),
		bytesWritten:           atomic.NewUint64(0),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.log == nil {
		t.log = logging.NewDefaultLoggerFactory().NewLogger("uatcp")
	}
	return t, nil
}

// Connect dials the endpoint and exchanges the hello and acknowledge messages.
// On success, a goroutine delivers the chunks received to the handler.
func (t *TCPTransport) Connect(ctx context.Context, endpointURL string, handler Handler) error {
	t.Lock()
	defer t.Unlock()
	if t.conn != nil {
		return ErrAlreadyConnected
	}

	remoteURL, err := url.Parse(endpointURL)
	if err != nil || remoteURL.Scheme != "opc.tcp" || remoteURL.Hostname() == "" {
		return ua.BadTCPEndpointURLInvalid
	}
	host := remoteURL.Host
	if remoteURL.Port() == "" {
		host = net.JoinHostPort(remoteURL.Hostname(), defaultPort)
	}

	timeout := time.Duration(t.connectTimeout) * time.Millisecond
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return errors.Wrapf(err, "dial %s", host)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := t.hello(conn, endpointURL); err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	t.log.Debugf("connected to %s (version %d, send buffer %d, receive buffer %d, max message %d, max chunks %d)",
		endpointURL, t.protocolVersion, t.sendBufferSize, t.receiveBufferSize, t.maxMessageSize, t.maxChunkCount)

	t.conn = conn
	t.closing.Store(false)
	go t.readLoop(conn, handler)
	return nil
}

// hello sends the hello message and reads the acknowledge or error message.
func (t *TCPTransport) hello(conn net.Conn, endpointURL string) error {
	buf := &bytes.Buffer{}
	enc := ua.NewBinaryEncoder(buf)
	enc.WriteUInt32(ua.MessageTypeHello)
	enc.WriteUInt32(uint32(32 + len(endpointURL)))
	enc.WriteUInt32(protocolVersion)
	enc.WriteUInt32(t.localReceiveBufferSize)
	enc.WriteUInt32(t.localSendBufferSize)
	enc.WriteUInt32(t.localMaxMessageSize)
	enc.WriteUInt32(t.localMaxChunkCount)
	enc.WriteString(endpointURL)
	n, err := conn.Write(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "write hello")
	}
	t.bytesWritten.Add(uint64(n))

	chunk, err := t.readChunk(conn)
	if err != nil {
		return errors.Wrap(err, "read acknowledge")
	}
	t.bytesRead.Add(uint64(len(chunk)))

	dec := ua.NewBinaryDecoder(bytes.NewReader(chunk))
	var msgType, msgLen uint32
	dec.ReadUInt32(&msgType)
	dec.ReadUInt32(&msgLen)

	switch msgType {
	case ua.MessageTypeAck:
		if msgLen < 28 {
			return ua.BadDecodingError
		}
		var remoteProtocolVersion uint32
		if err := dec.ReadUInt32(&remoteProtocolVersion); err != nil {
			return err
		}
		if remoteProtocolVersion < protocolVersion {
			return ua.BadProtocolVersionUnsupported
		}
		t.protocolVersion = remoteProtocolVersion
		// the remote receive buffer is the local send buffer.
		if err := dec.ReadUInt32(&t.sendBufferSize); err != nil {
			return err
		}
		if err := dec.ReadUInt32(&t.receiveBufferSize); err != nil {
			return err
		}
		if err := dec.ReadUInt32(&t.maxMessageSize); err != nil {
			return err
		}
		if err := dec.ReadUInt32(&t.maxChunkCount); err != nil {
			return err
		}
		if t.sendBufferSize > t.localSendBufferSize {
			t.sendBufferSize = t.localSendBufferSize
		}
		if t.receiveBufferSize > t.localReceiveBufferSize {
			t.receiveBufferSize = t.localReceiveBufferSize
		}
		if t.sendBufferSize < minBufferSize {
			return ua.BadTCPNotEnoughResources
		}
		return nil

	case ua.MessageTypeError:
		if msgLen < 16 {
			return ua.BadDecodingError
		}
		var remoteCode ua.StatusCode
		if err := dec.ReadStatusCode(&remoteCode); err != nil {
			return err
		}
		var reason string
		dec.ReadString(&reason)
		t.log.Warnf("server rejected hello with %s %s", remoteCode, reason)
		return remoteCode

	default:
		return ua.BadTCPMessageTypeInvalid
	}
}

// readLoop delivers chunks to the handler until the connection ends.
func (t *TCPTransport) readLoop(conn net.Conn, handler Handler) {
	var err error
	for {
		var chunk []byte
		chunk, err = t.readChunk(conn)
		if err != nil {
			break
		}
		t.bytesRead.Add(uint64(len(chunk)))
		handler.HandleChunk(chunk)
	}

	switch {
	case t.closing.Load():
		err = nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		err = ua.BadConnectionClosed
	}
	if err != nil {
		t.log.Warnf("connection lost: %v", err)
	}

	t.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.Unlock()
	conn.Close()
	handler.HandleClose(err)
}

// readChunk reads the next chunk framed by the message header.
func (t *TCPTransport) readChunk(conn net.Conn) ([]byte, error) {
	var header [messageHeaderSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(header[4:8])
	if count < messageHeaderSize || count > t.localReceiveBufferSize {
		return nil, ua.BadTCPMessageTooLarge
	}
	chunk := make([]byte, count)
	copy(chunk, header[:])
	if _, err := io.ReadFull(conn, chunk[messageHeaderSize:]); err != nil {
		return nil, err
	}
	return chunk, nil
}

// Write sends a chunk to the remote endpoint.
func (t *TCPTransport) Write(chunk []byte) error {
	t.Lock()
	conn := t.conn
	t.Unlock()
	if conn == nil {
		return ua.BadServerNotConnected
	}
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	n, err := conn.Write(chunk)
	t.bytesWritten.Add(uint64(n))
	if err != nil {
		return errors.Wrap(err, "write chunk")
	}
	return nil
}

// Close closes the connection. The handler receives HandleClose(nil). Closing a closed transport is a no-op.
func (t *TCPTransport) Close() error {
	t.Lock()
	conn := t.conn
	t.Unlock()
	if conn == nil {
		return nil
	}
	t.closing.Store(true)
	return conn.Close()
}

// BytesRead returns the number of bytes received.
func (t *TCPTransport) BytesRead() uint64 {
	return t.bytesRead.Load()
}

// BytesWritten returns the number of bytes sent.
func (t *TCPTransport) BytesWritten() uint64 {
	return t.bytesWritten.Load()
}

// ProtocolVersion returns the protocol version of the server.
func (t *TCPTransport) ProtocolVersion() uint32 {
	t.Lock()
	defer t.Unlock()
	return t.protocolVersion
}

// SendBufferSize returns the size of the chunks that may be sent.
func (t *TCPTransport) SendBufferSize() uint32 {
	t.Lock()
	defer t.Unlock()
	return t.sendBufferSize
}

// ReceiveBufferSize returns the size of the chunks that may be received.
func (t *TCPTransport) ReceiveBufferSize() uint32 {
	t.Lock()
	defer t.Unlock()
	return t.receiveBufferSize
}

// MaxMessageSize returns the limit of the server on the size of a message. Zero is unlimited.
func (t *TCPTransport) MaxMessageSize() uint32 {
	t.Lock()
	defer t.Unlock()
	return t.maxMessageSize
}

// MaxChunkCount returns the limit of the server on the number of chunks of a message. Zero is unlimited.
func (t *TCPTransport) MaxChunkCount() uint32 {
	t.Lock()
	defer t.Unlock()
	return t.maxChunkCount
}

// LocalMaxMessageSize returns the limit sent in the hello on the size of the messages that may be received.
func (t *TCPTransport) LocalMaxMessageSize() uint32 {
	return t.localMaxMessageSize
}

// LocalMaxChunkCount returns the limit sent in the hello on the number of chunks of the messages that may be received.
func (t *TCPTransport) LocalMaxChunkCount() uint32 {
	return t.localMaxChunkCount
}
