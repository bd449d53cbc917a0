// Copyright 2021 Converter Systems LLC. All rights reserved.

package client_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/awcullen/uasc/client"
	"github.com/awcullen/uasc/transport"
	"github.com/awcullen/uasc/ua"
	"github.com/awcullen/uasc/uasc"
	"go.uber.org/atomic"
)

// echoRequest asks the test server to return the payload.
type echoRequest struct {
	ua.RequestHeader
	Payload ua.ByteString
}

// echoResponse returns the payload of an echoRequest.
type echoResponse struct {
	ua.ResponseHeader
	Payload ua.ByteString
}

var (
	echoRequestEncodingID  = ua.NewNodeIDNumeric(1, 9001)
	echoResponseEncodingID = ua.NewNodeIDNumeric(1, 9011)
)

func init() {
	ua.RegisterBinaryEncodingID(echoRequestEncodingID, func() ua.Decodable { return new(echoRequest) })
	ua.RegisterBinaryEncodingID(echoResponseEncodingID, func() ua.Decodable { return new(echoResponse) })
}

func (r *echoRequest) BinaryEncodingID() ua.NodeID  { return echoRequestEncodingID }
func (r *echoRequest) Header() *ua.RequestHeader    { return &r.RequestHeader }
func (r *echoResponse) BinaryEncodingID() ua.NodeID { return echoResponseEncodingID }
func (r *echoResponse) Header() *ua.ResponseHeader  { return &r.ResponseHeader }

func (r *echoRequest) Encode(enc *ua.BinaryEncoder) error {
	if err := r.RequestHeader.Encode(enc); err != nil {
		return err
	}
	return enc.WriteByteString(r.Payload)
}

func (r *echoRequest) Decode(dec *ua.BinaryDecoder) error {
	if err := r.RequestHeader.Decode(dec); err != nil {
		return err
	}
	return dec.ReadByteString(&r.Payload)
}

func (r *echoResponse) Encode(enc *ua.BinaryEncoder) error {
	if err := r.ResponseHeader.Encode(enc); err != nil {
		return err
	}
	return enc.WriteByteString(r.Payload)
}

func (r *echoResponse) Decode(dec *ua.BinaryDecoder) error {
	if err := r.ResponseHeader.Decode(dec); err != nil {
		return err
	}
	return dec.ReadByteString(&r.Payload)
}

// testServer is the server side of the secure channels of a test. Each connection attempt
// of the client gets a new serverConn.
type testServer struct {
	sync.Mutex
	t           *testing.T
	policy      ua.SecurityPolicy
	mode        ua.MessageSecurityMode
	asymmetric  *uasc.SecurityOptions
	header      *uasc.AsymmetricSecurityHeader
	lifetime    uint32
	nonceLength int
	chunkSize   uint32
	// the client's limits on received messages.
	maxMessageSize uint32
	maxChunkCount  uint32
	connectErr     func(attempt int) error
	respond        func(c *serverConn, req *echoRequest, requestID uint32)
	attempts       int
	conns          []*serverConn
	requestIDs     []uint32
	msgTypes       []string
	nextChannel    uint32
}

func newTestServer(t *testing.T) *testServer {
	return &testServer{
		t:           t,
		policy:      ua.FindSecurityPolicy(ua.SecurityPolicyURINone),
		mode:        ua.MessageSecurityModeNone,
		chunkSize:   65535,
		nextChannel: 42,
	}
}

// secure configures the server for the policy and mode. The certificates are DER encoded.
func (s *testServer) secure(uri string, mode ua.MessageSecurityMode, serverCert []byte, serverKey *rsa.PrivateKey, clientCert []byte) {
	cert, err := x509.ParseCertificate(clientCert)
	if err != nil {
		s.t.Fatal(err)
	}
	s.policy = ua.FindSecurityPolicy(uri)
	s.mode = mode
	s.asymmetric, err = uasc.NewAsymmetricSecurityOptions(s.policy, mode, serverKey, cert.PublicKey.(*rsa.PublicKey))
	if err != nil {
		s.t.Fatal(err)
	}
	s.header, err = uasc.NewAsymmetricSecurityHeader(uri, mode, serverCert, clientCert)
	if err != nil {
		s.t.Fatal(err)
	}
}

// factory returns the transport factory of the client.
func (s *testServer) factory() client.TransportFactory {
	return func() (client.Transport, error) {
		c := &serverConn{
			srv:          s,
			out:          make(chan []byte, 256),
			closed:       make(chan error, 1),
			stopped:      make(chan struct{}),
			bytesRead:    atomic.NewUint64(0),
			bytesWritten: atomic.NewUint64(0),
		}
		c.chunker = uasc.NewMessageChunker()
		c.builder = uasc.NewMessageBuilder(uasc.BuilderOptions{
			SecurityMode:   s.mode,
			SecurityPolicy: s.policy,
			Asymmetric:     s.asymmetric,
			OnMessage:      c.serve,
			OnError: func(err error, requestID uint32) {
				s.t.Logf("server: request %d: %v", requestID, err)
			},
		})
		return c, nil
	}
}

func (s *testServer) lastConn() *serverConn {
	s.Lock()
	defer s.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *testServer) connectAttempts() int {
	s.Lock()
	defer s.Unlock()
	return s.attempts
}

func (s *testServer) received() ([]uint32, []string) {
	s.Lock()
	defer s.Unlock()
	return append([]uint32(nil), s.requestIDs...), append([]string(nil), s.msgTypes...)
}

// serverConn is one connection of the testServer. It is the client's transport.
type serverConn struct {
	sync.Mutex
	srv          *testServer
	handler      transport.Handler
	chunker      *uasc.MessageChunker
	builder      *uasc.MessageBuilder
	channelID    uint32
	tokenID      uint32
	symmetric    *uasc.SecurityOptions
	out          chan []byte
	closed       chan error
	stopped      chan struct{}
	closeOnce    sync.Once
	bytesRead    *atomic.Uint64
	bytesWritten *atomic.Uint64
}

func (c *serverConn) Connect(ctx context.Context, endpointURL string, handler transport.Handler) error {
	s := c.srv
	s.Lock()
	s.attempts++
	attempt := s.attempts
	connectErr := s.connectErr
	s.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if connectErr != nil {
		if err := connectErr(attempt); err != nil {
			return err
		}
	}
	s.Lock()
	s.conns = append(s.conns, c)
	c.channelID = s.nextChannel
	s.nextChannel++
	s.Unlock()
	c.handler = handler
	go c.deliver()
	return nil
}

func (c *serverConn) deliver() {
	for {
		select {
		case chunk := <-c.out:
			c.bytesRead.Add(uint64(len(chunk)))
			c.handler.HandleChunk(chunk)
		case err := <-c.closed:
			c.handler.HandleClose(err)
			return
		}
	}
}

func (c *serverConn) Write(chunk []byte) error {
	select {
	case <-c.stopped:
		return io.ErrClosedPipe
	default:
	}
	c.bytesWritten.Add(uint64(len(chunk)))
	return c.builder.Feed(chunk)
}

func (c *serverConn) Close() error {
	c.drop(nil)
	return nil
}

// drop closes the connection. The client receives the error.
func (c *serverConn) drop(err error) {
	c.closeOnce.Do(func() {
		close(c.stopped)
		c.closed <- err
	})
}

func (c *serverConn) BytesRead() uint64           { return c.bytesRead.Load() }
func (c *serverConn) BytesWritten() uint64        { return c.bytesWritten.Load() }
func (c *serverConn) ProtocolVersion() uint32     { return 0 }
func (c *serverConn) SendBufferSize() uint32      { return 65535 }
func (c *serverConn) ReceiveBufferSize() uint32   { return c.srv.chunkSize }
func (c *serverConn) MaxMessageSize() uint32      { return 0 }
func (c *serverConn) MaxChunkCount() uint32       { return 0 }
func (c *serverConn) LocalMaxMessageSize() uint32 { return c.srv.maxMessageSize }
func (c *serverConn) LocalMaxChunkCount() uint32  { return c.srv.maxChunkCount }

// serve handles a message of the client.
func (c *serverConn) serve(msg ua.Decodable, msgType string, requestID uint32) {
	s := c.srv
	s.Lock()
	s.requestIDs = append(s.requestIDs, requestID)
	s.msgTypes = append(s.msgTypes, msgType)
	respond := s.respond
	s.Unlock()

	switch req := msg.(type) {
	case *ua.OpenSecureChannelRequest:
		c.open(req, requestID)
	case *ua.CloseSecureChannelRequest:
	case *echoRequest:
		if respond != nil {
			respond(c, req, requestID)
			return
		}
		c.echo(req, requestID)
	default:
		s.t.Errorf("server: unexpected %T", msg)
	}
}

// open issues or renews the security token.
func (c *serverConn) open(req *ua.OpenSecureChannelRequest, requestID uint32) {
	s := c.srv
	lifetime := req.RequestedLifetime
	if s.lifetime != 0 {
		lifetime = s.lifetime
	}
	nonce, err := ua.NewNonce(s.policy)
	if err != nil {
		s.t.Error(err)
		return
	}
	if s.nonceLength != 0 {
		nonce = make([]byte, s.nonceLength)
		rand.Read(nonce)
	}
	clientKeys, serverKeys := ua.ComputeDerivedKeys(s.policy, nonce, []byte(req.ClientNonce))
	symmetric, err := uasc.NewSymmetricSecurityOptions(s.policy, s.mode, serverKeys, nil)
	if err != nil {
		s.t.Error(err)
		return
	}

	// the token and keys of the responses change together.
	c.Lock()
	token := ua.ChannelSecurityToken{
		ChannelID:       c.channelID,
		TokenID:         c.tokenID + 1,
		CreatedAt:       time.Now(),
		RevisedLifetime: lifetime,
	}
	if err := c.builder.PushNewToken(&token, clientKeys); err != nil {
		c.Unlock()
		s.t.Error(err)
		return
	}
	c.tokenID = token.TokenID
	c.symmetric = symmetric
	c.Unlock()

	c.send(ua.MessageTypeNameOpen, requestID, &ua.OpenSecureChannelResponse{
		ResponseHeader:        ua.ResponseHeader{Timestamp: time.Now(), RequestHandle: req.RequestHandle},
		ServerProtocolVersion: 0,
		SecurityToken:         token,
		ServerNonce:           ua.ByteString(nonce),
	})
}

func (c *serverConn) echo(req *echoRequest, requestID uint32) {
	c.send(ua.MessageTypeNameMessage, requestID, &echoResponse{
		ResponseHeader: ua.ResponseHeader{Timestamp: time.Now(), RequestHandle: req.RequestHandle},
		Payload:        req.Payload,
	})
}

// send writes the chunks of the message to the client.
func (c *serverConn) send(msgType string, requestID uint32, msg ua.Encodable) {
	c.Lock()
	options := &uasc.ChunkOptions{
		RequestID:       requestID,
		SecureChannelID: c.channelID,
		TokenID:         c.tokenID,
		ChunkSize:       c.srv.chunkSize,
	}
	if msgType == ua.MessageTypeNameOpen {
		options.SecurityHeader = c.srv.header
		options.Security = c.srv.asymmetric
	} else {
		options.Security = c.symmetric
	}
	c.Unlock()
	err := c.chunker.ChunkSecureMessage(msgType, options, msg, func(chunk []byte) error {
		if chunk == nil {
			return nil
		}
		select {
		case c.out <- chunk:
			return nil
		case <-c.stopped:
			return io.ErrClosedPipe
		}
	})
	if err != nil {
		c.srv.t.Logf("server: send %s %d: %v", msgType, requestID, err)
	}
}

// newCertificate returns a self-signed DER encoded certificate and its key.
func newCertificate(t *testing.T, commonName string) ([]byte, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return der, key
}

// recorder keeps the events of a channel.
type recorder struct {
	sync.Mutex
	events []client.Event
}

func record(ch *client.SecureChannel) *recorder {
	r := &recorder{}
	ch.Subscribe(func(e client.Event) {
		r.Lock()
		r.events = append(r.events, e)
		r.Unlock()
	})
	return r
}

// named returns the events with the name.
func (r *recorder) named(name string) []client.Event {
	r.Lock()
	defer r.Unlock()
	var events []client.Event
	for _, e := range r.events {
		if e.Name() == name {
			events = append(events, e)
		}
	}
	return events
}

// waitFor returns the first event with the name, failing the test after the timeout.
func (r *recorder) waitFor(t *testing.T, name string, timeout time.Duration) client.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if events := r.named(name); len(events) > 0 {
			return events[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s event after %s", name, timeout)
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixedRandom float64

func (r fixedRandom) Float64() float64 { return float64(r) }
