// Copyright 2021 Converter Systems LLC. All rights reserved.

// Package client implements the client side of an OPC UA secure channel.
package client

import (
	"context"
	"crypto/rsa"
	"net/url"
	"sync"
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/awcullen/uasc/uasc"
	"github.com/gammazero/workerpool"
	"github.com/looplab/fsm"
	"github.com/pion/logging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// documents the version of binary protocol that this library supports.
	protocolVersion uint32 = 0
	// defaultTimeoutHint sets the default number of milliseconds to wait for a response.
	defaultTimeoutHint uint32 = 60000
	// defaultTokenRequestedLifetime sets the number of milliseconds before a security token expires.
	defaultTokenRequestedLifetime uint32 = 3600000
	// defaultConnectTimeout sets the number of milliseconds to wait for a connection response.
	defaultConnectTimeout int64 = 5000
	// tokens with a lifetime this short are rejected.
	minTokenLifetime uint32 = 20
)

// SecureChannel is the client side of a secure channel. It connects to a server, opens the channel
// and carries the transactions of the session layer until it is closed.
type SecureChannel struct {
	sync.Mutex
	id            uint32
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	idGenerator   ChannelIDGenerator
	trace         bool

	securityPolicyURI                  string
	securityPolicy                     ua.SecurityPolicy
	securityMode                       ua.MessageSecurityMode
	localCertificate                   []byte
	localPrivateKey                    *rsa.PrivateKey
	serverCertificate                  []byte
	remotePublicKey                    *rsa.PublicKey
	trustedCertsFile                   string
	suppressHostNameInvalid            bool
	suppressCertificateExpired         bool
	suppressCertificateChainIncomplete bool
	timeoutHint                        uint32
	tokenRequestedLifetime             uint32
	connectTimeout                     int64
	strategy                           ConnectionStrategy
	random                             RandomSource
	newTransport                       TransportFactory

	state             *fsm.FSM
	endpointURL       string
	transport         Transport
	chunker           *uasc.MessageChunker
	builder           *uasc.MessageBuilder
	asymmetric        *uasc.SecurityOptions
	symmetric         *uasc.SecurityOptions
	securityHeader    *uasc.AsymmetricSecurityHeader
	token             *ua.ChannelSecurityToken
	clientNonce       []byte
	serverNonce       []byte
	watchdog          *time.Timer
	attempt           *backoff
	transactions      map[uint32]*Transaction
	firstChunks       map[uint32]time.Time
	lastStats         TransactionStats

	// serializes OPN and CLO exchanges.
	openLock sync.Mutex
	// serializes the chunks of each message.
	sendLock sync.Mutex

	closing               *atomic.Bool
	requestID             *atomic.Uint32
	bytesRead             *atomic.Uint64
	bytesWritten          *atomic.Uint64
	transactionsPerformed *atomic.Uint64
	timedOutRequestCount  *atomic.Uint64

	eventsLock     sync.Mutex
	observers      map[uint64]func(Event)
	nextObserverID uint64
	dispatcher     *workerpool.WorkerPool
}

// NewSecureChannel returns a channel in the disconnected state.
func NewSecureChannel(opts ...Option) (*SecureChannel, error) {
	ch := &SecureChannel{
		securityPolicyURI:      ua.SecurityPolicyURINone,
		securityMode:           ua.MessageSecurityModeNone,
		timeoutHint:            defaultTimeoutHint,
		tokenRequestedLifetime: defaultTokenRequestedLifetime,
		connectTimeout:         defaultConnectTimeout,
		strategy:               DefaultConnectionStrategy,
		random:                 DefaultRandomSource,
		idGenerator:            defaultChannelIDGenerator,
		transactions:           make(map[uint32]*Transaction),
		closing:                atomic.NewBool(false),
		requestID:              atomic.NewUint32(0),
		bytesRead:              atomic.NewUint64(0),
		bytesWritten:           atomic.NewUint64(0),
		transactionsPerformed:  atomic.NewUint64(0),
		timedOutRequestCount:   atomic.NewUint64(0),
		observers:              make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		if err := opt(ch); err != nil {
			return nil, err
		}
	}
	if ch.loggerFactory == nil {
		ch.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	ch.log = ch.loggerFactory.NewLogger("uasc")
	if ch.newTransport == nil {
		ch.newTransport = newTCPTransportFactory(ch)
	}
	ch.securityPolicy = ua.FindSecurityPolicy(ch.securityPolicyURI)
	if ch.securityPolicy == nil {
		return nil, ua.BadSecurityPolicyRejected
	}
	ch.id = ch.idGenerator.NextChannelID()
	ch.state = newLifecycle(ch)
	return ch, nil
}

// Create connects to the endpoint and opens the channel. Connection attempts are retried per the
// connection strategy. Create fails with ErrConnectAlreadyCalled while the channel is connecting or open.
func (ch *SecureChannel) Create(ctx context.Context, endpointURL string) error {
	if err := ch.state.Event(context.Background(), eventConnect); err != nil {
		return ErrConnectAlreadyCalled
	}
	if err := ch.create(ctx, endpointURL); err != nil {
		ch.state.Event(context.Background(), eventFail)
		return err
	}
	if err := ch.state.Event(context.Background(), eventOpened); err != nil {
		// closed while opening.
		return ua.BadSecureChannelClosed
	}
	return nil
}

func (ch *SecureChannel) create(ctx context.Context, endpointURL string) error {
	ch.Lock()
	ch.endpointURL = endpointURL
	ch.Unlock()

	if err := ch.prepareSecurity(endpointURL); err != nil {
		return err
	}

	ch.Lock()
	ch.chunker = uasc.NewMessageChunker()
	ch.token = nil
	ch.symmetric = nil
	ch.Unlock()

	t, err := ch.connect(ctx, endpointURL)
	if err != nil {
		return err
	}

	if err := ch.openSecureChannel(ctx, ua.SecurityTokenRequestTypeIssue); err != nil {
		ch.log.Warnf("open secure channel: %v", err)
		ch.handleTransportClose(t, err)
		t.Close()
		return err
	}
	ch.log.Infof("secure channel %d opened to %s", ch.id, endpointURL)
	return nil
}

// prepareSecurity validates the server certificate and builds the asymmetric security options.
// The public key of the server is kept for the next calls.
func (ch *SecureChannel) prepareSecurity(endpointURL string) error {
	ch.Lock()
	defer ch.Unlock()
	if ch.securityMode == ua.MessageSecurityModeNone {
		ch.asymmetric = nil
		ch.securityHeader = nil
		return nil
	}
	if len(ch.serverCertificate) == 0 || len(ch.localCertificate) == 0 || ch.localPrivateKey == nil {
		return ua.BadCertificateInvalid
	}
	if ch.remotePublicKey == nil {
		cert, key, err := publicKeyOf(ch.serverCertificate)
		if err != nil {
			return err
		}
		remoteURL, err := url.Parse(endpointURL)
		if err != nil {
			return ua.BadTCPEndpointURLInvalid
		}
		if err := validateServerCertificate(cert, remoteURL.Hostname(), ch.trustedCertsFile, ch.suppressHostNameInvalid, ch.suppressCertificateExpired, ch.suppressCertificateChainIncomplete); err != nil {
			return err
		}
		ch.remotePublicKey = key
	}
	header, err := uasc.NewAsymmetricSecurityHeader(ch.securityPolicyURI, ch.securityMode, ch.localCertificate, ch.serverCertificate)
	if err != nil {
		return err
	}
	asymmetric, err := uasc.NewAsymmetricSecurityOptions(ch.securityPolicy, ch.securityMode, ch.localPrivateKey, ch.remotePublicKey)
	if err != nil {
		return err
	}
	ch.securityHeader = header
	ch.asymmetric = asymmetric
	return nil
}

// connect opens a transport, retrying per the connection strategy.
func (ch *SecureChannel) connect(ctx context.Context, endpointURL string) (Transport, error) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	call := newBackoff(ch.strategy, ch.random, cancel)
	ch.Lock()
	ch.attempt = call
	ch.Unlock()
	defer func() {
		ch.Lock()
		if ch.attempt == call {
			ch.attempt = nil
		}
		ch.Unlock()
		call.finish()
	}()

	for {
		t, err := ch.newTransport()
		if err != nil {
			return nil, err
		}
		ch.Lock()
		ch.transport = t
		ch.firstChunks = make(map[uint32]time.Time)
		ch.builder = uasc.NewMessageBuilder(uasc.BuilderOptions{
			SecurityMode:   ch.securityMode,
			SecurityPolicy: ch.securityPolicy,
			Asymmetric:     ch.asymmetric,
			MaxMessageSize: t.LocalMaxMessageSize(),
			MaxChunkCount:  t.LocalMaxChunkCount(),
			OnMessage:      ch.handleMessage,
			OnChunk:        ch.handleChunkFed,
			OnError:        ch.handleBuilderError,
		})
		ch.Unlock()
		err = t.Connect(connectCtx, endpointURL, &channelHandler{ch: ch, t: t})
		if err == nil {
			return t, nil
		}
		ch.Lock()
		if ch.transport == t {
			ch.transport = nil
		}
		ch.Unlock()
		ch.log.Debugf("connect to %s failed: %v", endpointURL, err)

		if isNonRetryable(err) {
			call.abort()
			ch.emit(AbortEvent{})
			return nil, err
		}
		delay, ok := call.next()
		if !ok {
			ch.emit(AbortEvent{})
			return nil, err
		}
		ch.emit(BackoffEvent{Attempt: call.attempts(), Delay: delay})
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-call.aborted:
			timer.Stop()
			ch.emit(AbortEvent{})
			return nil, err
		case <-ctx.Done():
			timer.Stop()
			ch.emit(AbortEvent{})
			return nil, ctx.Err()
		}
	}
}

// AbortConnection cancels the connection attempts of Create and waits for them to end.
// Returns immediately if no attempt is in progress.
func (ch *SecureChannel) AbortConnection(ctx context.Context) error {
	ch.Lock()
	call := ch.attempt
	ch.Unlock()
	if call == nil {
		return nil
	}
	call.abort()
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openSecureChannel sends an OpenSecureChannelRequest and waits for the security token.
func (ch *SecureChannel) openSecureChannel(ctx context.Context, requestType ua.SecurityTokenRequestType) error {
	ch.openLock.Lock()
	defer ch.openLock.Unlock()

	nonce, err := ua.NewNonce(ch.securityPolicy)
	if err != nil {
		return err
	}
	if ch.securityMode == ua.MessageSecurityModeNone {
		nonce = nil
	}
	request := &ua.OpenSecureChannelRequest{
		ClientProtocolVersion: protocolVersion,
		RequestType:           requestType,
		SecurityMode:          ch.securityMode,
		ClientNonce:           ua.ByteString(nonce),
		RequestedLifetime:     ch.tokenRequestedLifetime,
	}
	tx := ch.performTransaction(ua.MessageTypeNameOpen, request)
	select {
	case <-tx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err = tx.Result()
	return err
}

// installSecurityToken validates the OpenSecureChannelResponse and makes its token current.
// Called with each chunk processed in order, so the next response can be read with the new token.
func (ch *SecureChannel) installSecurityToken(req *ua.OpenSecureChannelRequest, res *ua.OpenSecureChannelResponse) error {
	if sr := res.ServiceResult; sr.IsBad() {
		return sr
	}
	if res.ServerProtocolVersion < protocolVersion {
		return ua.BadProtocolVersionUnsupported
	}
	token := res.SecurityToken
	if token.RevisedLifetime <= minTokenLifetime {
		return errors.Wrapf(ua.BadSecurityChecksFailed, "revised lifetime %d ms is too short", token.RevisedLifetime)
	}
	serverNonce := []byte(res.ServerNonce)
	clientNonce := []byte(req.ClientNonce)
	if ch.securityMode != ua.MessageSecurityModeNone && len(serverNonce) != ch.securityPolicy.NonceSize() {
		return ua.BadNonceInvalid
	}

	clientKeys, serverKeys := ua.ComputeDerivedKeys(ch.securityPolicy, serverNonce, clientNonce)
	symmetric, err := uasc.NewSymmetricSecurityOptions(ch.securityPolicy, ch.securityMode, clientKeys, nil)
	if err != nil {
		return err
	}

	ch.Lock()
	builder := ch.builder
	ch.Unlock()
	if err := builder.PushNewToken(&token, serverKeys); err != nil {
		return err
	}

	ch.Lock()
	ch.token = &token
	ch.clientNonce = clientNonce
	ch.serverNonce = serverNonce
	ch.symmetric = symmetric
	ch.armWatchdogLocked(token)
	ch.Unlock()
	ch.log.Debugf("secure channel %d: token %d of channel %d, lifetime %d ms", ch.id, token.TokenID, token.ChannelID, token.RevisedLifetime)
	return nil
}

// armWatchdogLocked renews the token when 75% of its lifetime has passed.
func (ch *SecureChannel) armWatchdogLocked(token ua.ChannelSecurityToken) {
	ch.stopWatchdogLocked()
	d := time.Duration(token.RevisedLifetime) * time.Millisecond * 3 / 4
	ch.watchdog = time.AfterFunc(d, func() {
		ch.onLifetime75(token)
	})
}

func (ch *SecureChannel) stopWatchdogLocked() {
	if ch.watchdog != nil {
		ch.watchdog.Stop()
		ch.watchdog = nil
	}
}

// onLifetime75 renews the security token. A failed renewal is logged and the current token stays in use.
func (ch *SecureChannel) onLifetime75(token ua.ChannelSecurityToken) {
	if ch.closing.Load() {
		return
	}
	ch.emit(Lifetime75Event{Token: token})
	if err := ch.state.Event(context.Background(), eventRenew); err != nil {
		return
	}
	err := ch.openSecureChannel(context.Background(), ua.SecurityTokenRequestTypeRenew)
	ch.state.Event(context.Background(), eventRenewed)
	if err != nil {
		ch.log.Warnf("secure channel %d: renew security token: %v", ch.id, err)
		return
	}
	if renewed := ch.SecurityToken(); renewed != nil {
		ch.emit(SecurityTokenRenewedEvent{Token: *renewed})
	}
}

// Close sends a CloseSecureChannelRequest and closes the transport. Pending transactions fail with
// ua.BadSecureChannelClosed. Closing a closed channel returns nil.
func (ch *SecureChannel) Close(ctx context.Context) error {
	ch.Lock()
	if ch.transport == nil {
		ch.Unlock()
		return nil
	}
	ch.stopWatchdogLocked()
	ch.Unlock()

	ch.closing.Store(true)
	defer ch.closing.Store(false)

	ch.openLock.Lock()
	defer ch.openLock.Unlock()

	ch.Lock()
	t := ch.transport
	ch.Unlock()
	if t == nil {
		return nil
	}

	tx := ch.performTransaction(ua.MessageTypeNameClose, &ua.CloseSecureChannelRequest{})
	select {
	case <-tx.Done():
		if _, err := tx.Result(); err != nil {
			ch.log.Warnf("secure channel %d: close: %v", ch.id, err)
		}
	case <-ctx.Done():
	}
	t.Close()
	ch.handleTransportClose(t, nil)
	return nil
}

// handleChunkFed marks the arrival of the first chunk of a response.
func (ch *SecureChannel) handleChunkFed(requestID uint32, fed time.Time) {
	ch.Lock()
	if _, ok := ch.firstChunks[requestID]; !ok {
		ch.firstChunks[requestID] = fed
	}
	ch.Unlock()
}

// handleChunk feeds a chunk of the current transport to the builder.
func (ch *SecureChannel) handleChunk(t Transport, chunk []byte) {
	ch.Lock()
	if ch.transport != t {
		ch.Unlock()
		return
	}
	builder := ch.builder
	ch.Unlock()
	ch.emit(ReceiveChunkEvent{Chunk: chunk})
	if err := builder.Feed(chunk); err != nil {
		ch.log.Errorf("secure channel %d: %v", ch.id, err)
		ch.handleTransportClose(t, err)
		t.Close()
	}
}

// handleTransportClose fails the pending transactions when the current transport closes.
// The error is nil when the channel was closed by Close.
func (ch *SecureChannel) handleTransportClose(t Transport, err error) {
	ch.Lock()
	if ch.transport != t {
		ch.Unlock()
		return
	}
	ch.transport = nil
	ch.bytesRead.Add(t.BytesRead())
	ch.bytesWritten.Add(t.BytesWritten())
	pending := ch.transactions
	ch.transactions = make(map[uint32]*Transaction)
	ch.stopWatchdogLocked()
	ch.Unlock()

	if ch.closing.Load() {
		err = nil
	}
	failErr := err
	if failErr == nil {
		failErr = ua.BadSecureChannelClosed
	}
	failAll(pending, failErr)

	if ch.state.Is(stateOpen) || ch.state.Is(stateRenewing) {
		if err != nil {
			ch.log.Warnf("secure channel %d closed: %v", ch.id, err)
		} else {
			ch.log.Infof("secure channel %d closed", ch.id)
		}
		ch.state.Event(context.Background(), eventClose)
		ch.emit(CloseEvent{Err: err})
	}
}

// ChannelID returns the id assigned to the channel by the generator.
func (ch *SecureChannel) ChannelID() uint32 {
	return ch.id
}

// SecureChannelID returns the id assigned to the channel by the server, or zero.
func (ch *SecureChannel) SecureChannelID() uint32 {
	ch.Lock()
	defer ch.Unlock()
	if ch.token == nil {
		return 0
	}
	return ch.token.ChannelID
}

// SecurityToken returns a copy of the current security token, or nil.
func (ch *SecureChannel) SecurityToken() *ua.ChannelSecurityToken {
	ch.Lock()
	defer ch.Unlock()
	if ch.token == nil {
		return nil
	}
	token := *ch.token
	return &token
}

// EndpointURL returns the endpoint of the last call to Create.
func (ch *SecureChannel) EndpointURL() string {
	ch.Lock()
	defer ch.Unlock()
	return ch.endpointURL
}

// SecurityPolicyURI returns the uri of the security policy.
func (ch *SecureChannel) SecurityPolicyURI() string {
	return ch.securityPolicyURI
}

// SecurityMode returns the security mode.
func (ch *SecureChannel) SecurityMode() ua.MessageSecurityMode {
	return ch.securityMode
}

// State returns the name of the state of the channel.
func (ch *SecureChannel) State() string {
	return ch.state.Current()
}

// IsConnecting returns true while Create is in progress.
func (ch *SecureChannel) IsConnecting() bool {
	return ch.state.Is(stateConnecting)
}

// BytesRead returns the number of bytes received by all the transports of the channel.
func (ch *SecureChannel) BytesRead() uint64 {
	ch.Lock()
	defer ch.Unlock()
	n := ch.bytesRead.Load()
	if ch.transport != nil {
		n += ch.transport.BytesRead()
	}
	return n
}

// BytesWritten returns the number of bytes sent by all the transports of the channel.
func (ch *SecureChannel) BytesWritten() uint64 {
	ch.Lock()
	defer ch.Unlock()
	n := ch.bytesWritten.Load()
	if ch.transport != nil {
		n += ch.transport.BytesWritten()
	}
	return n
}
