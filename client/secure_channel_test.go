// Copyright 2021 Converter Systems LLC. All rights reserved.

package client_test

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/awcullen/uasc/client"
	"github.com/awcullen/uasc/ua"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const endpointURL = "opc.tcp://localhost:4840"

// open returns a channel opened to the server.
func open(t *testing.T, srv *testServer, opts ...client.Option) (*client.SecureChannel, *recorder) {
	t.Helper()
	opts = append([]client.Option{client.WithTransportFactory(srv.factory())}, opts...)
	ch, err := client.NewSecureChannel(opts...)
	if err != nil {
		t.Fatal(errors.Wrap(err, "Error creating channel"))
	}
	events := record(ch)
	if err := ch.Create(context.Background(), endpointURL); err != nil {
		t.Fatal(errors.Wrap(err, "Error opening channel"))
	}
	return ch, events
}

func echo(ctx context.Context, ch *client.SecureChannel, payload string) (string, error) {
	res, err := ch.PerformMessageTransaction(ctx, &echoRequest{Payload: ua.ByteString(payload)})
	if err != nil {
		return "", err
	}
	return string(res.(*echoResponse).Payload), nil
}

func TestOpenNone(t *testing.T) {
	srv := newTestServer(t)
	ch, events := open(t, srv)
	assert.Equal(t, ch.State(), "open")
	assert.Equal(t, ch.SecureChannelID(), uint32(42))
	assert.Equal(t, ch.SecurityToken().TokenID, uint32(1))
	assert.Equal(t, ch.EndpointURL(), endpointURL)

	got, err := echo(context.Background(), ch, "hello")
	assert.NilError(t, err)
	assert.Equal(t, got, "hello")
	assert.Equal(t, ch.TransactionsPerformed(), uint64(2))
	assert.Assert(t, !ch.IsTransactionInProgress())
	stats := ch.LastTransactionStats()
	assert.Assert(t, stats.ChunkCount == 1)
	assert.Assert(t, stats.BytesWritten() > 0)
	assert.Assert(t, !stats.Completed.Before(stats.Created))
	assert.Assert(t, !stats.Received.Before(stats.Created))
	assert.Assert(t, !stats.Decoded.Before(stats.Received))

	assert.NilError(t, ch.Close(context.Background()))
	assert.Equal(t, ch.State(), "closed")
	_, types := srv.received()
	assert.DeepEqual(t, types, []string{"OPN", "MSG", "CLO"})
	assert.Assert(t, ch.BytesWritten() > 0)
	assert.Assert(t, ch.BytesRead() > 0)

	e := events.waitFor(t, "close", time.Second).(client.CloseEvent)
	assert.NilError(t, e.Err)
	events.waitFor(t, "end_transaction", time.Second)
}

func TestOpenSignAndEncrypt(t *testing.T) {
	serverCert, serverKey := newCertificate(t, "server")
	clientCert, clientKey := newCertificate(t, "client")
	srv := newTestServer(t)
	srv.secure(ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, serverCert, serverKey, clientCert)

	ch, _ := open(t, srv,
		client.WithSecurityPolicyBasic256Sha256(ua.MessageSecurityModeSignAndEncrypt),
		client.WithServerCertificate(serverCert),
		client.WithClientCertificate(clientCert, clientKey),
		client.WithInsecureSkipVerify(),
	)
	defer ch.Close(context.Background())
	assert.Equal(t, ch.SecurityPolicyURI(), ua.SecurityPolicyURIBasic256Sha256)
	assert.Equal(t, ch.SecurityMode(), ua.MessageSecurityModeSignAndEncrypt)

	payload := strings.Repeat("0123456789", 20000)
	got, err := echo(context.Background(), ch, payload)
	assert.NilError(t, err)
	assert.Equal(t, got, payload)
	assert.Assert(t, ch.LastTransactionStats().ChunkCount > 1)
}

func TestOpenRequiresCertificates(t *testing.T) {
	srv := newTestServer(t)
	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithSecurityPolicyBasic256Sha256(ua.MessageSecurityModeSign),
	)
	assert.NilError(t, err)
	err = ch.Create(context.Background(), endpointURL)
	assert.Assert(t, errors.Is(err, ua.BadCertificateInvalid))
	assert.Equal(t, ch.State(), "disconnected")
	assert.Equal(t, srv.connectAttempts(), 0)
}

func TestCreateAlreadyCalled(t *testing.T) {
	srv := newTestServer(t)
	ch, _ := open(t, srv)
	defer ch.Close(context.Background())
	err := ch.Create(context.Background(), endpointURL)
	assert.Equal(t, err, client.ErrConnectAlreadyCalled)
	assert.Equal(t, ch.State(), "open")
}

func TestNotConnected(t *testing.T) {
	ch, err := client.NewSecureChannel(client.WithTransportFactory(newTestServer(t).factory()))
	assert.NilError(t, err)
	_, err = echo(context.Background(), ch, "hello")
	assert.Assert(t, errors.Is(err, ua.BadServerNotConnected))
	assert.Assert(t, !ch.IsTransactionInProgress())
}

func TestRequestIDsIncrease(t *testing.T) {
	srv := newTestServer(t)
	ch, _ := open(t, srv)
	for i := 0; i < 3; i++ {
		_, err := echo(context.Background(), ch, "a")
		assert.NilError(t, err)
	}
	assert.NilError(t, ch.Close(context.Background()))

	assert.NilError(t, ch.Create(context.Background(), endpointURL))
	_, err := echo(context.Background(), ch, "b")
	assert.NilError(t, err)
	assert.NilError(t, ch.Close(context.Background()))

	ids, _ := srv.received()
	assert.Equal(t, len(ids), 8)
	for i := 1; i < len(ids); i++ {
		assert.Assert(t, ids[i] > ids[i-1], "request ids %v", ids)
	}
}

func TestTransactionTimeout(t *testing.T) {
	srv := newTestServer(t)
	held := make(chan func(), 1)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		if string(req.Payload) == "slow" {
			held <- func() { c.echo(req, requestID) }
			return
		}
		c.echo(req, requestID)
	}
	ch, events := open(t, srv)
	defer ch.Close(context.Background())

	start := time.Now()
	_, err := ch.PerformMessageTransaction(context.Background(), &echoRequest{
		RequestHeader: ua.RequestHeader{TimeoutHint: 100},
		Payload:       ua.ByteString("slow"),
	})
	assert.Assert(t, errors.Is(err, ua.BadRequestTimeout))
	assert.Equal(t, err, client.ErrTransactionTimeout)
	assert.Assert(t, time.Since(start) >= 100*time.Millisecond)
	assert.Equal(t, ch.TimedOutRequestCount(), uint64(1))
	events.waitFor(t, "timed_out_request", time.Second)

	// the late response is dropped.
	(<-held)()
	got, err := echo(context.Background(), ch, "fast")
	assert.NilError(t, err)
	assert.Equal(t, got, "fast")
	assert.Equal(t, ch.TransactionsPerformed(), uint64(2))
	assert.Equal(t, len(events.named("unexpected_response")), 0)
}

func TestTimedOutTransactionPruned(t *testing.T) {
	srv := newTestServer(t)
	held := make(chan func(), 1)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		held <- func() { c.echo(req, requestID) }
	}
	ch, events := open(t, srv)
	defer ch.Close(context.Background())

	_, err := ch.PerformMessageTransaction(context.Background(), &echoRequest{
		RequestHeader: ua.RequestHeader{TimeoutHint: 50},
		Payload:       ua.ByteString("slow"),
	})
	assert.Equal(t, err, client.ErrTransactionTimeout)

	// past twice the timeout hint the request is forgotten.
	time.Sleep(200 * time.Millisecond)
	(<-held)()
	e := events.waitFor(t, "unexpected_response", time.Second).(client.UnexpectedResponseEvent)
	assert.Equal(t, e.RequestID, uint32(2))
	assert.Equal(t, ch.State(), "open")
}

func TestReceiveLimits(t *testing.T) {
	srv := newTestServer(t)
	srv.chunkSize = 8192
	srv.maxChunkCount = 2
	ch, _ := open(t, srv)
	defer ch.Close(context.Background())

	// the response spans four chunks.
	_, err := echo(context.Background(), ch, strings.Repeat("x", 30000))
	assert.Equal(t, err, ua.BadEncodingLimitsExceeded)
	assert.Assert(t, !ch.IsTransactionInProgress())

	got, err := echo(context.Background(), ch, "small")
	assert.NilError(t, err)
	assert.Equal(t, got, "small")
	assert.Equal(t, ch.State(), "open")
}

func TestContextCancelStopsWaiting(t *testing.T) {
	srv := newTestServer(t)
	held := make(chan func(), 1)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		held <- func() { c.echo(req, requestID) }
	}
	ch, _ := open(t, srv)
	defer ch.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := echo(ctx, ch, "slow")
	assert.Equal(t, err, context.DeadlineExceeded)
	assert.Assert(t, ch.IsTransactionInProgress())

	(<-held)()
	deadline := time.Now().Add(time.Second)
	for ch.IsTransactionInProgress() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Assert(t, !ch.IsTransactionInProgress())
}

func TestServiceFault(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		c.send(ua.MessageTypeNameMessage, requestID, &ua.ServiceFault{
			ResponseHeader: ua.ResponseHeader{
				Timestamp:     time.Now(),
				RequestHandle: req.RequestHandle,
				ServiceResult: ua.BadInvalidState,
				StringTable:   []string{"not", "now"},
			},
		})
	}
	ch, _ := open(t, srv)
	defer ch.Close(context.Background())

	_, err := echo(context.Background(), ch, "hello")
	assert.Assert(t, errors.Is(err, ua.BadInvalidState))
	var fault *client.ServiceFaultError
	assert.Assert(t, errors.As(err, &fault))
	assert.Equal(t, fault.StatusCode, ua.BadInvalidState)
	assert.Equal(t, fault.Diagnostics, "not now")
}

func TestRequestHandleMismatch(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		c.send(ua.MessageTypeNameMessage, requestID, &echoResponse{
			ResponseHeader: ua.ResponseHeader{Timestamp: time.Now(), RequestHandle: req.RequestHandle + 1},
			Payload:        req.Payload,
		})
	}
	ch, events := open(t, srv)
	defer ch.Close(context.Background())

	got, err := ch.PerformMessageTransaction(context.Background(), &echoRequest{
		RequestHeader: ua.RequestHeader{RequestHandle: 77},
		Payload:       ua.ByteString("hello"),
	})
	assert.NilError(t, err)
	assert.Equal(t, string(got.(*echoResponse).Payload), "hello")
	e := events.waitFor(t, "request_handle_mismatch", time.Second).(client.RequestHandleMismatchEvent)
	assert.Equal(t, e.Response.Header().RequestHandle, uint32(78))
}

func TestUnexpectedResponse(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {
		c.send(ua.MessageTypeNameMessage, 999, &echoResponse{ResponseHeader: ua.ResponseHeader{Timestamp: time.Now()}})
		c.echo(req, requestID)
	}
	ch, events := open(t, srv)
	defer ch.Close(context.Background())

	got, err := echo(context.Background(), ch, "hello")
	assert.NilError(t, err)
	assert.Equal(t, got, "hello")
	e := events.waitFor(t, "unexpected_response", time.Second).(client.UnexpectedResponseEvent)
	assert.Equal(t, e.RequestID, uint32(999))
	assert.Equal(t, e.MsgType, "MSG")
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ch, events := open(t, srv)
	assert.NilError(t, ch.Close(context.Background()))
	assert.NilError(t, ch.Close(context.Background()))
	events.waitFor(t, "close", time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(events.named("close")), 1)

	_, types := srv.received()
	assert.Equal(t, strings.Count(strings.Join(types, ","), "CLO"), 1)

	_, err := echo(context.Background(), ch, "hello")
	assert.Assert(t, errors.Is(err, ua.BadServerNotConnected))
}

func TestCloseFailsPendingTransactions(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {}
	ch, _ := open(t, srv)

	tx := ch.SendRequest(&echoRequest{Payload: ua.ByteString("never")})
	assert.Assert(t, ch.IsTransactionInProgress())
	assert.NilError(t, ch.Close(context.Background()))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction still pending after close")
	}
	_, err := tx.Result()
	assert.Assert(t, errors.Is(err, ua.BadSecureChannelClosed))
}

func TestForcedDisconnect(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {}
	ch, events := open(t, srv)

	first := ch.SendRequest(&echoRequest{Payload: ua.ByteString("never")})
	second := ch.SendRequest(&echoRequest{Payload: ua.ByteString("never")})
	assert.Assert(t, ch.IsTransactionInProgress())
	reset := errors.Wrap(syscall.ECONNRESET, "read")
	srv.lastConn().drop(reset)

	_, err := first.Result()
	assert.Assert(t, errors.Is(err, syscall.ECONNRESET))
	_, err2 := second.Result()
	assert.Equal(t, err2, err)
	assert.Assert(t, !ch.IsTransactionInProgress())
	e := events.waitFor(t, "close", time.Second).(client.CloseEvent)
	assert.Assert(t, errors.Is(e.Err, syscall.ECONNRESET))
	assert.Equal(t, ch.State(), "closed")

	// the channel can be opened again.
	srv.Lock()
	srv.respond = nil
	srv.Unlock()
	assert.NilError(t, ch.Create(context.Background(), endpointURL))
	defer ch.Close(context.Background())
	assert.Equal(t, ch.SecureChannelID(), uint32(43))
	got, err := echo(context.Background(), ch, "again")
	assert.NilError(t, err)
	assert.Equal(t, got, "again")
}

func TestDropWhileSending(t *testing.T) {
	srv := newTestServer(t)
	srv.respond = func(c *serverConn, req *echoRequest, requestID uint32) {}
	ch, events := open(t, srv)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		txs []*client.Transaction
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tx := ch.SendRequest(&echoRequest{Payload: ua.ByteString("busy")})
				mu.Lock()
				txs = append(txs, tx)
				mu.Unlock()
			}
		}()
	}
	for {
		if ids, _ := srv.received(); len(ids) > 10 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	srv.lastConn().drop(errors.Wrap(syscall.ECONNRESET, "read"))
	wg.Wait()

	for _, tx := range txs {
		select {
		case <-tx.Done():
		case <-time.After(time.Second):
			t.Fatalf("request %d still pending after the connection dropped", tx.RequestID())
		}
		_, err := tx.Result()
		assert.Assert(t, err != nil)
	}
	assert.Assert(t, !ch.IsTransactionInProgress())
	events.waitFor(t, "close", time.Second)

	// the channel opens again.
	srv.Lock()
	srv.respond = nil
	srv.Unlock()
	assert.NilError(t, ch.Create(context.Background(), endpointURL))
	got, err := echo(context.Background(), ch, "again")
	assert.NilError(t, err)
	assert.Equal(t, got, "again")
	assert.NilError(t, ch.Close(context.Background()))
	deadline := time.Now().Add(time.Second)
	for len(events.named("close")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, len(events.named("close")), 2)
}

func TestTokenRenewal(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now()
	ch, events := open(t, srv, client.WithTokenRequestedLifetime(1000))
	defer ch.Close(context.Background())
	installed := time.Now()
	fired := make(chan time.Time, 1)
	ch.Subscribe(func(e client.Event) {
		if _, ok := e.(client.Lifetime75Event); ok {
			select {
			case fired <- time.Now():
			default:
			}
		}
	})

	e75 := events.waitFor(t, "lifetime_75", 3*time.Second).(client.Lifetime75Event)
	assert.Equal(t, e75.Token.TokenID, uint32(1))
	at := <-fired
	assert.Assert(t, at.Sub(start) >= 750*time.Millisecond)
	assert.Assert(t, at.Sub(installed) <= 800*time.Millisecond, "renewal started %s after the token was installed", at.Sub(installed))

	e := events.waitFor(t, "security_token_renewed", 3*time.Second).(client.SecurityTokenRenewedEvent)
	assert.Equal(t, e.Token.TokenID, uint32(2))
	assert.Equal(t, e.Token.ChannelID, uint32(42))

	got, err := echo(context.Background(), ch, "renewed")
	assert.NilError(t, err)
	assert.Equal(t, got, "renewed")
	assert.Equal(t, ch.SecurityToken().TokenID >= 2, true)
}

func TestServerNonceLength(t *testing.T) {
	serverCert, serverKey := newCertificate(t, "server")
	clientCert, clientKey := newCertificate(t, "client")
	srv := newTestServer(t)
	srv.secure(ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, serverCert, serverKey, clientCert)
	srv.nonceLength = 16

	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithSecurityPolicyBasic256Sha256(ua.MessageSecurityModeSignAndEncrypt),
		client.WithServerCertificate(serverCert),
		client.WithClientCertificate(clientCert, clientKey),
		client.WithInsecureSkipVerify(),
	)
	assert.NilError(t, err)
	err = ch.Create(context.Background(), endpointURL)
	assert.Assert(t, errors.Is(err, ua.BadNonceInvalid))
	assert.Equal(t, ch.State(), "disconnected")
	assert.Assert(t, ch.SecurityToken() == nil)
}

func TestTokenRenewalSignAndEncrypt(t *testing.T) {
	serverCert, serverKey := newCertificate(t, "server")
	clientCert, clientKey := newCertificate(t, "client")
	srv := newTestServer(t)
	srv.secure(ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, serverCert, serverKey, clientCert)

	ch, events := open(t, srv,
		client.WithSecurityPolicyBasic256Sha256(ua.MessageSecurityModeSignAndEncrypt),
		client.WithServerCertificate(serverCert),
		client.WithClientCertificate(clientCert, clientKey),
		client.WithInsecureSkipVerify(),
		client.WithTokenRequestedLifetime(400),
	)
	defer ch.Close(context.Background())

	events.waitFor(t, "security_token_renewed", 2*time.Second)
	got, err := echo(context.Background(), ch, "renewed")
	assert.NilError(t, err)
	assert.Equal(t, got, "renewed")
}

func TestLifetimeTooShort(t *testing.T) {
	srv := newTestServer(t)
	srv.lifetime = 10
	ch, err := client.NewSecureChannel(client.WithTransportFactory(srv.factory()))
	assert.NilError(t, err)
	err = ch.Create(context.Background(), endpointURL)
	assert.Assert(t, errors.Is(err, ua.BadSecurityChecksFailed))
	assert.Equal(t, ch.State(), "disconnected")
	assert.Assert(t, ch.SecurityToken() == nil)
}

func TestBackoff(t *testing.T) {
	srv := newTestServer(t)
	srv.connectErr = func(attempt int) error {
		if attempt <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithConnectionStrategy(client.ConnectionStrategy{
			MaxRetry:            5,
			InitialDelay:        10 * time.Millisecond,
			MaxDelay:            40 * time.Millisecond,
			RandomisationFactor: 0.5,
		}),
		client.WithRandomSource(fixedRandom(1)),
	)
	assert.NilError(t, err)
	events := record(ch)
	assert.NilError(t, ch.Create(context.Background(), endpointURL))
	defer ch.Close(context.Background())
	assert.Equal(t, srv.connectAttempts(), 4)

	events.waitFor(t, "end_transaction", time.Second)
	var delays []time.Duration
	for i, e := range events.named("backoff") {
		b := e.(client.BackoffEvent)
		assert.Equal(t, b.Attempt, i+1)
		delays = append(delays, b.Delay)
	}
	assert.DeepEqual(t, delays, []time.Duration{15 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond})
	assert.Equal(t, len(events.named("abort")), 0)
}

func TestBackoffGivesUp(t *testing.T) {
	srv := newTestServer(t)
	srv.connectErr = func(int) error { return errors.New("connection refused") }
	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithConnectionStrategy(client.ConnectionStrategy{MaxRetry: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	assert.NilError(t, err)
	events := record(ch)
	err = ch.Create(context.Background(), endpointURL)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, srv.connectAttempts(), 3)
	assert.Equal(t, ch.State(), "disconnected")

	events.waitFor(t, "abort", time.Second)
	assert.Equal(t, len(events.named("backoff")), 2)
	for _, e := range events.named("backoff") {
		assert.Assert(t, e.(client.BackoffEvent).Delay <= 5*time.Millisecond)
	}
}

func TestSingleAttempt(t *testing.T) {
	srv := newTestServer(t)
	srv.connectErr = func(int) error { return errors.New("connection refused") }
	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithConnectionStrategy(client.ConnectionStrategy{MaxRetry: 0, InitialDelay: time.Second, MaxDelay: time.Second}),
	)
	assert.NilError(t, err)
	events := record(ch)
	start := time.Now()
	err = ch.Create(context.Background(), endpointURL)
	assert.ErrorContains(t, err, "connection refused")
	assert.Assert(t, time.Since(start) < time.Second)
	assert.Equal(t, srv.connectAttempts(), 1)
	events.waitFor(t, "abort", time.Second)
	assert.Equal(t, len(events.named("backoff")), 0)
}

func TestNonRetryableErrors(t *testing.T) {
	for _, connectErr := range []error{
		errors.Wrap(syscall.ECONNRESET, "read"),
		errors.Wrap(ua.BadProtocolVersionUnsupported, "hello"),
	} {
		srv := newTestServer(t)
		srv.connectErr = func(int) error { return connectErr }
		ch, err := client.NewSecureChannel(
			client.WithTransportFactory(srv.factory()),
			client.WithConnectionStrategy(client.ConnectionStrategy{MaxRetry: 10, InitialDelay: time.Millisecond}),
		)
		assert.NilError(t, err)
		events := record(ch)
		err = ch.Create(context.Background(), endpointURL)
		assert.Equal(t, err, connectErr)
		assert.Equal(t, srv.connectAttempts(), 1)
		events.waitFor(t, "abort", time.Second)
		assert.Equal(t, len(events.named("backoff")), 0)
	}
}

func TestAbortConnection(t *testing.T) {
	srv := newTestServer(t)
	srv.connectErr = func(int) error { return errors.New("connection refused") }
	ch, err := client.NewSecureChannel(
		client.WithTransportFactory(srv.factory()),
		client.WithConnectionStrategy(client.ConnectionStrategy{MaxRetry: 10, InitialDelay: 10 * time.Second, MaxDelay: 10 * time.Second}),
	)
	assert.NilError(t, err)
	events := record(ch)

	result := make(chan error, 1)
	go func() {
		result <- ch.Create(context.Background(), endpointURL)
	}()
	events.waitFor(t, "backoff", time.Second)
	assert.Assert(t, ch.IsConnecting())

	start := time.Now()
	assert.NilError(t, ch.AbortConnection(context.Background()))
	select {
	case err := <-result:
		assert.ErrorContains(t, err, "connection refused")
	case <-time.After(time.Second):
		t.Fatal("create still running after abort")
	}
	assert.Assert(t, time.Since(start) < time.Second)
	assert.Equal(t, srv.connectAttempts(), 1)
	events.waitFor(t, "abort", time.Second)
	assert.Equal(t, ch.State(), "disconnected")

	// nothing to abort.
	assert.NilError(t, ch.AbortConnection(context.Background()))
}

func TestChannelIDGenerator(t *testing.T) {
	gen := client.NewChannelIDGenerator()
	a, err := client.NewSecureChannel(client.WithChannelIDGenerator(gen))
	assert.NilError(t, err)
	b, err := client.NewSecureChannel(client.WithChannelIDGenerator(gen))
	assert.NilError(t, err)
	assert.Equal(t, a.ChannelID(), uint32(1))
	assert.Equal(t, b.ChannelID(), uint32(2))
}

func TestOptionsRejectUnknownPolicy(t *testing.T) {
	_, err := client.NewSecureChannel(client.WithSecurityPolicyURI("http://example.com/unknown", ua.MessageSecurityModeSign))
	assert.Equal(t, err, ua.BadSecurityPolicyRejected)
	_, err = client.NewSecureChannel(client.WithSecurityPolicyBasic256(ua.MessageSecurityModeInvalid))
	assert.Equal(t, err, ua.BadSecurityModeRejected)
}
