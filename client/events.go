// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/gammazero/workerpool"
)

// Event is a notification of the secure channel. Observers receive events in the order they occur.
type Event interface {
	Name() string
}

// BackoffEvent is emitted before a connection attempt is retried.
type BackoffEvent struct {
	Attempt int
	Delay   time.Duration
}

// AbortEvent is emitted when the connection attempts end without a connection.
type AbortEvent struct{}

// CloseEvent is emitted when an open channel is closed. Err is nil when Close was called.
type CloseEvent struct {
	Err error
}

// SecurityTokenRenewedEvent is emitted after the security token is renewed.
type SecurityTokenRenewedEvent struct {
	Token ua.ChannelSecurityToken
}

// Lifetime75Event is emitted when 75% of the lifetime of the security token has passed.
type Lifetime75Event struct {
	Token ua.ChannelSecurityToken
}

// TimedOutRequestEvent is emitted when a transaction times out.
type TimedOutRequestEvent struct {
	Request ua.ServiceRequest
}

// SendRequestEvent is emitted when a request is sent.
type SendRequestEvent struct {
	Request ua.ServiceRequest
}

// SendChunkEvent is emitted after each chunk is written.
type SendChunkEvent struct {
	Chunk []byte
}

// ReceiveChunkEvent is emitted for each chunk received.
type ReceiveChunkEvent struct {
	Chunk []byte
}

// ReceiveResponseEvent is emitted when a response completes its transaction.
type ReceiveResponseEvent struct {
	Response ua.ServiceResponse
}

// EndTransactionEvent is emitted when a transaction completes with a response.
type EndTransactionEvent struct {
	Stats TransactionStats
}

// RequestHandleMismatchEvent is emitted when the handle of a response differs from the handle of the request.
// The transaction completes with the response.
type RequestHandleMismatchEvent struct {
	Request  ua.ServiceRequest
	Response ua.ServiceResponse
}

// UnexpectedResponseEvent is emitted when a message is received for a request id that is not pending.
type UnexpectedResponseEvent struct {
	RequestID uint32
	MsgType   string
}

func (BackoffEvent) Name() string               { return "backoff" }
func (AbortEvent) Name() string                 { return "abort" }
func (CloseEvent) Name() string                 { return "close" }
func (SecurityTokenRenewedEvent) Name() string  { return "security_token_renewed" }
func (Lifetime75Event) Name() string            { return "lifetime_75" }
func (TimedOutRequestEvent) Name() string       { return "timed_out_request" }
func (SendRequestEvent) Name() string           { return "send_request" }
func (SendChunkEvent) Name() string             { return "send_chunk" }
func (ReceiveChunkEvent) Name() string          { return "receive_chunk" }
func (ReceiveResponseEvent) Name() string       { return "receive_response" }
func (EndTransactionEvent) Name() string        { return "end_transaction" }
func (RequestHandleMismatchEvent) Name() string { return "request_handle_mismatch" }
func (UnexpectedResponseEvent) Name() string    { return "unexpected_response" }

// Subscribe registers an observer of the events of the channel. Observers are called from a single goroutine.
// Returns a func that removes the observer.
func (ch *SecureChannel) Subscribe(observer func(Event)) (unsubscribe func()) {
	ch.eventsLock.Lock()
	defer ch.eventsLock.Unlock()
	id := ch.nextObserverID
	ch.nextObserverID++
	ch.observers[id] = observer
	return func() {
		ch.eventsLock.Lock()
		delete(ch.observers, id)
		ch.eventsLock.Unlock()
	}
}

// emit delivers the event to the observers asynchronously. The dispatcher lives as long as the channel,
// so the events of successive connections are delivered by the same worker in the order they were emitted.
func (ch *SecureChannel) emit(e Event) {
	ch.eventsLock.Lock()
	defer ch.eventsLock.Unlock()
	if len(ch.observers) == 0 {
		return
	}
	observers := make([]func(Event), 0, len(ch.observers))
	for id := uint64(0); id < ch.nextObserverID; id++ {
		if o, ok := ch.observers[id]; ok {
			observers = append(observers, o)
		}
	}
	if ch.dispatcher == nil {
		ch.dispatcher = workerpool.New(1)
	}
	ch.dispatcher.Submit(func() {
		for _, o := range observers {
			o(e)
		}
	})
}
