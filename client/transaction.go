// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/awcullen/uasc/uasc"
)

type transactionState int

const (
	transactionPending transactionState = iota
	transactionCompleted
)

// TransactionStats are the timing marks and counters of a transaction.
type TransactionStats struct {
	RequestID uint32
	MsgType   string
	// Created is when the request was registered.
	Created time.Time
	// Sent is when the last chunk was written.
	Sent time.Time
	// Received is when the first chunk of the response was fed to the builder.
	Received time.Time
	// Decoded is when the response was decoded.
	Decoded time.Time
	// Completed is when the transaction completed.
	Completed          time.Time
	BytesWrittenBefore uint64
	BytesWrittenAfter  uint64
	ChunkCount         int
}

// Duration returns the time from the creation to the completion of the transaction.
func (s TransactionStats) Duration() time.Duration {
	return s.Completed.Sub(s.Created)
}

// BytesWritten returns the number of bytes of the request.
func (s TransactionStats) BytesWritten() uint64 {
	return s.BytesWrittenAfter - s.BytesWrittenBefore
}

// Transaction is a request awaiting its response.
type Transaction struct {
	sync.Mutex
	requestID uint32
	msgType   string
	request   ua.ServiceRequest
	state     transactionState
	timer     *time.Timer
	done      chan struct{}
	response  ua.ServiceResponse
	err       error
	stats     TransactionStats
}

func newTransaction(requestID uint32, msgType string, request ua.ServiceRequest) *Transaction {
	return &Transaction{
		requestID: requestID,
		msgType:   msgType,
		request:   request,
		done:      make(chan struct{}),
		stats:     TransactionStats{RequestID: requestID, MsgType: msgType, Created: time.Now()},
	}
}

// RequestID returns the request id of the transaction.
func (tx *Transaction) RequestID() uint32 {
	return tx.requestID
}

// Request returns the request of the transaction.
func (tx *Transaction) Request() ua.ServiceRequest {
	return tx.request
}

// Done returns a channel that is closed when the transaction completes.
func (tx *Transaction) Done() <-chan struct{} {
	return tx.done
}

// Result returns the response or the error of a completed transaction.
func (tx *Transaction) Result() (ua.ServiceResponse, error) {
	<-tx.done
	tx.Lock()
	defer tx.Unlock()
	return tx.response, tx.err
}

// Stats returns the timing marks of the transaction.
func (tx *Transaction) Stats() TransactionStats {
	tx.Lock()
	defer tx.Unlock()
	return tx.stats
}

// complete moves the transaction from pending to completed. Returns false if it was completed.
func (tx *Transaction) complete(res ua.ServiceResponse, err error) bool {
	tx.Lock()
	defer tx.Unlock()
	if tx.state == transactionCompleted {
		return false
	}
	tx.state = transactionCompleted
	if tx.timer != nil {
		tx.timer.Stop()
	}
	tx.response, tx.err = res, err
	tx.stats.Completed = time.Now()
	close(tx.done)
	return true
}

func (tx *Transaction) isPending() bool {
	tx.Lock()
	defer tx.Unlock()
	return tx.state == transactionPending
}

// PerformMessageTransaction sends the request and returns the response. Cancelling the ctx stops the wait;
// the transaction itself ends with its response or its timeout.
func (ch *SecureChannel) PerformMessageTransaction(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	tx := ch.SendRequest(req)
	select {
	case <-tx.Done():
		return tx.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequest starts a transaction and returns without waiting for the response.
func (ch *SecureChannel) SendRequest(req ua.ServiceRequest) *Transaction {
	return ch.performTransaction(ua.MessageTypeNameMessage, req)
}

// performTransaction registers the transaction and sends the request.
func (ch *SecureChannel) performTransaction(msgType string, req ua.ServiceRequest) *Transaction {
	requestID := ch.requestID.Inc()
	header := req.Header()
	if header.RequestHandle == 0 {
		header.RequestHandle = requestID
	}
	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now()
	}
	if header.TimeoutHint == 0 {
		header.TimeoutHint = ch.timeoutHint
	}
	tx := newTransaction(requestID, msgType, req)

	ch.Lock()
	t := ch.transport
	ch.transactions[requestID] = tx
	ch.Unlock()

	tx.Lock()
	if tx.state == transactionPending {
		tx.timer = time.AfterFunc(time.Duration(header.TimeoutHint)*time.Millisecond, func() {
			ch.timeoutTransaction(tx)
		})
	}
	tx.Unlock()

	if t == nil {
		go ch.failTransaction(tx, ErrNotConnected)
		return tx
	}

	if ch.trace {
		b, _ := json.MarshalIndent(req, "", " ")
		ch.log.Tracef("%s%s", reflect.TypeOf(req).Elem().Name(), b)
	}
	ch.emit(SendRequestEvent{Request: req})

	if err := ch.sendTransaction(t, tx); err != nil {
		ch.log.Warnf("send %s request %d: %v", msgType, requestID, err)
		ch.failTransaction(tx, err)
		return tx
	}

	// the server closes the connection instead of responding to CLO.
	if msgType == ua.MessageTypeNameClose {
		ch.Lock()
		delete(ch.transactions, requestID)
		ch.Unlock()
		tx.complete(nil, nil)
	}
	return tx
}

// sendTransaction writes the chunks of the request.
func (ch *SecureChannel) sendTransaction(t Transport, tx *Transaction) error {
	ch.sendLock.Lock()
	defer ch.sendLock.Unlock()

	ch.Lock()
	options := &uasc.ChunkOptions{
		RequestID:      tx.requestID,
		ChunkSize:      t.SendBufferSize(),
		MaxMessageSize: t.MaxMessageSize(),
		MaxChunkCount:  t.MaxChunkCount(),
	}
	if ch.token != nil {
		options.SecureChannelID = ch.token.ChannelID
		options.TokenID = ch.token.TokenID
	}
	if tx.msgType == ua.MessageTypeNameOpen {
		options.SecurityHeader = ch.securityHeader
		options.Security = ch.asymmetric
	} else {
		options.Security = ch.symmetric
	}
	chunker := ch.chunker
	ch.Unlock()

	tx.Lock()
	tx.stats.BytesWrittenBefore = t.BytesWritten()
	tx.Unlock()

	return chunker.ChunkSecureMessage(tx.msgType, options, tx.request, func(chunk []byte) error {
		if chunk == nil {
			tx.Lock()
			tx.stats.Sent = time.Now()
			tx.stats.BytesWrittenAfter = t.BytesWritten()
			tx.Unlock()
			return nil
		}
		if err := t.Write(chunk); err != nil {
			return err
		}
		tx.Lock()
		tx.stats.ChunkCount++
		tx.Unlock()
		ch.emit(SendChunkEvent{Chunk: chunk})
		return nil
	})
}

// failTransaction removes the transaction and completes it with the error.
func (ch *SecureChannel) failTransaction(tx *Transaction, err error) {
	ch.Lock()
	if ch.transactions[tx.requestID] == tx {
		delete(ch.transactions, tx.requestID)
	}
	ch.Unlock()
	tx.complete(nil, err)
}

// timeoutTransaction completes the transaction with ErrTransactionTimeout. The completed transaction stays
// in the table for twice its timeout hint, so a late response is recognized and dropped.
func (ch *SecureChannel) timeoutTransaction(tx *Transaction) {
	if !tx.complete(nil, ErrTransactionTimeout) {
		return
	}
	hint := tx.request.Header().TimeoutHint
	ch.timedOutRequestCount.Inc()
	ch.log.Warnf("%s request %d timed out after %d ms", tx.msgType, tx.requestID, hint)
	ch.emit(TimedOutRequestEvent{Request: tx.request})
	time.AfterFunc(2*time.Duration(hint)*time.Millisecond, func() {
		ch.Lock()
		if ch.transactions[tx.requestID] == tx {
			delete(ch.transactions, tx.requestID)
		}
		ch.Unlock()
	})
}

// handleMessage completes the transaction of a decoded message.
func (ch *SecureChannel) handleMessage(msg ua.Decodable, msgType string, requestID uint32) {
	decoded := time.Now()
	ch.Lock()
	tx, ok := ch.transactions[requestID]
	if ok {
		delete(ch.transactions, requestID)
	}
	received := ch.firstChunks[requestID]
	delete(ch.firstChunks, requestID)
	ch.Unlock()

	if !ok {
		ch.log.Errorf("unexpected %s message for request %d", msgType, requestID)
		ch.emit(UnexpectedResponseEvent{RequestID: requestID, MsgType: msgType})
		return
	}
	if !tx.isPending() {
		ch.log.Debugf("late %s message for request %d dropped", msgType, requestID)
		return
	}

	res, ok := msg.(ua.ServiceResponse)
	if !ok || (msgType != tx.msgType && msgType != ua.MessageTypeNameMessage) {
		ch.log.Errorf("unexpected %s message %T for request %d", msgType, msg, requestID)
		tx.complete(nil, ua.BadUnknownResponse)
		return
	}

	if ch.trace {
		b, _ := json.MarshalIndent(res, "", " ")
		ch.log.Tracef("%s%s", reflect.TypeOf(res).Elem().Name(), b)
	}

	if hnd := tx.request.Header().RequestHandle; res.Header().RequestHandle != hnd {
		ch.log.Warnf("response handle %d does not match request handle %d of request %d", res.Header().RequestHandle, hnd, requestID)
		ch.emit(RequestHandleMismatchEvent{Request: tx.request, Response: res})
	}

	var err error
	switch r := res.(type) {
	case *ua.ServiceFault:
		err = newServiceFaultError(r)
		res = nil
	case *ua.OpenSecureChannelResponse:
		if req, ok := tx.request.(*ua.OpenSecureChannelRequest); ok {
			err = ch.installSecurityToken(req, r)
		}
	}

	tx.Lock()
	tx.stats.Received = received
	tx.stats.Decoded = decoded
	tx.Unlock()

	if res != nil && err == nil {
		ch.emit(ReceiveResponseEvent{Response: res})
	}
	if !tx.complete(res, err) {
		return
	}
	if err != nil {
		return
	}
	stats := tx.Stats()
	ch.transactionsPerformed.Inc()
	ch.Lock()
	ch.lastStats = stats
	ch.Unlock()
	ch.emit(EndTransactionEvent{Stats: stats})
}

// handleBuilderError fails the transaction of the request id, if any.
func (ch *SecureChannel) handleBuilderError(err error, requestID uint32) {
	if requestID != 0 {
		ch.Lock()
		tx, ok := ch.transactions[requestID]
		if ok {
			delete(ch.transactions, requestID)
		}
		delete(ch.firstChunks, requestID)
		ch.Unlock()
		if ok {
			ch.log.Warnf("request %d failed: %v", requestID, err)
			tx.complete(nil, err)
			return
		}
	}
	ch.log.Errorf("secure channel %d: %v", ch.id, err)
}

// failAll completes the pending transactions with the error, in the order they were sent.
func failAll(transactions map[uint32]*Transaction, err error) {
	ids := make([]uint32, 0, len(transactions))
	for id := range transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		transactions[id].complete(nil, err)
	}
}

// IsTransactionInProgress returns true if a transaction is waiting for its response.
func (ch *SecureChannel) IsTransactionInProgress() bool {
	ch.Lock()
	defer ch.Unlock()
	for _, tx := range ch.transactions {
		if tx.isPending() {
			return true
		}
	}
	return false
}

// TransactionsPerformed returns the number of transactions completed with a response.
func (ch *SecureChannel) TransactionsPerformed() uint64 {
	return ch.transactionsPerformed.Load()
}

// TimedOutRequestCount returns the number of transactions that timed out.
func (ch *SecureChannel) TimedOutRequestCount() uint64 {
	return ch.timedOutRequestCount.Load()
}

// LastTransactionStats returns the stats of the last transaction completed with a response.
func (ch *SecureChannel) LastTransactionStats() TransactionStats {
	ch.Lock()
	defer ch.Unlock()
	return ch.lastStats
}
