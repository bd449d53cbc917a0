// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/pkg/errors"
)

// ConnectionStrategy governs the connection attempts of Create.
type ConnectionStrategy struct {
	// MaxRetry is the number of attempts. Zero or less makes a single attempt.
	MaxRetry int
	// InitialDelay is the delay before the first retry. Delays double up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RandomisationFactor scales the random jitter added to each delay.
	RandomisationFactor float64
}

// DefaultConnectionStrategy is used when no strategy is configured.
var DefaultConnectionStrategy = ConnectionStrategy{
	MaxRetry:            100,
	InitialDelay:        1000 * time.Millisecond,
	MaxDelay:            20000 * time.Millisecond,
	RandomisationFactor: 0.1,
}

// RandomSource provides random values for jitter calculation.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

type backoffState int

const (
	backoffRunning backoffState = iota
	backoffExhausted
	backoffAborted
)

// backoff is one sequence of connection attempts.
type backoff struct {
	sync.Mutex
	strategy  ConnectionStrategy
	random    RandomSource
	attempt   int
	nextDelay time.Duration
	state     backoffState
	cancel    context.CancelFunc
	aborted   chan struct{}
	done      chan struct{}
	abortOnce sync.Once
	doneOnce  sync.Once
}

func newBackoff(strategy ConnectionStrategy, random RandomSource, cancel context.CancelFunc) *backoff {
	if random == nil {
		random = DefaultRandomSource
	}
	return &backoff{
		strategy:  strategy,
		random:    random,
		nextDelay: strategy.InitialDelay,
		cancel:    cancel,
		aborted:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// maxAttempts returns the number of attempts of the strategy.
func (b *backoff) maxAttempts() int {
	if b.strategy.MaxRetry <= 0 {
		return 1
	}
	return b.strategy.MaxRetry
}

// next records a failed attempt and returns the delay before the next one.
// Returns false when no attempt remains or the sequence was aborted.
func (b *backoff) next() (time.Duration, bool) {
	b.Lock()
	defer b.Unlock()
	b.attempt++
	if b.state != backoffRunning {
		return 0, false
	}
	if b.attempt >= b.maxAttempts() {
		b.state = backoffExhausted
		return 0, false
	}
	delay := time.Duration(float64(b.nextDelay) * (1.0 + b.random.Float64()*b.strategy.RandomisationFactor))
	if b.strategy.MaxDelay > 0 && delay > b.strategy.MaxDelay {
		delay = b.strategy.MaxDelay
	}
	b.nextDelay *= 2
	if b.strategy.MaxDelay > 0 && b.nextDelay > b.strategy.MaxDelay {
		b.nextDelay = b.strategy.MaxDelay
	}
	return delay, true
}

// attempts returns the number of failed attempts.
func (b *backoff) attempts() int {
	b.Lock()
	defer b.Unlock()
	return b.attempt
}

// abort ends the sequence. The attempt in progress is cancelled.
func (b *backoff) abort() {
	b.abortOnce.Do(func() {
		b.Lock()
		if b.state == backoffRunning {
			b.state = backoffAborted
		}
		b.Unlock()
		if b.cancel != nil {
			b.cancel()
		}
		close(b.aborted)
	})
}

// finish marks the end of the sequence.
func (b *backoff) finish() {
	b.doneOnce.Do(func() { close(b.done) })
}

// isNonRetryable returns true for the errors of a server that rejects the connection.
func isNonRetryable(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, ua.BadProtocolVersionUnsupported)
}
