// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"go.uber.org/atomic"
)

// ChannelIDGenerator assigns the ids of new channels.
type ChannelIDGenerator interface {
	NextChannelID() uint32
}

type counterChannelIDGenerator struct {
	counter *atomic.Uint32
}

// NewChannelIDGenerator returns a generator of increasing ids starting at 1.
func NewChannelIDGenerator() ChannelIDGenerator {
	return &counterChannelIDGenerator{counter: atomic.NewUint32(0)}
}

func (g *counterChannelIDGenerator) NextChannelID() uint32 {
	return g.counter.Inc()
}

// defaultChannelIDGenerator is shared by the channels of the process.
var defaultChannelIDGenerator = NewChannelIDGenerator()
