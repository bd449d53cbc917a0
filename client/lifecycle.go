// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"

	"github.com/looplab/fsm"
)

// States of a secure channel.
const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateOpen         = "open"
	stateRenewing     = "renewing"
	stateClosed       = "closed"
)

// Events of the lifecycle of a secure channel.
const (
	eventConnect = "connect"
	eventOpened  = "opened"
	eventRenew   = "renew"
	eventRenewed = "renewed"
	eventClose   = "close"
	eventFail    = "fail"
)

// newLifecycle returns the state machine of the channel. Callbacks must not fire events.
func newLifecycle(ch *SecureChannel) *fsm.FSM {
	return fsm.NewFSM(
		stateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{stateDisconnected, stateClosed}, Dst: stateConnecting},
			{Name: eventOpened, Src: []string{stateConnecting}, Dst: stateOpen},
			{Name: eventRenew, Src: []string{stateOpen}, Dst: stateRenewing},
			{Name: eventRenewed, Src: []string{stateRenewing}, Dst: stateOpen},
			{Name: eventClose, Src: []string{stateConnecting, stateOpen, stateRenewing}, Dst: stateClosed},
			{Name: eventFail, Src: []string{stateConnecting}, Dst: stateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ch.log.Debugf("secure channel %d: %s -> %s", ch.id, e.Src, e.Dst)
			},
		},
	)
}
