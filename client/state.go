// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the channel lifecycle state. States only move forward.
type State uint32

// Channel states.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager holds the lifecycle state. Every change is a compare and
// swap so a transition can only happen from the state the caller observed.
type stateManager struct {
	v atomic.Uint32
}

func newStateManager() *stateManager {
	sm := &stateManager{}
	sm.v.Store(uint32(StateConnecting))
	return sm
}

func (sm *stateManager) get() State {
	return State(sm.v.Load())
}

// transition moves from to to and reports whether the swap happened.
func (sm *stateManager) transition(from, to State) bool {
	return sm.v.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom moves to to from the first of from that matches and returns
// the state it left. On failure it returns the current state.
func (sm *stateManager) transitionFrom(to State, from ...State) (State, bool) {
	for _, f := range from {
		if sm.transition(f, to) {
			return f, true
		}
	}
	return sm.get(), false
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
