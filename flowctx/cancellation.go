// Package flowctx provides the cancellation token used by long-running
// polling loops (link-device, email-recovery) that need to distinguish
// "this specific attempt was cancelled" from "a newer attempt superseded
// this one", which a plain bool cannot express.
package flowctx

import "sync/atomic"

// Cancellation is a first-class replacement for the ad hoc
// "cancelled bool + generation counter" idiom: each call to Reset starts a
// new generation, invalidating tokens handed out for prior generations
// without requiring callers to compare raw integers themselves.
type Cancellation struct {
	generation atomic.Uint64
	cancelled  atomic.Bool
}

// Token snapshots the current generation; IsStale reports true once the
// Cancellation has moved past it (via Reset) or been cancelled.
type Token struct {
	generation uint64
	owner      *Cancellation
}

// New constructs a Cancellation at generation 0.
func New() *Cancellation {
	return &Cancellation{}
}

// Issue hands out a Token for the current generation, for a polling loop
// to check on each iteration.
func (c *Cancellation) Issue() Token {
	return Token{generation: c.generation.Load(), owner: c}
}

// Cancel marks the current generation cancelled; outstanding Tokens for it
// become stale immediately.
func (c *Cancellation) Cancel() {
	c.cancelled.Store(true)
}

// Reset starts a new generation and clears the cancelled flag, invalidating
// every Token issued for a prior generation (e.g. starting a fresh
// link-device session after an earlier one expired).
func (c *Cancellation) Reset() {
	c.generation.Add(1)
	c.cancelled.Store(false)
}

// IsStale reports whether t's generation has been superseded by a Reset,
// or the owning Cancellation has been cancelled while t's generation is
// still current. A zero-value Token (never issued by a Cancellation) is
// never stale, so callers that don't care about supersession can simply
// not pass one.
func (t Token) IsStale() bool {
	if t.owner == nil {
		return false
	}
	if t.owner.generation.Load() != t.generation {
		return true
	}
	return t.owner.cancelled.Load()
}
