// Package rpc pairs commands sent to a browser with the single result slot of
// its token.
//
// Commands are correlated by token only: the browser protocol carries no request
// id, so at most one command per token may be outstanding.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/proto"
	"github.com/matst80/ira/internal/session"
)

// DefaultTimeout bounds Dispatch when the caller passes zero.
const DefaultTimeout = 10 * time.Second

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRequestTimeout  = errors.New("request timeout")
	ErrSessionClosed   = errors.New("session closed")
	ErrRequestInFlight = errors.New("request already in flight")
)

// Policy decides what a second Dispatch for a busy token does.
type Policy int

const (
	// Overwrite replaces the pending slot. The displaced caller never sees a
	// result and fails with ErrRequestTimeout at its own deadline.
	Overwrite Policy = iota
	// Reject fails the second caller immediately with ErrRequestInFlight.
	Reject
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "overwrite":
		return Overwrite, nil
	case "reject":
		return Reject, nil
	}
	return Overwrite, fmt.Errorf("unknown overlap policy %q", s)
}

func (p Policy) String() string {
	if p == Reject {
		return "reject"
	}
	return "overwrite"
}

type outcome struct {
	payload string
	err     error
}

// slot is a one-shot completion. complete reports whether it won the race.
type slot struct {
	ch   chan outcome
	once sync.Once
}

func newSlot() *slot { return &slot{ch: make(chan outcome, 1)} }

func (s *slot) complete(o outcome) bool {
	won := false
	s.once.Do(func() {
		s.ch <- o
		won = true
	})
	return won
}

// Sessions resolves tokens to connections.
type Sessions interface {
	Lookup(token string) (session.Conn, error)
}

type Correlator struct {
	sessions Sessions
	policy   Policy

	mu      sync.Mutex
	pending map[string]*slot
}

func NewCorrelator(sessions Sessions, policy Policy) *Correlator {
	return &Correlator{sessions: sessions, policy: policy, pending: make(map[string]*slot)}
}

// Dispatch sends cmd to the browser behind token and waits for its reply.
// A zero timeout means DefaultTimeout.
func (c *Correlator) Dispatch(ctx context.Context, token string, cmd proto.Command, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := c.sessions.Lookup(token)
	if err != nil {
		obs.RPCTotal.WithLabelValues("not_found").Inc()
		return "", ErrSessionNotFound
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	s, err := c.install(token)
	if err != nil {
		obs.RPCTotal.WithLabelValues("in_flight").Inc()
		return "", err
	}
	defer c.remove(token, s)

	start := time.Now()
	obs.Debug("rpc.dispatch", obs.Fields{"token": token, "command": cmd.Name})
	if err := conn.Send(ctx, payload); err != nil {
		obs.RPCTotal.WithLabelValues("closed").Inc()
		return "", fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-s.ch:
		if o.err != nil {
			obs.RPCTotal.WithLabelValues("closed").Inc()
			return "", o.err
		}
		obs.RPCTotal.WithLabelValues("ok").Inc()
		obs.RPCDurationSeconds.Observe(time.Since(start).Seconds())
		return o.payload, nil
	case <-timer.C:
		obs.RPCTotal.WithLabelValues("timeout").Inc()
		obs.Error("rpc.timeout", obs.Fields{"token": token, "command": cmd.Name, "timeout": timeout.String()})
		return "", ErrRequestTimeout
	case <-ctx.Done():
		obs.RPCTotal.WithLabelValues("cancelled").Inc()
		return "", ctx.Err()
	}
}

func (c *Correlator) install(token string) (*slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.pending[token]
	if busy {
		if c.policy == Reject {
			return nil, ErrRequestInFlight
		}
		obs.Warn("rpc.overwrite", obs.Fields{"token": token})
	}
	s := newSlot()
	c.pending[token] = s
	if !busy {
		obs.PendingRequests.Inc()
	}
	return s, nil
}

// remove clears token's slot only if it is still s, so a displaced caller
// never removes its successor.
func (c *Correlator) remove(token string, s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[token] == s {
		delete(c.pending, token)
		obs.PendingRequests.Dec()
	}
}

// Resolve completes the pending request for token with payload. Late,
// duplicate and unsolicited payloads are dropped.
func (c *Correlator) Resolve(token, payload string) bool {
	c.mu.Lock()
	s := c.pending[token]
	c.mu.Unlock()
	if s == nil || !s.complete(outcome{payload: payload}) {
		obs.Debug("rpc.drop", obs.Fields{"token": token, "bytes": len(payload)})
		return false
	}
	return true
}

// CancelAll fails any outstanding request for token with ErrSessionClosed.
func (c *Correlator) CancelAll(token string) {
	c.mu.Lock()
	s := c.pending[token]
	c.mu.Unlock()
	if s != nil && s.complete(outcome{err: ErrSessionClosed}) {
		obs.Info("rpc.cancelled", obs.Fields{"token": token})
	}
}

// Pending reports whether token has an outstanding request.
func (c *Correlator) Pending(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[token]
	return ok
}

// Len is the number of outstanding requests across all tokens.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
