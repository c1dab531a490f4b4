// Package chain provides the caller-facing handle over a Pool: a Chain
// holds exactly one proxy (plus an optional fixed gateway hop) at a time
// and knows how to rotate to a new one on failure (spec §4.F).
package chain

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/avshutov/proxyhub/pool"
	"github.com/avshutov/proxyhub/registry"
)

// Address is a proxy endpoint.
type Address = registry.Address

// ErrClosed is returned by any Chain method called after Close.
var ErrClosed = fmt.Errorf("chain: already closed")

// Chain is a non-owning handle to a single proxy drawn from a Pool. It
// mirrors the source system's object lifetime with an explicit Close
// rather than relying on garbage-collector timing, but still registers a
// finalizer as a safety net against callers that forget to close it
// (§9: "non-owning handle plus a finalizer").
type Chain struct {
	pool    *pool.Pool
	reg     *registry.List
	gateway *Address

	mu       sync.Mutex
	current  Address
	held     bool
	closed   bool
	rotateCh chan struct{}
}

// New builds a Chain over p. If p is nil, Path falls back to picking a
// random address directly from reg (§4.F: MultiChain members may share a
// registry without a bounded pool when no cooldown/blacklist bookkeeping is
// wanted).
func New(p *pool.Pool, reg *registry.List, gateway *Address) *Chain {
	c := &Chain{pool: p, reg: reg, gateway: gateway}
	runtime.SetFinalizer(c, (*Chain).finalize)
	return c
}

func (c *Chain) finalize() {
	_ = c.Close()
}

// Path returns the ordered list of hops to dial through: the gateway (if
// configured) followed by the currently held proxy, acquiring one lazily
// on first use. A nil timeout waits indefinitely for an acquisition;
// MultiChain passes a bounded per-member timeout so it can rotate past a
// member that has nothing available.
func (c *Chain) Path(ctx context.Context, timeout *time.Duration) ([]Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if !c.held {
		addr, err := c.acquireLocked(ctx, timeout)
		if err != nil {
			return nil, err
		}
		c.current = addr
		c.held = true
	}

	hops := make([]Address, 0, 2)
	if c.gateway != nil {
		hops = append(hops, *c.gateway)
	}
	hops = append(hops, c.current)
	return hops, nil
}

func (c *Chain) acquireLocked(ctx context.Context, timeout *time.Duration) (Address, error) {
	if c.pool != nil {
		return c.pool.Acquire(ctx, timeout)
	}
	return c.reg.GetRandomAddress(ctx)
}

// Switch releases the current proxy (reporting bad/holdout/reason to the
// pool) and selects a replacement. When lazy is true the replacement is
// deferred to the next Path call, matching the source system's lazy
// re-acquire so a caller that calls Switch repeatedly in a retry loop
// doesn't pay for an acquisition it may never use (§4.F).
func (c *Chain) Switch(ctx context.Context, bad bool, holdout *time.Duration, reason *string, lazy bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if c.held {
		c.releaseLocked(bad, holdout, reason)
		c.held = false
	}

	if lazy {
		return nil
	}

	addr, err := c.acquireLocked(ctx, nil)
	if err != nil {
		return err
	}
	c.current = addr
	c.held = true
	return nil
}

// Release is Switch with lazy re-acquisition, the shape a Dialer wants:
// report the outcome now, pay for a fresh acquisition only on the next
// Path call.
func (c *Chain) Release(ctx context.Context, bad bool, holdout *time.Duration, reason *string) error {
	return c.Switch(ctx, bad, holdout, reason, true)
}

func (c *Chain) releaseLocked(bad bool, holdout *time.Duration, reason *string) {
	if c.pool == nil {
		return
	}
	_ = c.pool.Release(c.current, bad, holdout, reason)
}

// Close releases the held proxy, if any, and marks the Chain unusable. It
// is safe to call multiple times.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.held {
		c.releaseLocked(false, nil, nil)
		c.held = false
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)
	return nil
}
