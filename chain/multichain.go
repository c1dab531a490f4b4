package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avshutov/proxyhub/pool"
)

// ErrAliveProxiesNotFound is returned when every member Chain in a
// MultiChain has been exhausted without producing a usable path (§4.F,
// §7).
var ErrAliveProxiesNotFound = fmt.Errorf("chain: no alive proxies found across any chain")

// MultiChain rotates across a ring of Chains, advancing to the next member
// whenever the current one fails to produce a path, bounded by an overall
// budget rather than per-member timeouts (§4.F). It is grounded on the
// rotate-on-failure ring used for upstream rotation elsewhere in this
// codebase's lineage, generalized from a single address ring to a ring of
// full Chains.
type MultiChain struct {
	mu      sync.Mutex
	members []*Chain
	idx     int
	closed  bool
}

// NewMultiChain builds a MultiChain over members. members must be
// non-empty.
func NewMultiChain(members []*Chain) (*MultiChain, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("chain: MultiChain requires at least one member")
	}
	return &MultiChain{members: members}, nil
}

// Path implements the rotate-on-failure loop of §4.F: it tries the current
// member first, blocking on its pool for whatever budget remains, and only
// rotates to the next member once that attempt raises NoFreeProxies. A
// member with something already free or rescuable returns immediately
// regardless of how little budget remains (Pool.Acquire checks free before
// it checks its deadline), so the common case — one exhausted member next
// to an idle one — resolves in roughly the time the first member's attempt
// took, not the sum of every member's full budget (S6). A nil budget tries
// only the current member and blocks until ctx is canceled, since nothing
// can ever signal "exhausted" without a deadline to expire against.
func (mc *MultiChain) Path(ctx context.Context, budget *time.Duration) ([]Address, error) {
	var deadline time.Time
	hasDeadline := budget != nil
	if hasDeadline {
		deadline = time.Now().Add(*budget)
	}

	mc.mu.Lock()
	n := len(mc.members)
	start := mc.idx
	mc.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		mc.mu.Lock()
		if mc.closed {
			mc.mu.Unlock()
			return nil, ErrClosed
		}
		memberIdx := (start + i) % n
		member := mc.members[memberIdx]
		mc.mu.Unlock()

		var remaining *time.Duration
		if hasDeadline {
			r := deadline.Sub(time.Now())
			if r < 0 {
				r = 0
			}
			remaining = &r
		}

		path, err := member.Path(ctx, remaining)
		if err == nil {
			mc.mu.Lock()
			mc.idx = memberIdx
			mc.mu.Unlock()
			return path, nil
		}
		lastErr = err

		if !errors.Is(err, pool.ErrNoFreeProxies) {
			return nil, err
		}
		if !hasDeadline {
			// No budget means no rotation trigger: the first member blocks
			// forever, so a failure here only happens via ctx cancellation,
			// already handled above.
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrAliveProxiesNotFound
	}
	return nil, fmt.Errorf("%w: %v", ErrAliveProxiesNotFound, lastErr)
}

// Switch reports an outcome for whichever member most recently produced a
// path, rotates the ring, and then forces a non-lazy path build on the new
// current member (§4.F: "switch(..., lazy=true) is performed on the current
// chain, then the ring rotates, then a non-lazy path build is enforced on
// the new current") so the replacement acquisition happens here rather than
// being silently deferred to whatever later calls Path.
func (mc *MultiChain) Switch(ctx context.Context, bad bool, holdout *time.Duration, reason *string) error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return ErrClosed
	}
	member := mc.members[mc.idx]
	mc.idx = (mc.idx + 1) % len(mc.members)
	next := mc.members[mc.idx]
	mc.mu.Unlock()

	if err := member.Switch(ctx, bad, holdout, reason, true); err != nil {
		return err
	}

	_, err := next.Path(ctx, nil)
	return err
}

// Release is an alias for Switch, matching Chain's Release method so both
// types satisfy the same interface for dialer.
func (mc *MultiChain) Release(ctx context.Context, bad bool, holdout *time.Duration, reason *string) error {
	return mc.Switch(ctx, bad, holdout, reason)
}

// Close closes every member chain.
func (mc *MultiChain) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.closed {
		return nil
	}
	mc.closed = true
	var firstErr error
	for _, m := range mc.members {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
