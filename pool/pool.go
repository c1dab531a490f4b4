// Package pool implements the rotating proxy pool: the acquire/release
// state machine over the four address partitions (free, used, cooling,
// blacklisted) described in spec §3–§4.D.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/avshutov/proxyhub/pstore"
	"github.com/avshutov/proxyhub/registry"
)

// Address is a proxy endpoint, shared with the registry it was loaded from.
type Address = registry.Address

// ErrNoFreeProxies is returned by Acquire when no address became available
// before the deadline (§4.D.1, §7).
var ErrNoFreeProxies = errors.New("pool: no free proxies available")

// pollInterval is how often Acquire re-checks state while the cooling
// partition is non-empty but nothing is free yet. Spec §9 calls this out as
// an intentional simplification rather than a wakeup-on-expiry design.
const pollInterval = time.Second

// addrStats mirrors the on-disk stats shape spec §6 documents: "address →
// {uptime:[ok,fail], last_holdout, last_good_holdout}" — a nested two-element
// uptime array, not flat ok/fail keys (original_source/proxy_switcher/chain.py
// sets `proxy_stat['uptime'] = ok, fail` as a pair). MarshalJSON/UnmarshalJSON
// translate between that wire shape and the flat fields the rest of this file
// works with.
type addrStats struct {
	OK              int
	Fail            int
	LastHoldout     *float64
	LastGoodHoldout *float64
}

type addrStatsWire struct {
	Uptime          [2]int   `json:"uptime"`
	LastHoldout     *float64 `json:"last_holdout,omitempty"`
	LastGoodHoldout *float64 `json:"last_good_holdout,omitempty"`
}

func (s addrStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(addrStatsWire{
		Uptime:          [2]int{s.OK, s.Fail},
		LastHoldout:     s.LastHoldout,
		LastGoodHoldout: s.LastGoodHoldout,
	})
}

func (s *addrStats) UnmarshalJSON(data []byte) error {
	var w addrStatsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.OK = w.Uptime[0]
	s.Fail = w.Uptime[1]
	s.LastHoldout = w.LastHoldout
	s.LastGoodHoldout = w.LastGoodHoldout
	return nil
}

// Pool is the acquire/release scheduler over a Registry's address list. It
// is safe for concurrent use.
type Pool struct {
	reg *registry.List
	cfg registry.Config

	mu sync.Mutex
	// notifyCh is closed and replaced every time a Release makes an address
	// available, so an Acquire blocked in select wakes immediately instead
	// of waiting out its poll slice (§4.D.1's cond.wait/signal, modeled as a
	// channel since sync.Cond has no select-friendly wait).
	notifyCh chan struct{}

	free []Address
	used map[Address]struct{}

	blacklist pstore.OrderedMap // addr -> reason
	cooldown  pstore.OrderedMap // addr -> unix deadline (float64 seconds)
	stats     pstore.Map        // addr -> addrStats

	observedGeneration uint64

	now func() time.Time // overridable for tests
}

// New builds a Pool bound to reg, sharing reg's blacklist/cooldown/stats
// tables (§4.C: Proxies.get_pool() hands the same tables to the Pool it
// constructs). It is a programmer error (§7 category 3) to enable
// SmartHoldout without a positive SmartHoldoutStart.
func New(reg *registry.List, cfg registry.Config) (*Pool, error) {
	if cfg.SmartHoldout && cfg.SmartHoldoutStart <= 0 {
		return nil, fmt.Errorf("pool: smart_holdout requires smart_holdout_start > 0")
	}

	blacklist, cooldown, stats := reg.Maps()
	p := &Pool{
		reg:       reg,
		cfg:       cfg,
		used:      make(map[Address]struct{}),
		blacklist: blacklist,
		cooldown:  cooldown,
		stats:     stats,
		now:       time.Now,
		notifyCh:  make(chan struct{}),
	}
	return p, nil
}

// notifyAllLocked wakes every Acquire currently blocked in select waiting on
// notifyCh, by closing it and swapping in a fresh one for the next waiters.
func (p *Pool) notifyAllLocked() {
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
}

// Acquire blocks until an address becomes available, timeout elapses, or
// ctx is canceled (§4.D.1). A nil timeout waits indefinitely (bounded only
// by ctx).
func (p *Pool) Acquire(ctx context.Context, timeout *time.Duration) (Address, error) {
	var deadline time.Time
	hasDeadline := timeout != nil
	if hasDeadline {
		deadline = p.now().Add(*timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := p.reg.MaybeRefresh(ctx); err != nil {
			// A failed refresh never invalidates the existing list (§1);
			// proceed with whatever is already loaded.
			_ = err
		}

		entries, gen, err := p.reg.Current(ctx)
		if err != nil {
			return "", err
		}

		p.mu.Lock()

		if gen != p.observedGeneration {
			p.reconcileLocked(entries, gen)
		}
		p.promoteCooledLocked()

		if len(p.free) > 0 {
			addr := p.free[0]
			p.free = p.free[1:]
			p.used[addr] = struct{}{}
			p.mu.Unlock()
			return addr, nil
		}

		if rescued, ok := p.rescueFromBlacklistLocked(); ok {
			p.used[rescued] = struct{}{}
			p.mu.Unlock()
			return rescued, nil
		}

		// Nothing available right now. Wait for either a Release to signal
		// notifyCh, ctx cancellation, or — only while something is cooling
		// — a 1-second poll slice to recheck promoteCooledLocked (§4.D.1,
		// §9). With nothing cooling there is no internal state that will
		// change on its own, so the only bound is the caller's deadline (or
		// none at all, mirroring an unbounded cond.wait).
		coolingNonEmpty := p.cooldown.Len() > 0
		notify := p.notifyCh
		p.mu.Unlock()

		if hasDeadline && !p.now().Before(deadline) {
			return "", ErrNoFreeProxies
		}

		var wait time.Duration
		hasWait := coolingNonEmpty || hasDeadline
		if coolingNonEmpty {
			wait = pollInterval
			if hasDeadline {
				if remaining := deadline.Sub(p.now()); remaining < wait {
					wait = remaining
				}
			}
		} else if hasDeadline {
			wait = deadline.Sub(p.now())
		}
		if hasWait && wait <= 0 {
			return "", ErrNoFreeProxies
		}

		if hasWait {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-notify:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-notify:
			}
		}
	}
}

// rescueFromBlacklistLocked picks the most reliable blacklisted address
// that is not currently cooling (ok/fail descending, ties broken by
// insertion order) and moves it to used without touching its stats
// (§4.D.1: "candidates ← blacklisted.keys \ cooling.keys"; a rescue is not
// itself an outcome). A blacklisted address still cooling is invisible to
// Acquire until it leaves both partitions (§4.D.2's note).
func (p *Pool) rescueFromBlacklistLocked() (Address, bool) {
	keys := p.blacklist.Keys()
	if len(keys) == 0 {
		return "", false
	}

	type candidate struct {
		addr  Address
		order int
		rel   float64
	}
	cands := make([]candidate, 0, len(keys))
	for i, k := range keys {
		if _, cooling := p.cooldown.Get(k); cooling {
			continue
		}
		cands = append(cands, candidate{addr: Address(k), order: i, rel: p.reliabilityLocked(k)})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].rel > cands[j].rel
	})

	best := cands[0]
	p.blacklist.Remove(string(best.addr))
	return best.addr, true
}

func (p *Pool) reliabilityLocked(key string) float64 {
	st := p.loadStatsLocked(key)
	if st.Fail == 0 {
		return math.Inf(1)
	}
	return float64(st.OK) / float64(st.Fail)
}

func (p *Pool) loadStatsLocked(key string) addrStats {
	raw, ok := p.stats.Get(key)
	if !ok {
		return addrStats{}
	}
	var st addrStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return addrStats{}
	}
	return st
}

// promoteCooledLocked moves every address whose cooldown deadline has
// passed back into free (§4.D.4).
func (p *Pool) promoteCooledLocked() {
	nowSecs := float64(p.now().Unix())
	for _, k := range p.cooldown.Keys() {
		raw, ok := p.cooldown.Get(k)
		if !ok {
			continue
		}
		var deadline float64
		if err := json.Unmarshal(raw, &deadline); err != nil {
			continue
		}
		if deadline > nowSecs {
			continue
		}
		p.cooldown.Remove(k)
		addr := Address(k)
		if _, inUse := p.used[addr]; inUse {
			continue
		}
		p.free = append(p.free, addr)
	}
}

// reconcileLocked rebuilds free against the registry's current entries
// after a generation change (§4.D.3): addresses no longer present are
// dropped from free, and newly-seen addresses not already accounted for in
// used/cooldown/blacklist are added to free.
func (p *Pool) reconcileLocked(entries []Address, gen uint64) {
	present := make(map[Address]struct{}, len(entries))
	for _, a := range entries {
		present[a] = struct{}{}
	}

	kept := p.free[:0]
	known := make(map[Address]struct{}, len(p.free))
	for _, a := range p.free {
		if _, ok := present[a]; ok {
			kept = append(kept, a)
			known[a] = struct{}{}
		}
	}
	p.free = kept

	for addr := range p.used {
		known[addr] = struct{}{}
	}
	for _, k := range p.cooldown.Keys() {
		known[Address(k)] = struct{}{}
	}
	for _, k := range p.blacklist.Keys() {
		known[Address(k)] = struct{}{}
	}

	for _, a := range entries {
		if _, ok := known[a]; !ok {
			p.free = append(p.free, a)
		}
	}

	p.observedGeneration = gen
}

// Release returns addr to the pool (§4.D.2). A stale addr — no longer in
// used, typically because a registry reconciliation already dropped it —
// is silently ignored (§3, §7: idempotent by design).
//
// The effective holdout is resolved first (explicit argument, else the
// configured fixed default, else the smart-holdout progression) and, if
// non-nil, addr goes on cooldown for that duration regardless of bad. If
// bad, addr is additionally blacklisted under reason, independent of
// whether it also got a cooldown. Only a non-bad release with a nil
// effective holdout returns addr directly to free.
func (p *Pool) Release(addr Address, bad bool, holdout *time.Duration, reason *string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, inUse := p.used[addr]; !inUse {
		return nil
	}
	delete(p.used, addr)

	effective := p.effectiveHoldoutLocked(addr, bad, holdout)

	if effective != nil {
		deadline := float64(p.now().Add(*effective).Unix())
		if err := p.cooldown.Put(string(addr), deadline); err != nil {
			return fmt.Errorf("pool: record cooldown: %w", err)
		}
	}

	if bad {
		var r string
		if reason != nil {
			r = *reason
		}
		if err := p.blacklist.Put(string(addr), r); err != nil {
			return fmt.Errorf("pool: record blacklist: %w", err)
		}
	} else if effective == nil {
		p.free = append(p.free, addr)
		p.notifyAllLocked()
	}

	p.recordOutcomeLocked(addr, bad, effective)
	return nil
}

// Blacklist is the out-of-band admin operation distinct from Release: it
// blacklists addr immediately without reporting a success/failure outcome
// or touching its reliability stats, for operators who want to pull an
// address out of rotation (§3, §4.D) from a control surface rather than
// from a caller that actually tried to use it.
func (p *Pool) Blacklist(addr Address, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.used, addr)
	p.cooldown.Remove(string(addr))
	for i, a := range p.free {
		if a == addr {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	return p.blacklist.Put(string(addr), reason)
}

// recordOutcomeLocked updates addr's reliability counters and holdout
// history after a release (§4.D.2 step 7). effective is the holdout that
// was actually applied (nil if none).
func (p *Pool) recordOutcomeLocked(addr Address, bad bool, effective *time.Duration) {
	st := p.loadStatsLocked(string(addr))
	if bad {
		st.Fail++
	} else {
		st.OK++
	}
	if effective != nil {
		secs := effective.Seconds()
		st.LastHoldout = &secs
		if !bad || st.LastGoodHoldout == nil || secs >= *st.LastGoodHoldout {
			st.LastGoodHoldout = &secs
		}
	}
	_ = p.stats.Put(string(addr), st)
}

// effectiveHoldoutLocked resolves the cooldown duration for addr per
// §4.D.2 steps 2-4. An explicit caller-supplied holdout wins unless
// ForceDefaults is set, in which case the configured fixed default
// (default_holdout/default_bad_holdout) always replaces it. When
// SmartHoldout is enabled, its binary-search progression then overrides
// whatever was resolved so far, using that value only as the fallback for
// a first-ever release (§4.D.5). The nil return represents "no cooldown at
// all" — distinct from a zero-second cooldown.
func (p *Pool) effectiveHoldoutLocked(addr Address, bad bool, holdout *time.Duration) *time.Duration {
	h := holdout
	if h == nil || p.cfg.ForceDefaults {
		h = p.defaultHoldoutLocked(bad)
	}
	if !p.cfg.SmartHoldout {
		return h
	}
	computed := p.computeSmartHoldoutLocked(addr, bad, h)
	return &computed
}

func (p *Pool) defaultHoldoutLocked(bad bool) *time.Duration {
	var secs *float64
	if bad {
		secs = p.cfg.DefaultBadHoldout
	} else {
		secs = p.cfg.DefaultHoldout
	}
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs * float64(time.Second))
	return &d
}

// computeSmartHoldoutLocked implements the smart-holdout binary-search
// progression (§4.D.5): on a bad outcome the holdout doubles, unless it has
// fallen below the last known-good holdout g, in which case it retreats to
// g; on a good outcome the holdout shrinks to 75% of its previous value.
// The result is clamped to [SmartHoldoutMin, SmartHoldoutMax] after being
// computed (§9: "compute then clamp"). fallback — the caller's holdout
// argument, resolved through defaults already — stands in for the last
// holdout (and SmartHoldoutStart stands in for the last good holdout) on
// an address with no prior history. This method is a pure read of the
// stats table; recordOutcomeLocked is what persists the result.
func (p *Pool) computeSmartHoldoutLocked(addr Address, bad bool, fallback *time.Duration) time.Duration {
	st := p.loadStatsLocked(string(addr))

	lo := p.cfg.SmartHoldoutStart
	if fallback != nil {
		lo = fallback.Seconds()
	}
	if st.LastHoldout != nil {
		lo = *st.LastHoldout
	}
	g := p.cfg.SmartHoldoutStart
	if st.LastGoodHoldout != nil {
		g = *st.LastGoodHoldout
	}

	var next float64
	if bad {
		if lo < g {
			next = g
		} else {
			next = lo * 2
		}
	} else {
		next = lo * 0.75
	}

	if p.cfg.SmartHoldoutMin > 0 && next < p.cfg.SmartHoldoutMin {
		next = p.cfg.SmartHoldoutMin
	}
	if p.cfg.SmartHoldoutMax > 0 && next > p.cfg.SmartHoldoutMax {
		next = p.cfg.SmartHoldoutMax
	}

	return time.Duration(next * float64(time.Second))
}

// Stats returns the current reliability counters for addr, for callers
// (metrics, admin endpoints) that want visibility without reaching into
// the shared stats table directly.
func (p *Pool) Stats(addr Address) (ok, fail int, lastGoodHoldout *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.loadStatsLocked(string(addr))
	return st.OK, st.Fail, st.LastGoodHoldout
}

// Counts reports the size of each partition, for metrics gauges.
func (p *Pool) Counts() (free, used, cooling, blacklisted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.used), p.cooldown.Len(), p.blacklist.Len()
}
