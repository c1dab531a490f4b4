// Package registry owns the authoritative proxy address list for a Pool:
// it loads from a list literal, a file, or a URL (via addrloader),
// auto-refreshes on a time or mtime schedule, and reconciles the
// blacklist/cooldown/stats tables whenever the list changes (spec §4.C).
//
// It also owns those three persistent tables and hands out shared
// references to them — mirroring the source system, where Proxies (the
// registry) constructs the blacklist/cooldown/stats maps and _Pool
// receives them by reference from Proxies.get_pool().
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/avshutov/proxyhub/addrloader"
	"github.com/avshutov/proxyhub/pstore"
)

// Address re-exports addrloader.Address so callers of registry rarely need
// to import addrloader directly.
type Address = addrloader.Address

type sourceKind int

const (
	sourceInline sourceKind = iota
	sourceFile
	sourceURL
)

// DurationSpec is the {days, hours, minutes} object §6 uses for
// auto_refresh_period.
type DurationSpec struct {
	Days    int `json:"days,omitempty" yaml:"days,omitempty"`
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

// Duration converts d into a time.Duration.
func (d DurationSpec) Duration() time.Duration {
	return time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute
}

// SliceSpec is the two-element [start, stop] array §6 describes, with null
// meaning an open end on either side.
type SliceSpec [2]*int

// UnmarshalJSON accepts a two-element JSON array whose entries may be
// numbers or null.
func (s *SliceSpec) UnmarshalJSON(data []byte) error {
	var raw [2]*int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry: slice must be a 2-element array: %w", err)
	}
	*s = raw
	return nil
}

func (s *SliceSpec) toAddrloaderSlice() *addrloader.Slice {
	if s == nil {
		return nil
	}
	return &addrloader.Slice{Start: s[0], Stop: s[1]}
}

// Config is the JSON-shaped pool configuration object from spec §6. The
// yaml tags let it be embedded verbatim inside a YAML application config
// (see the config package).
type Config struct {
	List []string `json:"list,omitempty" yaml:"list,omitempty"`
	URL  string   `json:"url,omitempty" yaml:"url,omitempty"`
	File string   `json:"file,omitempty" yaml:"file,omitempty"`

	Type              string        `json:"type,omitempty" yaml:"type,omitempty"`
	Slice             *SliceSpec    `json:"slice,omitempty" yaml:"slice,omitempty"`
	Shuffle           bool          `json:"shuffle,omitempty" yaml:"shuffle,omitempty"`
	AutoRefreshPeriod *DurationSpec `json:"auto_refresh_period,omitempty" yaml:"auto_refresh_period,omitempty"`

	Blacklist string `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	Cooldown  string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Stats     string `json:"stats,omitempty" yaml:"stats,omitempty"`

	SmartHoldout      bool    `json:"smart_holdout,omitempty" yaml:"smart_holdout,omitempty"`
	SmartHoldoutStart float64 `json:"smart_holdout_start,omitempty" yaml:"smart_holdout_start,omitempty"`
	SmartHoldoutMin   float64 `json:"smart_holdout_min,omitempty" yaml:"smart_holdout_min,omitempty"`
	SmartHoldoutMax   float64 `json:"smart_holdout_max,omitempty" yaml:"smart_holdout_max,omitempty"`

	DefaultHoldout    *float64 `json:"default_holdout,omitempty" yaml:"default_holdout,omitempty"`
	DefaultBadHoldout *float64 `json:"default_bad_holdout,omitempty" yaml:"default_bad_holdout,omitempty"`
	ForceDefaults     bool     `json:"force_defaults,omitempty" yaml:"force_defaults,omitempty"`
}

// ErrNoSource is the "programmer error" §7 category 3 names: a refresh was
// requested but neither url nor file (nor an inline list) was configured.
var ErrNoSource = fmt.Errorf("registry: configuration has neither list, url, nor file")

// List is the Proxy Registry (spec §4.C / 3 "ProxyList (Registry)").
type List struct {
	cfg    Config
	source sourceKind

	refreshMu sync.Mutex // serializes refreshes; contended callers skip, not block
	loadOnce  sync.Mutex // guards lazy first load, separate from refreshMu

	dataMu      sync.RWMutex
	loaded      bool
	entries     []Address
	generation  uint64
	lastRefresh time.Time // wall clock for url sources, mtime for file sources

	blacklist pstore.OrderedMap
	cooldown  pstore.OrderedMap
	stats     pstore.Map

	rng *rand.Rand
}

// Option customizes List construction.
type Option func(*List)

// WithRand injects a deterministic PRNG for shuffle, useful in tests.
func WithRand(rng *rand.Rand) Option {
	return func(l *List) { l.rng = rng }
}

// New validates cfg and constructs a Registry. Exactly one of List, URL, or
// File must be set — a JSON object lacking all three is a configuration
// error surfaced immediately rather than deferred to the first load.
func New(cfg Config, opts ...Option) (*List, error) {
	sourcesSet := 0
	if len(cfg.List) > 0 {
		sourcesSet++
	}
	if cfg.URL != "" {
		sourcesSet++
	}
	if cfg.File != "" {
		sourcesSet++
	}
	if sourcesSet == 0 {
		return nil, ErrNoSource
	}
	if sourcesSet > 1 {
		return nil, fmt.Errorf("registry: list, url, and file are mutually exclusive")
	}

	l := &List{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	switch {
	case len(cfg.List) > 0:
		l.source = sourceInline
	case cfg.File != "":
		l.source = sourceFile
	case cfg.URL != "":
		l.source = sourceURL
	}

	var err error
	l.blacklist, err = newOrderedMap(cfg.Blacklist)
	if err != nil {
		return nil, err
	}
	l.cooldown, err = newOrderedMap(cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if cfg.Stats != "" {
		l.stats, err = pstore.NewFileMap(cfg.Stats)
		if err != nil {
			return nil, err
		}
	} else {
		l.stats = pstore.NewMemoryMap()
	}

	for _, opt := range opts {
		opt(l)
	}

	// Inline lists have no I/O to defer: load eagerly so Current() never
	// needs a context just to serve an in-memory list.
	if l.source == sourceInline {
		if err := l.reload(context.Background(), time.Time{}); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func newOrderedMap(path string) (pstore.OrderedMap, error) {
	if path == "" {
		return pstore.NewMemoryMap(), nil
	}
	return pstore.NewFileMap(path)
}

// Maps returns the shared blacklist, cooldown, and stats tables so a Pool
// can operate on the very same data the Registry reconciles.
func (l *List) Maps() (blacklist, cooldown pstore.OrderedMap, stats pstore.Map) {
	return l.blacklist, l.cooldown, l.stats
}

// Current returns the latest reconciled list and its generation, loading it
// lazily on first access (§4.C current()).
func (l *List) Current(ctx context.Context) ([]Address, uint64, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, 0, err
	}
	l.dataMu.RLock()
	defer l.dataMu.RUnlock()
	out := make([]Address, len(l.entries))
	copy(out, l.entries)
	return out, l.generation, nil
}

// ErrEmpty is returned by GetRandomAddress when the registry has no
// addresses loaded.
var ErrEmpty = fmt.Errorf("registry: address list is empty")

// GetRandomAddress returns a single random address from the current list,
// for callers operating without a Pool (§4.F: a pool-less Chain member).
func (l *List) GetRandomAddress(ctx context.Context) (Address, error) {
	entries, _, err := l.Current(ctx)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", ErrEmpty
	}
	return entries[l.rng.Intn(len(entries))], nil
}

// Generation returns the current generation counter without forcing a load.
func (l *List) Generation() uint64 {
	l.dataMu.RLock()
	defer l.dataMu.RUnlock()
	return l.generation
}

func (l *List) ensureLoaded(ctx context.Context) error {
	l.dataMu.RLock()
	loaded := l.loaded
	l.dataMu.RUnlock()
	if loaded {
		return nil
	}

	l.loadOnce.Lock()
	defer l.loadOnce.Unlock()

	l.dataMu.RLock()
	loaded = l.loaded
	l.dataMu.RUnlock()
	if loaded {
		return nil
	}

	return l.reload(ctx, time.Time{})
}

// MaybeRefresh is called opportunistically before every acquisition
// (§4.C). For a file source it reloads when the file's mtime has changed;
// for a URL source it reloads when AutoRefreshPeriod has elapsed. The
// refresh mutex is non-reentrant: a contended caller simply returns without
// reloading rather than blocking.
func (l *List) MaybeRefresh(ctx context.Context) error {
	if err := l.ensureLoaded(ctx); err != nil {
		return err
	}

	switch l.source {
	case sourceFile:
		return l.maybeRefreshFile(ctx)
	case sourceURL:
		return l.maybeRefreshURL(ctx)
	default:
		return nil
	}
}

// ForceRefresh reloads unconditionally, bypassing the mtime/period schedule
// MaybeRefresh applies. Unlike MaybeRefresh it blocks on refreshMu rather
// than skipping when contended, since a caller invoking it explicitly (the
// control surface in the web package) expects the reload to actually
// happen rather than be silently dropped.
func (l *List) ForceRefresh(ctx context.Context) error {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	stamp := time.Now()
	if l.source == sourceFile {
		if info, err := os.Stat(l.cfg.File); err == nil {
			stamp = info.ModTime()
		}
	}
	return l.reload(ctx, stamp)
}

func (l *List) maybeRefreshFile(ctx context.Context) error {
	info, err := os.Stat(l.cfg.File)
	if err != nil {
		return fmt.Errorf("registry: stat %s: %w", l.cfg.File, err)
	}

	l.dataMu.RLock()
	last := l.lastRefresh
	l.dataMu.RUnlock()
	if info.ModTime().Equal(last) {
		return nil
	}

	if !l.refreshMu.TryLock() {
		return nil
	}
	defer l.refreshMu.Unlock()

	return l.reload(ctx, info.ModTime())
}

func (l *List) maybeRefreshURL(ctx context.Context) error {
	if l.cfg.AutoRefreshPeriod == nil {
		return nil
	}
	period := l.cfg.AutoRefreshPeriod.Duration()

	l.dataMu.RLock()
	last := l.lastRefresh
	l.dataMu.RUnlock()
	if !last.IsZero() && time.Since(last) < period {
		return nil
	}

	if !l.refreshMu.TryLock() {
		return nil
	}
	defer l.refreshMu.Unlock()

	return l.reload(ctx, time.Now())
}

// reload fetches fresh addresses, normalizes them, publishes the new
// generation, and reconciles the persistent maps. stamp is the timestamp to
// record as lastRefresh (mtime for file sources, wall clock for url
// sources, zero for inline).
func (l *List) reload(ctx context.Context, stamp time.Time) error {
	raw, err := l.load(ctx)
	if err != nil {
		return err
	}

	normalized := addrloader.Normalize(raw, addrloader.NormalizeOptions{
		Slice:       l.cfg.Slice.toAddrloaderSlice(),
		ForceScheme: l.cfg.Type,
		Shuffle:     l.cfg.Shuffle,
		Rng:         l.rng,
	})

	l.dataMu.Lock()
	l.entries = normalized
	l.loaded = true
	l.generation++
	if !stamp.IsZero() {
		l.lastRefresh = stamp
	}
	l.dataMu.Unlock()

	l.reconcileMaps(normalized)
	return nil
}

func (l *List) load(ctx context.Context) ([]Address, error) {
	switch l.source {
	case sourceInline:
		out := make([]Address, len(l.cfg.List))
		for i, s := range l.cfg.List {
			out[i] = Address(s)
		}
		return out, nil
	case sourceFile:
		addrs, _, err := addrloader.ReadFile(l.cfg.File)
		return addrs, err
	case sourceURL:
		return addrloader.ReadURL(ctx, l.cfg.URL, addrloader.URLOptions{Rng: l.rng})
	default:
		return nil, ErrNoSource
	}
}

// reconcileMaps drops blacklist/cooldown/stats keys for addresses no
// longer present in entries (§4.C, invariant in §3). It is O(|maps| +
// |entries|).
func (l *List) reconcileMaps(entries []Address) {
	present := make(map[string]struct{}, len(entries))
	for _, a := range entries {
		present[string(a)] = struct{}{}
	}

	dropMissing := func(m pstore.Map) {
		for _, k := range m.Keys() {
			if _, ok := present[k]; !ok {
				m.Remove(k)
			}
		}
	}

	dropMissing(l.blacklist)
	dropMissing(l.cooldown)
	dropMissing(l.stats)
}
