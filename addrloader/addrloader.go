// Package addrloader fetches and normalizes proxy address lists from a
// string literal, a local file, or a remote URL.
//
// The fetch-and-normalize loop (gzip handling and line splitting,
// generalized to also cover file and inline sources) follows the same
// shape as the rest of this codebase's upstream fetch paths.
package addrloader

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Address is a proxy endpoint token of the form "[scheme://]host:port".
type Address string

// ReadString splits s on sep, trims whitespace, and discards empty tokens
// while preserving order (§4.A read_string).
func ReadString(s, sep string) []Address {
	if sep == "" {
		sep = "\n"
	}
	parts := strings.Split(s, sep)
	out := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Address(p))
	}
	return out
}

// ReadFile reads path as UTF-8 text and splits it on newlines (§4.A
// read_file). It also returns the file's modification time so callers can
// drive Registry's mtime-based auto-refresh.
func ReadFile(path string) ([]Address, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("addrloader: stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("addrloader: read %s: %w", path, err)
	}
	return ReadString(string(data), "\n"), info.ModTime(), nil
}

// URLOptions configures ReadURL's retry behavior.
type URLOptions struct {
	Retries    int           // default 10
	SleepRange [2]int        // inclusive seconds, default [2, 10]
	Timeout    time.Duration // per-attempt HTTP timeout, default 2s
	Rng        *rand.Rand    // optional injectable PRNG for deterministic tests
}

func (o URLOptions) withDefaults() URLOptions {
	if o.Retries == 0 {
		o.Retries = 10
	}
	if o.SleepRange == ([2]int{}) {
		o.SleepRange = [2]int{2, 10}
	}
	if o.Timeout == 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Rng == nil {
		o.Rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// ReadURL issues a GET against url, retrying on HTTP error or timeout up to
// Retries times with a uniform random sleep drawn from SleepRange between
// attempts (§4.A read_url). A Content-Encoding: gzip response body is
// decompressed; the response charset is auto-detected, defaulting to UTF-8.
//
// A failure after all retries is returned to the caller — the caller
// decides how to surface it (§1: this never corrupts an existing list, it
// only fails the refresh).
func ReadURL(ctx context.Context, url string, opts URLOptions) ([]Address, error) {
	opts = opts.withDefaults()

	client := &http.Client{Timeout: opts.Timeout}

	var lastErr error
	for attempt := 0; ; attempt++ {
		addrs, err := fetchOnce(ctx, client, url)
		if err == nil {
			return addrs, nil
		}
		lastErr = err

		if attempt >= opts.Retries {
			return nil, fmt.Errorf("addrloader: fetch %s: %w", url, lastErr)
		}

		lo, hi := opts.SleepRange[0], opts.SleepRange[1]
		sleepSecs := lo
		if hi > lo {
			sleepSecs = lo + opts.Rng.Intn(hi-lo+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(sleepSecs) * time.Second):
		}
	}
}

func fetchOnce(ctx context.Context, client *http.Client, url string) ([]Address, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	utf8Reader, err := charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("charset decode: %w", err)
	}

	content, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return ReadString(string(content), "\n"), nil
}

// Slice mirrors Python's slice(start, stop) semantics: either bound may be
// nil for an open end, and negative values count from the end of the list.
type Slice struct {
	Start *int
	Stop  *int
}

// Apply returns the sub-slice of addrs described by s, per Python slicing
// rules (negative indices count from the end, out-of-range bounds clamp).
func (s *Slice) Apply(addrs []Address) []Address {
	if s == nil {
		return addrs
	}
	n := len(addrs)

	resolve := func(v *int, def int) int {
		if v == nil {
			return def
		}
		i := *v
		if i < 0 {
			i += n
		}
		if i < 0 {
			i = 0
		}
		if i > n {
			i = n
		}
		return i
	}

	start := resolve(s.Start, 0)
	stop := resolve(s.Stop, n)
	if start >= stop {
		return []Address{}
	}
	out := make([]Address, stop-start)
	copy(out, addrs[start:stop])
	return out
}

// NormalizeOptions controls Normalize's post-processing of a raw address
// list (§4.A normalize).
type NormalizeOptions struct {
	Slice       *Slice
	ForceScheme string // if non-empty, replaces any existing scheme
	Shuffle     bool
	Rng         *rand.Rand
}

// Normalize applies the slice, force-scheme, and shuffle transformations in
// that order.
func Normalize(addrs []Address, opts NormalizeOptions) []Address {
	out := opts.Slice.Apply(addrs)

	if opts.ForceScheme != "" {
		rescoped := make([]Address, len(out))
		for i, a := range out {
			rescoped[i] = Address(opts.ForceScheme + "://" + stripScheme(string(a)))
		}
		out = rescoped
	}

	if opts.Shuffle {
		rng := opts.Rng
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		shuffled := make([]Address, len(out))
		copy(shuffled, out)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		out = shuffled
	}

	return out
}

func stripScheme(addr string) string {
	if idx := strings.Index(addr, "://"); idx >= 0 {
		return addr[idx+3:]
	}
	return addr
}
