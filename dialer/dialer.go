// Package dialer builds the net.Dial function the inbound SOCKS5 server
// calls per client connection: it asks a route for a path, chains the hops
// through golang.org/x/net/proxy SOCKS5 dialers (gateway first, if any),
// dials the destination, and reports the outcome back to the route.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	px "golang.org/x/net/proxy"

	"github.com/avshutov/proxyhub/chain"
	"github.com/avshutov/proxyhub/metrics"
)

// Route is satisfied by both *chain.Chain and *chain.MultiChain: it is
// whatever a Dialer needs to obtain a hop path and report back on it.
type Route interface {
	Path(ctx context.Context, timeout *time.Duration) ([]chain.Address, error)
	Release(ctx context.Context, bad bool, holdout *time.Duration, reason *string) error
	Close() error
}

// Dialer wires a fresh Route per call into a net.Dial-shaped function
// suitable for socks5.WithDial. A Route is single-owner and not safe for
// concurrent use (chain.Chain's doc comment), so newRoute must hand back
// an instance nothing else is using concurrently; the obvious and cheapest
// way to guarantee that for a server fielding one goroutine per client
// connection is to build a new one per Dial call, over the shared Pool(s)
// underneath.
type Dialer struct {
	newRoute       func() Route
	acquireTimeout *time.Duration
	dialTimeout    time.Duration
	metrics        *Metrics
}

// New builds a Dialer. acquireTimeout bounds how long Dial waits for a
// route to produce a path (nil waits indefinitely, bounded only by ctx);
// dialTimeout bounds the upstream TCP handshake once a path is in hand.
func New(newRoute func() Route, acquireTimeout *time.Duration, dialTimeout time.Duration, m *Metrics) *Dialer {
	return &Dialer{
		newRoute:       newRoute,
		acquireTimeout: acquireTimeout,
		dialTimeout:    dialTimeout,
		metrics:        m,
	}
}

// Dial satisfies the signature github.com/things-go/go-socks5 expects from
// socks5.WithDial.
func (d *Dialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	metrics.SocksRequestsTotal.Inc()
	atomic.AddUint64(&d.metrics.TotalRequests, 1)

	route := d.newRoute()
	defer route.Close()

	acquireStart := time.Now()
	hops, err := route.Path(ctx, d.acquireTimeout)
	metrics.AcquireLatencySeconds.Observe(time.Since(acquireStart).Seconds())
	if err != nil {
		d.fail(nil)
		log.Printf("dialer: failed to acquire a proxy path for %s: %v", addr, err)
		return nil, err
	}

	upstream, proxyAddr, err := chainDialer(hops)
	if err != nil {
		reason := err.Error()
		_ = route.Release(ctx, true, nil, &reason)
		d.fail(&proxyAddr)
		log.Printf("dialer: failed to build upstream dialer for %s via %s: %v", addr, proxyAddr, err)
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, err := dialContext(dialCtx, upstream, network, addr)
	if err != nil {
		reason := err.Error()
		_ = route.Release(ctx, true, nil, &reason)
		d.fail(&proxyAddr)
		log.Printf("dialer: failed to connect to %s via %s: %v", addr, proxyAddr, err)
		return nil, err
	}

	_ = route.Release(ctx, false, nil, nil)
	metrics.SocksRequestsSuccessTotal.Inc()
	atomic.AddUint64(&d.metrics.TotalSuccess, 1)
	metrics.UpstreamProxySuccessTotal.WithLabelValues(string(proxyAddr)).Inc()
	log.Printf("dialer: connected to %s via %s", addr, proxyAddr)
	return conn, nil
}

func (d *Dialer) fail(proxyAddr *chain.Address) {
	metrics.SocksRequestsFailedTotal.Inc()
	atomic.AddUint64(&d.metrics.TotalFailed, 1)
	if proxyAddr != nil {
		metrics.UpstreamProxyFailTotal.WithLabelValues(string(*proxyAddr)).Inc()
	}
}

// chainDialer builds a px.Dialer that threads through every hop in order —
// a gateway first, if present, then the proxy itself — using
// golang.org/x/net/proxy's SOCKS5 forward parameter for the chaining. It
// returns the final hop too, for metrics labeling.
func chainDialer(hops []chain.Address) (px.Dialer, chain.Address, error) {
	if len(hops) == 0 {
		return nil, "", errors.New("dialer: empty hop path")
	}

	var d px.Dialer = px.Direct
	for _, hop := range hops {
		next, err := socks5DialerFor(hop, d)
		if err != nil {
			return nil, hop, fmt.Errorf("dialer: build SOCKS5 dialer for %s: %w", hop, err)
		}
		d = next
	}
	return d, hops[len(hops)-1], nil
}

// socks5DialerFor parses addr (an opaque proxy address token, optionally
// carrying a scheme and user:pass@ credentials, per the registry's address
// model) and returns a px.Dialer forwarding through it.
func socks5DialerFor(addr chain.Address, forward px.Dialer) (px.Dialer, error) {
	raw := string(addr)
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}

	var auth *px.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &px.Auth{User: u.User.Username(), Password: password}
	}

	return px.SOCKS5("tcp", u.Host, auth, forward)
}

// dialContext makes dialer.Dial cancelable, since the px.Dialer interface
// predates context.Context and has no cancellation of its own.
func dialContext(ctx context.Context, dialer px.Dialer, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial(network, address)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}
