// metrics/prometheus.go
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avshutov/proxyhub/pool"
	"github.com/avshutov/proxyhub/registry"
)

const namespace = "proxyhub"

var (
	SocksRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_total",
		Help:      "Total number of SOCKS requests processed.",
	})
	SocksRequestsSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_success_total",
		Help:      "Total number of successful SOCKS connections.",
	})
	SocksRequestsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_failed_total",
		Help:      "Total number of failed SOCKS connections.",
	})
	AcquireLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "acquire_latency_seconds",
		Help:      "Time spent waiting for a route to produce a proxy path.",
		Buckets:   prometheus.DefBuckets,
	})
)

var (
	UpstreamProxySuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream_proxy",
		Name:      "success_total",
		Help:      "Total number of successful connections via an upstream proxy.",
	},
		[]string{"proxy_address"},
	)
	UpstreamProxyFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream_proxy",
		Name:      "fail_total",
		Help:      "Total number of failed connections via an upstream proxy.",
	},
		[]string{"proxy_address"},
	)
)

var (
	PoolFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "free",
		Help:      "Number of addresses currently available for acquisition.",
	},
		[]string{"registry"},
	)
	PoolUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "used",
		Help:      "Number of addresses currently checked out.",
	},
		[]string{"registry"},
	)
	PoolCooling = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "cooling",
		Help:      "Number of addresses on cooldown.",
	},
		[]string{"registry"},
	)
	PoolBlacklisted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "blacklisted",
		Help:      "Number of addresses removed from rotation.",
	},
		[]string{"registry"},
	)
	RegistryGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "generation",
		Help:      "Current reconciliation generation counter of a registry.",
	},
		[]string{"registry"},
	)
)

// Exporter serves /metrics and periodically refreshes the pool/registry
// gauges above from a named set of Pools and Lists.
type Exporter struct {
	pools         map[string]*pool.Pool
	registries    map[string]*registry.List
	listenAddress string
}

// NewExporter builds an Exporter over pools and registries sharing the same
// names.
func NewExporter(pools map[string]*pool.Pool, registries map[string]*registry.List, listenAddress string) *Exporter {
	return &Exporter{pools: pools, registries: registries, listenAddress: listenAddress}
}

// Start launches the /metrics HTTP server (if an address was configured)
// and the periodic gauge refresher, both in background goroutines.
func (e *Exporter) Start(ctx context.Context, refreshInterval time.Duration) {
	if e.listenAddress == "" {
		log.Println("Prometheus metrics endpoint is disabled (no listen address specified).")
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("Starting Prometheus metrics HTTP server on %s/metrics", e.listenAddress)
			if err := http.ListenAndServe(e.listenAddress, mux); err != nil {
				log.Printf("Error starting Prometheus metrics HTTP server: %v", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.update()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Exporter) update() {
	for name, p := range e.pools {
		free, used, cooling, blacklisted := p.Counts()
		PoolFree.WithLabelValues(name).Set(float64(free))
		PoolUsed.WithLabelValues(name).Set(float64(used))
		PoolCooling.WithLabelValues(name).Set(float64(cooling))
		PoolBlacklisted.WithLabelValues(name).Set(float64(blacklisted))
	}
	for name, r := range e.registries {
		RegistryGeneration.WithLabelValues(name).Set(float64(r.Generation()))
	}
}
