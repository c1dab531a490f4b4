package dialer

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/avshutov/proxyhub/pool"
)

// Metrics is the in-process request counter PrintMetrics logs on a timer,
// independent of the Prometheus exporter in the metrics package.
type Metrics struct {
	TotalRequests uint64
	TotalSuccess  uint64
	TotalFailed   uint64
}

// PrintMetrics periodically logs aggregate request counts plus each named
// pool's partition sizes (free/used/cooling/blacklisted), until ctx is
// canceled.
func PrintMetrics(ctx context.Context, interval time.Duration, pools map[string]*pool.Pool, m *Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("Metrics printer started")
	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&m.TotalRequests)
			success := atomic.LoadUint64(&m.TotalSuccess)
			failed := atomic.LoadUint64(&m.TotalFailed)
			var successRate float64
			if total > 0 {
				successRate = float64(success) / float64(total) * 100
			}
			log.Printf("Global Metrics: TotalReq=%d, Success=%d (%.1f%%), Failed=%d", total, success, successRate, failed)

			for name, p := range pools {
				free, used, cooling, blacklisted := p.Counts()
				log.Printf("Pool %s: free=%d used=%d cooling=%d blacklisted=%d", name, free, used, cooling, blacklisted)
			}
		case <-ctx.Done():
			log.Println("Metrics printer stopping...")
			return
		}
	}
}
