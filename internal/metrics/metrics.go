// Package metrics provides Prometheus instrumentation for the bot's
// workers. The listener is optional; with no METRICS_ADDR the gauges
// and counters are still maintained, just never scraped.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommentsScanned counts comments inspected by the scanner.
	CommentsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loansbot",
		Name:      "comments_scanned_total",
		Help:      "Total comments inspected by the comment scanner.",
	})

	// SummonsTotal counts summon executions by command and result.
	SummonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loansbot",
			Name:      "summons_total",
			Help:      "Total summon commands handled, by command and result.",
		},
		[]string{"summon", "result"},
	)

	// EventsHandled counts bus deliveries by routing key and result.
	EventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loansbot",
			Name:      "events_handled_total",
			Help:      "Total bus events handled, by routing key and result.",
		},
		[]string{"topic", "result"},
	)

	// ProxyRequests counts forum-proxy round trips by request type and
	// response type.
	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loansbot",
			Name:      "proxy_requests_total",
			Help:      "Total forum proxy requests, by request and response type.",
		},
		[]string{"type", "result"},
	)

	// ProxyRequestDuration observes proxy round-trip latency.
	ProxyRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loansbot",
		Name:      "proxy_request_duration_seconds",
		Help:      "Forum proxy round-trip duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// WorkersUp tracks how many fleet workers are currently running.
	WorkersUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loansbot",
		Name:      "workers_up",
		Help:      "Number of fleet workers currently running.",
	})

	// WorkerDeaths counts worker exits by worker name.
	WorkerDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loansbot",
			Name:      "worker_deaths_total",
			Help:      "Total worker exits, by worker.",
		},
		[]string{"worker"},
	)

	// LettersSent counts outbound letters by template name.
	LettersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loansbot",
			Name:      "letters_sent_total",
			Help:      "Total letters composed, by template name.",
		},
		[]string{"letter"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loansbot", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loansbot", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loansbot", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loansbot", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		CommentsScanned,
		SummonsTotal,
		EventsHandled,
		ProxyRequests,
		ProxyRequestDuration,
		WorkersUp,
		WorkerDeaths,
		LettersSent,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the
// runtime goroutine count into the gauges. Call in a goroutine; exits
// when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs the scrape listener on addr until ctx is cancelled. An
// empty addr disables the listener.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
