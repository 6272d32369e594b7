// Package fleet runs the bot's workers as one supervised set of
// goroutines. The workers share a fate: when any of them dies, the
// fleet cancels the rest and reports the failure, and the process is
// expected to exit non-zero so the host restarts it with fresh state.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LoansBot/loansbot/internal/metrics"
)

// livenessInterval is how often the fleet reports which workers are
// still running.
const livenessInterval = 10 * time.Second

// Worker is one long-running job. Run blocks until it fails or its
// context is cancelled; returning at all is treated as death.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Fleet supervises a set of workers.
type Fleet struct {
	logger  *slog.Logger
	workers []Worker
}

// New creates an empty fleet.
func New(logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{logger: logger}
}

// Add registers a worker. Must be called before Run.
func (f *Fleet) Add(name string, run func(ctx context.Context) error) {
	f.workers = append(f.workers, Worker{Name: name, Run: run})
}

// death is one worker's exit notice.
type death struct {
	name string
	err  error
}

// Run starts every worker and blocks until one dies or ctx is
// cancelled. On a worker death the rest are cancelled and waited for,
// and the first death's error is returned. A cancelled ctx is a clean
// shutdown and returns ctx's cause.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.workers) == 0 {
		return fmt.Errorf("fleet: no workers registered")
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deaths := make(chan death, len(f.workers))
	running := make(map[string]bool, len(f.workers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, w := range f.workers {
		running[w.Name] = true
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			f.logger.Info("worker starting", "worker", w.Name)
			err := w.Run(ctx)
			mu.Lock()
			delete(running, w.Name)
			mu.Unlock()
			metrics.WorkerDeaths.WithLabelValues(w.Name).Inc()
			deaths <- death{name: w.Name, err: err}
		}(w)
	}
	metrics.WorkersUp.Set(float64(len(f.workers)))

	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mu.Lock()
			alive := len(running)
			mu.Unlock()
			metrics.WorkersUp.Set(float64(alive))
			f.logger.Debug("fleet liveness", "workers", alive)

		case d := <-deaths:
			cancel()
			wg.Wait()
			metrics.WorkersUp.Set(0)

			if parent.Err() != nil {
				// Shutdown was requested from outside; the first exit
				// is just whichever worker noticed first.
				f.logger.Info("fleet shut down", "first_exit", d.name)
				return context.Cause(parent)
			}
			if d.err == nil || errors.Is(d.err, context.Canceled) {
				f.logger.Error("worker exited unexpectedly", "worker", d.name)
				return fmt.Errorf("fleet: worker %s exited", d.name)
			}
			f.logger.Error("worker died", "worker", d.name, "err", d.err)
			return fmt.Errorf("fleet: worker %s died: %w", d.name, d.err)
		}
	}
}
