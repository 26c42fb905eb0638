package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

type job struct {
	name string
	fn   func(context.Context) error
}

// Manager runs long-lived jobs (watcher loop, host loop, HTTP server)
// until the context is done or one of them fails, then executes the
// registered shutdown hooks in reverse registration order.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	runJobs  []job
	stopJobs []job
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

func (m *Manager) Go(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job{name: name, fn: fn})
	m.mu.Unlock()
}

func (m *Manager) OnStop(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.stopJobs = append(m.stopJobs, job{name: name, fn: fn})
	m.mu.Unlock()
}

// shutdownGrace bounds how long stop hooks may take once the run phase ends.
const shutdownGrace = 10 * time.Second

func (m *Manager) Run(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	stopSignal := func() {}
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		stopSignal = stop
	}
	defer stopSignal()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	m.mu.Lock()
	runJobs := make([]job, len(m.runJobs))
	copy(runJobs, m.runJobs)
	stopJobs := make([]job, len(m.stopJobs))
	copy(stopJobs, m.stopJobs)
	m.mu.Unlock()

	errCh := make(chan error, len(runJobs))
	var wg sync.WaitGroup
	for _, j := range runJobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("job failed", "job", j.name, "error", err)
				errCh <- err
				cancelRuns()
			}
		}()
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		m.logger.Info("stopping", "reason", "signal")
		cancelRuns()
	case err := <-errCh:
		runErr = err
		cancelRuns()
	case <-doneCh:
	}
	<-doneCh

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelStop()

	var stopErr error
	for i := len(stopJobs) - 1; i >= 0; i-- {
		j := stopJobs[i]
		if err := j.fn(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("stop hook failed", "job", j.name, "error", err)
			stopErr = errors.Join(stopErr, err)
		}
	}
	return errors.Join(runErr, stopErr)
}
