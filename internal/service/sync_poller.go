package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemedsync/internal/models"
	"telemedsync/internal/retry"

	"github.com/sirupsen/logrus"
)

// SyncPoller runs reconciliation cycles on a fixed interval and immediately
// on reconnect. The interval and the backoff applied when a cycle fails are
// injected through configuration, not hard-coded.
type SyncPoller struct {
	reconciler   *Reconciler
	connectivity *ConnectivityMonitor
	interval     time.Duration
	cycleTimeout time.Duration
	backoff      *retry.Backoff
	logger       *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

func NewSyncPoller(reconciler *Reconciler, connectivity *ConnectivityMonitor, syncConfig models.SyncConfig, retryConfig models.RetryConfig, logger *logrus.Logger) *SyncPoller {
	return &SyncPoller{
		reconciler:   reconciler,
		connectivity: connectivity,
		interval:     time.Duration(syncConfig.PollIntervalSec) * time.Second,
		cycleTimeout: time.Duration(syncConfig.CycleTimeoutSec) * time.Second,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Duration(retryConfig.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(retryConfig.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  retryConfig.MaxAttempts,
			Jitter:       true,
		}),
		logger: logger,
	}
}

// Start begins the background sync process. The first cycle runs right away
// so a freshly started client converges without waiting a full interval.
func (sp *SyncPoller) Start(ctx context.Context) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.running {
		return fmt.Errorf("sync poller is already running")
	}

	sp.ctx, sp.cancel = context.WithCancel(ctx)
	sp.running = true

	sp.wg.Add(2)
	go sp.pollLoop()
	go sp.reconnectLoop()

	sp.logger.WithField("interval", sp.interval).Info("Sync poller started")
	return nil
}

// Stop gracefully stops the polling process.
func (sp *SyncPoller) Stop() {
	sp.mu.Lock()
	if !sp.running {
		sp.mu.Unlock()
		return
	}
	sp.cancel()
	sp.running = false
	sp.mu.Unlock()

	sp.wg.Wait()
	sp.logger.Info("Sync poller stopped")
}

// IsRunning returns whether the poller is currently active.
func (sp *SyncPoller) IsRunning() bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.running
}

func (sp *SyncPoller) pollLoop() {
	defer sp.wg.Done()

	sp.cycleWithRetry()

	ticker := time.NewTicker(sp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.ctx.Done():
			return
		case <-ticker.C:
			sp.cycleWithRetry()
		}
	}
}

// reconnectLoop triggers an immediate cycle when connectivity comes back so
// queued offline writes drain without waiting for the next tick.
func (sp *SyncPoller) reconnectLoop() {
	defer sp.wg.Done()

	transitions := sp.connectivity.Subscribe()
	for {
		select {
		case <-sp.ctx.Done():
			return
		case online := <-transitions:
			if online {
				sp.logger.Info("Connectivity restored; running sync cycle")
				sp.cycleWithRetry()
			}
		}
	}
}

// cycleWithRetry executes a single cycle, retrying failures through the
// shared exponential backoff.
func (sp *SyncPoller) cycleWithRetry() {
	ctx, cancel := context.WithTimeout(sp.ctx, sp.cycleTimeout)
	defer cancel()

	attempt := 0
	err := sp.backoff.Retry(ctx, func() error {
		attempt++
		_, cycleErr := sp.reconciler.ReconcileCycle(ctx)
		if cycleErr != nil {
			sp.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   cycleErr,
			}).Warn("Sync cycle failed, retrying with backoff")
		}
		return cycleErr
	})
	if err != nil {
		sp.logger.WithError(err).Error("Sync cycle failed after all retry attempts")
	}
}
