package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProbeFunc reports whether the remote backend is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// ConnectivityMonitor owns the shared online flag. The reconciler and the
// call session controller read it to gate remote operations; subscribers are
// notified on every transition, not only when an operation happens to start.
type ConnectivityMonitor struct {
	probe        ProbeFunc
	interval     time.Duration
	probeTimeout time.Duration
	logger       *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	mu          sync.RWMutex
	online      bool
	subscribers []chan bool
}

// NewConnectivityMonitor creates a monitor. A nil probe means connectivity is
// driven entirely by SetOnline calls; the monitor then starts in the online
// state since nothing can ever flip it back.
func NewConnectivityMonitor(probe ProbeFunc, interval, probeTimeout time.Duration, logger *logrus.Logger) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		probe:        probe,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		online:       probe == nil,
	}
}

// Start begins the background probe loop.
func (cm *ConnectivityMonitor) Start(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.running {
		return fmt.Errorf("connectivity monitor is already running")
	}
	if cm.probe == nil {
		cm.logger.Info("Connectivity probing disabled; assuming online")
		return nil
	}

	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.running = true

	cm.wg.Add(1)
	go cm.probeLoop()

	cm.logger.WithField("interval", cm.interval).Info("Connectivity monitor started")
	return nil
}

// Stop gracefully stops the probe loop.
func (cm *ConnectivityMonitor) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cm.cancel()
	cm.running = false
	cm.mu.Unlock()

	cm.wg.Wait()
	cm.logger.Info("Connectivity monitor stopped")
}

// Online returns the current connectivity state.
func (cm *ConnectivityMonitor) Online() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.online
}

// SetOnline records a transition and notifies subscribers. Setting the same
// state twice is a no-op.
func (cm *ConnectivityMonitor) SetOnline(online bool) {
	cm.mu.Lock()
	if cm.online == online {
		cm.mu.Unlock()
		return
	}
	cm.online = online
	subscribers := make([]chan bool, len(cm.subscribers))
	copy(subscribers, cm.subscribers)
	cm.mu.Unlock()

	if online {
		cm.logger.Info("Connectivity restored")
	} else {
		cm.logger.Warn("Connectivity lost; entering offline mode")
	}

	for _, ch := range subscribers {
		select {
		case ch <- online:
		default:
			// Subscriber is behind; it will observe the flag on its next read.
		}
	}
}

// Subscribe returns a channel receiving each online/offline transition.
func (cm *ConnectivityMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	cm.mu.Lock()
	cm.subscribers = append(cm.subscribers, ch)
	cm.mu.Unlock()
	return ch
}

func (cm *ConnectivityMonitor) probeLoop() {
	defer cm.wg.Done()

	cm.runProbe()

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.runProbe()
		}
	}
}

func (cm *ConnectivityMonitor) runProbe() {
	ctx, cancel := context.WithTimeout(cm.ctx, cm.probeTimeout)
	defer cancel()
	cm.SetOnline(cm.probe(ctx))
}
