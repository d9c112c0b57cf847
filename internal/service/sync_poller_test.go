package service

import (
	"context"
	"testing"
	"time"

	"telemedsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pollerFixture(t *testing.T) (*SyncPoller, *fakeCloudClient, *ConnectivityMonitor) {
	t.Helper()
	db := setupTestDB(t)
	cloudClient := newFakeCloud()
	connectivity := manualConnectivity()
	reconciler := NewReconciler(db, cloudClient, connectivity, patientSession(t), testLogger())

	bookLocal(t, db, "10:00")

	poller := NewSyncPoller(reconciler, connectivity,
		models.SyncConfig{PollIntervalSec: 3600, CycleTimeoutSec: 5},
		models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5, MaxAttempts: 2},
		testLogger())
	return poller, cloudClient, connectivity
}

func TestPollerRunsImmediateFirstCycle(t *testing.T) {
	poller, cloudClient, _ := pollerFixture(t)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	require.Eventually(t, func() bool {
		return cloudClient.rowCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "first cycle must not wait for the interval")
}

func TestPollerSyncsOnReconnect(t *testing.T) {
	poller, cloudClient, connectivity := pollerFixture(t)
	connectivity.SetOnline(false)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	// Offline: the immediate cycle ran but could not push anything.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, cloudClient.rowCount())

	// The reconnect loop drains the queue without waiting for the next tick.
	connectivity.SetOnline(true)
	require.Eventually(t, func() bool {
		return cloudClient.rowCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollerRetriesFailedCycles(t *testing.T) {
	db := setupTestDB(t)
	cloudClient := newFakeCloud()
	connectivity := manualConnectivity()
	reconciler := NewReconciler(db, cloudClient, connectivity, patientSession(t), testLogger())

	poller := NewSyncPoller(reconciler, connectivity,
		models.SyncConfig{PollIntervalSec: 3600, CycleTimeoutSec: 5},
		models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5, MaxAttempts: 3},
		testLogger())

	// A closed store fails every cycle. Each attempt still reaches the remote
	// pull, so the pull count shows how often the cycle was retried.
	require.NoError(t, db.Close())

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	require.Eventually(t, func() bool {
		return cloudClient.listCallCount() == 3
	}, 2*time.Second, 10*time.Millisecond, "the configured attempts must all run")

	// After exhausting the attempts the poller gives up until the next tick.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, cloudClient.listCallCount())
}

func TestPollerDoubleStartRejected(t *testing.T) {
	poller, _, _ := pollerFixture(t)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	require.Error(t, poller.Start(context.Background()))
	assert.True(t, poller.IsRunning())
}

func TestPollerStopIsIdempotent(t *testing.T) {
	poller, _, _ := pollerFixture(t)

	require.NoError(t, poller.Start(context.Background()))
	poller.Stop()
	poller.Stop()
	assert.False(t, poller.IsRunning())
}
