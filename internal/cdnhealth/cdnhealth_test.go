package cdnhealth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduledRefreshFiresAfterInterval(t *testing.T) {
	th := DefaultThresholds()
	th.RefreshIntervalMinutes = 1 // the last fire below is already one interval ago
	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Minute)
	m.lastSchedFire = time.Now().Add(-time.Minute)

	fire := m.CheckScheduled(time.Now())
	require.NotNil(t, fire)
	assert.Equal(t, "scheduled_refresh", fire.Reason)

	// Immediately after, it should not fire again.
	fire2 := m.CheckScheduled(time.Now())
	assert.Nil(t, fire2)
}

func TestSpeedDropFiresAfterSustainedDrop(t *testing.T) {
	th := DefaultThresholds()
	th.BaselineEstablishSecs = 0
	th.DurationThresholdSecs = 0
	th.MinBaselineSpeedBps = 1000
	th.SpeedDropThreshold = 0.5

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Second)

	// Establish baseline at 10000 B/s.
	for i := 0; i < 5; i++ {
		m.RecordSpeed(10000)
	}
	require.True(t, m.baselineSet)

	// Drop below 50% of baseline.
	m.RecordSpeed(1000)
	fire := m.CheckSpeedDrop(time.Now())
	require.NotNil(t, fire)
	assert.Equal(t, "global_speed_drop", fire.Reason)
}

func TestSpeedDropDoesNotFireAboveThreshold(t *testing.T) {
	th := DefaultThresholds()
	th.BaselineEstablishSecs = 0
	th.MinBaselineSpeedBps = 1000

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Second)
	for i := 0; i < 5; i++ {
		m.RecordSpeed(10000)
	}
	m.RecordSpeed(9000)
	fire := m.CheckSpeedDrop(time.Now())
	assert.Nil(t, fire)
}

func TestBaselineRejectedWhenTooSlow(t *testing.T) {
	th := DefaultThresholds()
	th.BaselineEstablishSecs = 0
	th.MinBaselineSpeedBps = 1_000_000

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Second)
	m.RecordSpeed(500)
	assert.False(t, m.baselineSet)
}

func TestStagnationRequiresTwoConsecutiveChecks(t *testing.T) {
	th := DefaultThresholds()
	th.MinThreads = 2
	th.StartupDelaySecs = 0
	th.StagnationRatio = 0.5
	th.NearZeroThresholdKbps = 1

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Minute)

	workers := []WorkerSample{{0, 0}, {1, 0}}
	first := m.CheckStagnation(time.Now(), workers)
	assert.Nil(t, first, "first stagnant reading must not fire alone")

	second := m.CheckStagnation(time.Now(), workers)
	require.NotNil(t, second)
	assert.Equal(t, "thread_stagnation", second.Reason)
}

func TestStagnationResetsOnRecovery(t *testing.T) {
	th := DefaultThresholds()
	th.MinThreads = 2
	th.StartupDelaySecs = 0
	th.StagnationRatio = 0.5
	th.NearZeroThresholdKbps = 1

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Minute)

	stalled := []WorkerSample{{0, 0}, {1, 0}}
	healthy := []WorkerSample{{0, 1_000_000}, {1, 1_000_000}}

	assert.Nil(t, m.CheckStagnation(time.Now(), stalled))
	assert.Nil(t, m.CheckStagnation(time.Now(), healthy))
	assert.Nil(t, m.CheckStagnation(time.Now(), stalled), "streak must have reset")
}

func TestStagnationSkippedBelowMinThreads(t *testing.T) {
	th := DefaultThresholds()
	th.MinThreads = 4
	th.StartupDelaySecs = 0

	m := NewMonitor(th)
	m.start = time.Now().Add(-time.Minute)

	fire := m.CheckStagnation(time.Now(), []WorkerSample{{0, 0}})
	assert.Nil(t, fire)
}

func TestRefreshCoordinatorEnforcesMinInterval(t *testing.T) {
	var calls int32
	resolve := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "https://cdn.example/new", nil
	}

	rc := NewRefreshCoordinator(30*time.Second, "https://cdn.example/old", resolve)

	refreshed, err := rc.RequestRefresh(context.Background(), "scheduled_refresh")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "https://cdn.example/new", rc.CurrentURL())

	refreshed2, err := rc.RequestRefresh(context.Background(), "global_speed_drop")
	require.NoError(t, err)
	assert.False(t, refreshed2, "second refresh within min interval must be rejected")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefreshCoordinatorAllowsAfterInterval(t *testing.T) {
	resolve := func(ctx context.Context) (string, error) {
		return "https://cdn.example/new2", nil
	}
	rc := NewRefreshCoordinator(10*time.Millisecond, "https://cdn.example/old", resolve)

	refreshed, err := rc.RequestRefresh(context.Background(), "scheduled_refresh")
	require.NoError(t, err)
	assert.True(t, refreshed)

	time.Sleep(20 * time.Millisecond)

	refreshed2, err := rc.RequestRefresh(context.Background(), "global_speed_drop")
	require.NoError(t, err)
	assert.True(t, refreshed2)
}
