package syncmanager_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-monitor/activity-agent/internal/clock"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
	"github.com/claude-monitor/activity-agent/internal/syncmanager"
)

type batchCall struct {
	sessionID string
	sessions  []model.SessionEvent
	activity  []model.ActivityEvent
	metrics   []model.SystemMetricsSample
}

// fakeTransport records every call it receives and lets a test inject
// per-method errors or block a call until released.
type fakeTransport struct {
	mu sync.Mutex

	pingErr error
	pings   int32

	createSessionErr error
	created          []syncmanager.CreateSessionArgs

	batches   []batchCall
	batchCh   chan struct{}
	blockGate chan struct{} // if non-nil, SessionBatch waits on it before returning
	entered   chan struct{} // signaled the instant SessionBatch is called, before blocking

	appUsageStarts []string
	appUsageEnds   []string
	afkStarts      []string
	afkEnds        []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{batchCh: make(chan struct{}, 64)}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	atomic.AddInt32(&f.pings, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) CreateSession(ctx context.Context, req syncmanager.CreateSessionArgs) (*syncmanager.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createSessionErr != nil {
		return nil, f.createSessionErr
	}
	f.created = append(f.created, req)
	return &syncmanager.SessionResult{SessionID: "server-session", LoginTime: time.Unix(0, 0)}, nil
}

func (f *fakeTransport) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	return nil
}

func (f *fakeTransport) SessionBatch(ctx context.Context, sessionID string, sessionEvents []model.SessionEvent, activityEvents []model.ActivityEvent, systemMetrics []model.SystemMetricsSample) error {
	if f.blockGate != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		<-f.blockGate
	}
	f.mu.Lock()
	f.batches = append(f.batches, batchCall{
		sessionID: sessionID,
		sessions:  sessionEvents,
		activity:  activityEvents,
		metrics:   systemMetrics,
	})
	f.mu.Unlock()
	f.batchCh <- struct{}{}
	return nil
}

func (f *fakeTransport) StartAppUsage(ctx context.Context, sessionID, usageID, appID, windowTitle string, startTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appUsageStarts = append(f.appUsageStarts, usageID)
	return nil
}

func (f *fakeTransport) EndAppUsage(ctx context.Context, usageID string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appUsageEnds = append(f.appUsageEnds, usageID)
	return nil
}

func (f *fakeTransport) StartAfk(ctx context.Context, sessionID, afkID string, startTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afkStarts = append(f.afkStarts, afkID)
	return nil
}

func (f *fakeTransport) EndAfk(ctx context.Context, sessionID, afkID string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afkEnds = append(f.afkEnds, afkID)
	return nil
}

func (f *fakeTransport) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testLogger() logger.Logger { return logger.New("test", logger.LevelFatal) }

func waitBatch(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a SessionBatch call")
	}
}

func waitSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func assertNoBatch(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected SessionBatch call")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSyncIntervalZeroFlushesImmediately(t *testing.T) {
	tr := newFakeTransport()
	c := clock.NewReal()
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 0}, tr, c, testLogger())
	m.Start()
	defer m.Stop()

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: time.Now()})

	waitBatch(t, tr.batchCh)
	assert.Equal(t, 1, tr.batchCount())
	assert.Equal(t, 0, m.QueueLen())
}

func TestMaxQueueSizeForcesFlush(t *testing.T) {
	tr := newFakeTransport()
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 60000, MaxQueueSize: 3}, tr, c, testLogger())
	m.Start()
	defer m.Stop()

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	assertNoBatch(t, tr.batchCh)

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	waitBatch(t, tr.batchCh)

	assert.Equal(t, 1, tr.batchCount())
	assert.Equal(t, 3, len(tr.batches[0].activity))
}

func TestOfflineQueuesUntilReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.pingErr = assert.AnError
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 0, ConnectionCheckIntervalMs: 1000}, tr, c, testLogger())
	m.Start()
	defer m.Stop()

	// Fire the probe: it fails, flipping the manager offline.
	c.Advance(1000 * time.Millisecond)
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, time.Millisecond)

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	assertNoBatch(t, tr.batchCh)
	assert.Equal(t, 2, m.QueueLen())

	// Reconnect: the probe succeeds, flipping online and triggering a flush.
	tr.mu.Lock()
	tr.pingErr = nil
	tr.mu.Unlock()
	c.Advance(1000 * time.Millisecond)

	waitBatch(t, tr.batchCh)
	assert.True(t, m.IsOnline())
	assert.Equal(t, 0, m.QueueLen())
	assert.Equal(t, 2, len(tr.batches[0].activity))
}

func TestStopFlushesOnlyWhenOnline(t *testing.T) {
	tr := newFakeTransport()
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 60000}, tr, c, testLogger())
	m.Start()

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	assertNoBatch(t, tr.batchCh)

	m.Stop()
	waitBatch(t, tr.batchCh)
	assert.Equal(t, 1, tr.batchCount())
}

func TestStopSkipsFlushWhenOffline(t *testing.T) {
	tr := newFakeTransport()
	tr.pingErr = assert.AnError
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 60000, ConnectionCheckIntervalMs: 1000}, tr, c, testLogger())
	m.Start()

	c.Advance(1000 * time.Millisecond)
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, time.Millisecond)

	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	m.Stop()

	assertNoBatch(t, tr.batchCh)
	assert.Equal(t, 0, tr.batchCount())
}

func TestAppUsageAndAfkPostIndividually(t *testing.T) {
	tr := newFakeTransport()
	c := clock.NewReal()
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 0}, tr, c, testLogger())
	m.Start()
	defer m.Stop()

	usageID := m.EnqueueAppUsageStart("s1", "app-1", "title", time.Now())
	require.NotEmpty(t, usageID)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.appUsageStarts) == 1
	}, time.Second, time.Millisecond)

	m.EnqueueAppUsageEnd("s1", usageID, time.Now())
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.appUsageEnds) == 1
	}, time.Second, time.Millisecond)

	afkID := m.EnqueueAfkStart("s1", time.Now())
	require.NotEmpty(t, afkID)
	m.EnqueueAfkEnd("s1", afkID, time.Now())
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.afkStarts) == 1 && len(tr.afkEnds) == 1
	}, time.Second, time.Millisecond)

	// Neither AppUsage nor Afk items produce a SessionBatch call.
	assert.Equal(t, 0, tr.batchCount())
}

func TestAtMostOneFlushInFlight(t *testing.T) {
	tr := newFakeTransport()
	tr.blockGate = make(chan struct{})
	tr.entered = make(chan struct{}, 4)
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{SyncIntervalMs: 0}, tr, c, testLogger())
	m.Start()
	defer m.Stop()

	// First enqueue starts a flush that drains just this item, then blocks
	// inside SessionBatch.
	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	waitSignal(t, tr.entered)

	// These land while the first flush is in flight and already past its
	// drain; triggerFlush for them must only set the pending flag rather
	// than start a second concurrent flush.
	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	m.EnqueueActivityEvent("s1", model.ActivityEvent{SessionID: "s1", EventTime: c.Now()})
	assertNoBatch(t, tr.batchCh)

	// Release the first (blocked) call; it must complete with only the
	// first item before the pending re-run picks up the rest.
	tr.blockGate <- struct{}{}
	waitBatch(t, tr.batchCh)
	require.Len(t, tr.batches, 1)
	assert.Len(t, tr.batches[0].activity, 1)

	// The pending re-run drains the other two items into a second batch.
	waitSignal(t, tr.entered)
	tr.blockGate <- struct{}{}
	waitBatch(t, tr.batchCh)

	require.Len(t, tr.batches, 2)
	assert.Len(t, tr.batches[1].activity, 2)
	assert.Equal(t, 0, m.QueueLen())
}

func TestCreateOrReopenSessionFallsBackOffline(t *testing.T) {
	tr := newFakeTransport()
	tr.createSessionErr = assert.AnError
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{}, tr, c, testLogger())

	res, online := m.CreateOrReopenSession(context.Background(), syncmanager.CreateSessionArgs{Username: "alice"})
	assert.False(t, online)
	assert.NotEmpty(t, res.SessionID)
	assert.False(t, m.IsOnline())

	// Once offline, a second call mints another local id and no server
	// session is ever created.
	res2, online2 := m.CreateOrReopenSession(context.Background(), syncmanager.CreateSessionArgs{Username: "alice"})
	assert.False(t, online2)
	assert.NotEmpty(t, res2.SessionID)
	assert.NotEqual(t, res.SessionID, res2.SessionID)
	assert.Empty(t, tr.created)
}

func TestCreateOrReopenSessionOnline(t *testing.T) {
	tr := newFakeTransport()
	c := clock.NewFake(time.Unix(0, 0))
	m := syncmanager.New(syncmanager.Config{}, tr, c, testLogger())

	res, online := m.CreateOrReopenSession(context.Background(), syncmanager.CreateSessionArgs{Username: "alice"})
	assert.True(t, online)
	assert.Equal(t, "server-session", res.SessionID)
	require.Len(t, tr.created, 1)
	assert.Equal(t, "alice", tr.created[0].Username)
}
