/**
 * CONTEXT:   Sync Manager: online/offline mode, bounded queue, per-session batching, at-most-one flush
 * INPUT:     Queued telemetry items, periodic flush tick, periodic connection probe
 * OUTPUT:    One sessions/{id}/batch call per session (items grouped by type), individual AppUsage/Afk posts
 * BUSINESS:  Single-attempt flush, no retry; enqueues during a flush land in the next one
 * CHANGE:    Initial implementation
 * RISK:      High - this is the hardest part: concurrency, ordering and mode transitions all meet here
 */

package syncmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/claude-monitor/activity-agent/internal/clock"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
)

// Transport is the subset of the HTTP client the Sync Manager depends on.
type Transport interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, req CreateSessionArgs) (*SessionResult, error)
	EndSession(ctx context.Context, sessionID string, endTime time.Time) error
	SessionBatch(ctx context.Context, sessionID string, sessionEvents []model.SessionEvent, activityEvents []model.ActivityEvent, systemMetrics []model.SystemMetricsSample) error
	StartAppUsage(ctx context.Context, sessionID, usageID, appID, windowTitle string, startTime time.Time) error
	EndAppUsage(ctx context.Context, usageID string, endTime time.Time) error
	StartAfk(ctx context.Context, sessionID, afkID string, startTime time.Time) error
	EndAfk(ctx context.Context, sessionID, afkID string, endTime time.Time) error
}

// CreateSessionArgs is what the Sync Manager needs to ask the server for a
// session for a given calendar date.
type CreateSessionArgs struct {
	Username        string
	MachineID       string
	IPAddress       string
	IsRemote        bool
	ContinuedFromID string
}

// SessionResult is what the server returns for a created/reopened session.
type SessionResult struct {
	SessionID string
	LoginTime time.Time
}

// Config holds the Sync Manager's tunables. They are fixed when New is
// called; later Config Store changes do not reach a running Manager.
type Config struct {
	SyncIntervalMs            int // 0 => send immediately on enqueue
	MaxQueueSize               int
	ConnectionCheckIntervalMs int // defaulted by policy (e.g. 30000)
}

// ConnectionStateObserver is called before any flush attempt whenever mode changes.
type ConnectionStateObserver func(online bool)

// Manager is the Sync Manager collaborator.
type Manager struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	log       logger.Logger

	q *queue

	onlineFlag int32 // atomic bool: 1 = online, 0 = offline

	flushing int32 // atomic bool: at most one flush in flight
	pending  int32 // atomic bool: a trigger arrived while flushing

	observersMu sync.Mutex
	observers   []ConnectionStateObserver

	flushTicker clock.Ticker
	probeTicker clock.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Manager starting in Online mode (the first probe tick will
// correct this if the transport is actually unreachable).
func New(cfg Config, transport Transport, c clock.Clock, log logger.Logger) *Manager {
	if cfg.ConnectionCheckIntervalMs <= 0 {
		cfg.ConnectionCheckIntervalMs = 30000
	}
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     c,
		log:       log,
		q:         newQueue(),
		stopCh:    make(chan struct{}),
	}
	atomic.StoreInt32(&m.onlineFlag, 1)
	return m
}

// OnConnectionStateChanged subscribes an observer, called before any flush attempt.
func (m *Manager) OnConnectionStateChanged(fn ConnectionStateObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

// IsOnline reports the current mode.
func (m *Manager) IsOnline() bool { return atomic.LoadInt32(&m.onlineFlag) == 1 }

// QueueLen reports the current queue depth, for diagnostics.
func (m *Manager) QueueLen() int { return m.q.len() }

// EndSession closes a session on the server immediately (not queued),
// satisfying statemachine.SessionCloser. The Ending transition calls this
// directly because closing a session is a terminal, one-shot action rather
// than telemetry that benefits from batching.
func (m *Manager) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	return m.transport.EndSession(ctx, sessionID, endTime)
}

// Start begins the flush ticker and the connection probe ticker. Idempotent.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.cfg.SyncIntervalMs > 0 {
			m.flushTicker = m.clock.NewTicker(time.Duration(m.cfg.SyncIntervalMs) * time.Millisecond)
			m.wg.Add(1)
			go m.flushLoop()
		}

		m.probeTicker = m.clock.NewTicker(time.Duration(m.cfg.ConnectionCheckIntervalMs) * time.Millisecond)
		m.wg.Add(1)
		go m.probeLoop()
	})
}

// Stop disables the ticker, performs one final flush if Online, and returns.
// Idempotent. Items that cannot be flushed (Offline at shutdown) are lost,
// per spec section 4.5.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.flushTicker != nil {
			m.flushTicker.Stop()
		}
		if m.probeTicker != nil {
			m.probeTicker.Stop()
		}
		m.wg.Wait()

		if m.IsOnline() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.flush(ctx, 0)
		}
	})
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.flushTicker.C():
			m.triggerFlush()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) probeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.probeTicker.C():
			m.probeOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.transport.Ping(ctx)
	wasOnline := m.IsOnline()

	if err != nil && wasOnline {
		m.setOnline(false)
	} else if err == nil && !wasOnline {
		m.setOnline(true)
	}
}

func (m *Manager) setOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	atomic.StoreInt32(&m.onlineFlag, next)

	m.log.Info("connection state changed", "online", online)

	m.observersMu.Lock()
	observers := append([]ConnectionStateObserver(nil), m.observers...)
	m.observersMu.Unlock()
	for _, obs := range observers {
		obs(online)
	}

	if online {
		m.triggerFlush()
	}
}

// Enqueue is the only mutator producers use. session_id must be non-empty;
// it is rejected as a programmer error otherwise (panics, matching the
// spec's characterization of a null session_id as a programming error, not
// a recoverable runtime condition).
func (m *Manager) Enqueue(eventType model.TelemetryType, sessionID string, payload interface{}, t time.Time) {
	if sessionID == "" {
		panic("syncmanager: enqueue requires a non-empty session_id")
	}

	n := m.q.push(model.QueuedTelemetryItem{
		Type:       eventType,
		SessionID:  sessionID,
		Payload:    payload,
		EnqueuedAt: t,
	})

	if m.cfg.SyncIntervalMs == 0 {
		m.triggerFlush() // a no-op while Offline; the queue accumulates instead
		return
	}
	if m.cfg.MaxQueueSize > 0 && n >= m.cfg.MaxQueueSize {
		m.triggerFlush()
	}
}

// EnqueueSessionEvent queues one SessionEvent telemetry item.
func (m *Manager) EnqueueSessionEvent(sessionID string, eventType model.SessionEventType, t time.Time, data map[string]interface{}) {
	m.Enqueue(model.TelemetrySessionEvent, sessionID, model.SessionEvent{
		SessionID: sessionID, EventType: eventType, EventTime: t, EventData: data,
	}, t)
}

// EnqueueActivityEvent queues one ActivityEvent telemetry item.
func (m *Manager) EnqueueActivityEvent(sessionID string, ev model.ActivityEvent) {
	m.Enqueue(model.TelemetryActivityEvent, sessionID, ev, ev.EventTime)
}

// EnqueueSystemMetrics queues one SystemMetricsSample telemetry item.
func (m *Manager) EnqueueSystemMetrics(sessionID string, sample model.SystemMetricsSample) {
	m.Enqueue(model.TelemetrySystemMetrics, sessionID, sample, sample.MeasurementTime)
}

// EnqueueAppUsageStart queues an AppUsage item with a client-generated usage
// id, returning that id so the caller (the Orchestrator) can later request
// EnqueueAppUsageEnd for the same interval. Generating the id up front,
// rather than waiting for the server's response, avoids ever handing a
// caller a temporary id to swap out later: the same id is sent with the
// start post. If that post fails it is not retried, and the server never
// learns the id (see DESIGN.md's resolution of the startAppUsage open question).
func (m *Manager) EnqueueAppUsageStart(sessionID, appID, windowTitle string, t time.Time) string {
	usageID := uuid.NewString()
	m.Enqueue(model.TelemetryAppUsage, sessionID, model.AppUsagePayload{
		Action: "start", UsageID: usageID, AppID: appID, WindowTitle: windowTitle, Time: t,
	}, t)
	return usageID
}

// EnqueueAppUsageEnd queues the closing AppUsage item for a previously
// started interval.
func (m *Manager) EnqueueAppUsageEnd(sessionID, usageID string, t time.Time) {
	m.Enqueue(model.TelemetryAppUsage, sessionID, model.AppUsagePayload{
		Action: "end", UsageID: usageID, Time: t,
	}, t)
}

// EnqueueAfkStart queues an AfkPeriod item with a client-generated afk id,
// returned for symmetry with EnqueueAppUsageStart.
func (m *Manager) EnqueueAfkStart(sessionID string, t time.Time) string {
	afkID := uuid.NewString()
	m.Enqueue(model.TelemetryAfkPeriod, sessionID, model.AfkPayload{
		Action: "start", AfkID: afkID, Time: t,
	}, t)
	return afkID
}

// EnqueueAfkEnd queues the closing AfkPeriod item for a previously started period.
func (m *Manager) EnqueueAfkEnd(sessionID, afkID string, t time.Time) {
	m.Enqueue(model.TelemetryAfkPeriod, sessionID, model.AfkPayload{
		Action: "end", AfkID: afkID, Time: t,
	}, t)
}

// triggerFlush starts a flush unless one is already in flight, in which case
// it marks pending so the in-flight flush re-runs once more for whatever
// arrived meanwhile.
func (m *Manager) triggerFlush() {
	if !m.IsOnline() {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.flushing, 0, 1) {
		atomic.StoreInt32(&m.pending, 1)
		return
	}

	go func() {
		defer atomic.StoreInt32(&m.flushing, 0)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			m.flush(ctx, 0)
			cancel()

			if !atomic.CompareAndSwapInt32(&m.pending, 1, 0) {
				return
			}
			if !m.IsOnline() {
				return
			}
		}
	}()
}

// flush drains up to maxItems from the queue in a single pass, groups items
// by (session_id, type) into session/activity/metrics batches, posts
// AppUsage/Afk items individually, then posts one mixed batch call per
// session carrying that session's non-empty groups. A failed batch call is
// logged and its items are dropped. maxItems <= 0 means "all".
func (m *Manager) flush(ctx context.Context, maxItems int) {
	items := m.q.drain(maxItems)
	if len(items) == 0 {
		return
	}

	sessionEvents := map[string][]model.SessionEvent{}
	activityEvents := map[string][]model.ActivityEvent{}
	systemMetrics := map[string][]model.SystemMetricsSample{}
	var order []string // session ids in first-seen order, for deterministic posting

	seen := map[string]bool{}
	noteOrder := func(sid string) {
		if !seen[sid] {
			seen[sid] = true
			order = append(order, sid)
		}
	}

	for _, item := range items {
		noteOrder(item.SessionID)

		switch item.Type {
		case model.TelemetrySessionEvent:
			if ev, ok := item.Payload.(model.SessionEvent); ok {
				sessionEvents[item.SessionID] = append(sessionEvents[item.SessionID], ev)
			}
		case model.TelemetryActivityEvent:
			if ev, ok := item.Payload.(model.ActivityEvent); ok {
				activityEvents[item.SessionID] = append(activityEvents[item.SessionID], ev)
			}
		case model.TelemetrySystemMetrics:
			if ev, ok := item.Payload.(model.SystemMetricsSample); ok {
				systemMetrics[item.SessionID] = append(systemMetrics[item.SessionID], ev)
			}
		case model.TelemetryAppUsage:
			m.postAppUsage(ctx, item)
		case model.TelemetryAfkPeriod:
			m.postAfk(ctx, item)
		default:
			m.log.Warn("dropping queued item of unknown telemetry type", "type", item.Type)
		}
	}

	for _, sid := range order {
		se := sessionEvents[sid]
		ae := activityEvents[sid]
		sm := systemMetrics[sid]
		if len(se) == 0 && len(ae) == 0 && len(sm) == 0 {
			continue
		}
		if err := m.transport.SessionBatch(ctx, sid, se, ae, sm); err != nil {
			m.log.Warn("session batch post failed, items are not re-enqueued", "session_id", sid, "error", err)
		}
	}
}

// postAppUsage posts one AppUsage item individually: action "end" posts to
// the end endpoint, anything else posts to the start endpoint. The item is
// consumed from the queue whether or not the server accepts it.
func (m *Manager) postAppUsage(ctx context.Context, item model.QueuedTelemetryItem) {
	payload, ok := item.Payload.(model.AppUsagePayload)
	if !ok {
		return
	}
	var err error
	if payload.Action == "end" {
		err = m.transport.EndAppUsage(ctx, payload.UsageID, payload.Time)
	} else {
		err = m.transport.StartAppUsage(ctx, item.SessionID, payload.UsageID, payload.AppID, payload.WindowTitle, payload.Time)
	}
	if err != nil {
		m.log.Warn("app usage post failed, item consumed without retry", "session_id", item.SessionID, "action", payload.Action, "error", err)
	}
}

// postAfk posts one AfkPeriod item individually, same consume-regardless
// policy as postAppUsage.
func (m *Manager) postAfk(ctx context.Context, item model.QueuedTelemetryItem) {
	payload, ok := item.Payload.(model.AfkPayload)
	if !ok {
		return
	}
	var err error
	if payload.Action == "end" {
		err = m.transport.EndAfk(ctx, item.SessionID, payload.AfkID, payload.Time)
	} else {
		err = m.transport.StartAfk(ctx, item.SessionID, payload.AfkID, payload.Time)
	}
	if err != nil {
		m.log.Warn("afk post failed, item consumed without retry", "session_id", item.SessionID, "action", payload.Action, "error", err)
	}
}

// CreateOrReopenSession composes with the transport: Online, it delegates to
// the server; Offline, it mints a local id and the caller should expect
// CreateOrReopenSession to be called again at the next day rollover to
// reconcile with the server; reconnecting alone does not reconcile the
// locally minted session.
func (m *Manager) CreateOrReopenSession(ctx context.Context, args CreateSessionArgs) (SessionResult, bool) {
	if m.IsOnline() {
		res, err := m.transport.CreateSession(ctx, args)
		if err != nil {
			m.log.Warn("create_or_reopen_session failed online, falling back to offline session", "error", err)
			m.setOnline(false)
			return m.localSession(), false
		}
		return *res, true
	}
	return m.localSession(), false
}

func (m *Manager) localSession() SessionResult {
	return SessionResult{SessionID: uuid.NewString(), LoginTime: m.clock.Now()}
}
