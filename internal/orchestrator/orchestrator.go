/**
 * CONTEXT:   Orchestrator: initialization, start/stop, day-rollover, component wiring
 * INPUT:     Config Store, HTTP Client, App Cache, OS Monitors, Batcher, State Machine, Sync Manager
 * OUTPUT:    A single running agent translating OS signals into state transitions and telemetry
 * BUSINESS:  Not the hard part by design - wiring only, the hard logic lives in the three core subsystems
 * CHANGE:    Initial implementation
 * RISK:      Medium - a wiring bug here silently drops telemetry even if every subsystem is correct
 */

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/claude-monitor/activity-agent/internal/appcache"
	"github.com/claude-monitor/activity-agent/internal/batcher"
	"github.com/claude-monitor/activity-agent/internal/clock"
	"github.com/claude-monitor/activity-agent/internal/config"
	"github.com/claude-monitor/activity-agent/internal/fingerprint"
	"github.com/claude-monitor/activity-agent/internal/httpclient"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
	"github.com/claude-monitor/activity-agent/internal/monitors"
	"github.com/claude-monitor/activity-agent/internal/statemachine"
	"github.com/claude-monitor/activity-agent/internal/syncmanager"
)

// Monitors groups the OS Monitor collaborators the Orchestrator wires up.
// Any field may be nil; a nil monitor is simply never started. Independently,
// TrackKeyboardMouse/TrackApplications/TrackSystemMetrics being false skips
// the input monitor, the foreground monitor and metrics sampling at Start.
type Monitors struct {
	Input      monitors.InputMonitor
	Foreground monitors.ForegroundMonitor
	Metrics    monitors.MetricsSampler
	Lifecycle  monitors.SessionLifecycleMonitor
	Idle       monitors.IdleProbe
}

// Orchestrator owns and wires every component named in spec section 2.
type Orchestrator struct {
	log          logger.Logger
	clock        clock.Clock
	cfgStore     *config.Store
	httpClient   *httpclient.Client
	appCache     *appcache.Cache
	sync         *syncmanager.Manager
	machine      *statemachine.Machine
	batcher      *batcher.Batcher
	monitors     Monitors
	fingerprint  fingerprint.Provider
	username     string

	mu              sync.Mutex
	currentUsageID  string
	currentAfkID    string
	sessionDate     time.Time
	metricsTicker   clock.Ticker
	rolloverTicker  clock.Ticker
	idleTicker      clock.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// idlePollInterval bounds how often the idle probe is sampled; independent
// of IdleTimeThreshold, which is the duration that triggers the AFK transition.
const idlePollInterval = 5 * time.Second

// New constructs an Orchestrator. The Batcher is wired separately via
// SetBatcher because the Batcher's constructor requires a Sink and the
// Orchestrator itself is that Sink - SetBatcher breaks the cycle.
// Call Start to bring the agent up.
func New(log logger.Logger, c clock.Clock, cfgStore *config.Store, httpClient *httpclient.Client, appCache *appcache.Cache, sync *syncmanager.Manager, machine *statemachine.Machine, mons Monitors, fp fingerprint.Provider) *Orchestrator {
	o := &Orchestrator{
		log:         log,
		clock:       c,
		cfgStore:    cfgStore,
		httpClient:  httpClient,
		appCache:    appCache,
		sync:        sync,
		machine:     machine,
		monitors:    mons,
		fingerprint: fp,
		stopCh:      make(chan struct{}),
	}
	return o
}

// SetBatcher installs the Batcher built with this Orchestrator as its Sink.
// Must be called before Start.
func (o *Orchestrator) SetBatcher(b *batcher.Batcher) { o.batcher = b }

// Start loads config, registers the machine if unknown, authenticates,
// initializes components, and opens today's session.
func (o *Orchestrator) Start(ctx context.Context) error {
	settings := o.cfgStore.Current()
	o.username = resolveUsername(settings)

	machineID := settings.MachineID
	if machineID == "" {
		machineID = o.fingerprint.MachineID()
		if err := o.cfgStore.SetMachineID(machineID); err != nil {
			o.log.Warn("failed to persist generated machine id", "error", err)
		}
	}

	if err := o.httpClient.RegisterMachine(ctx, httpclient.RegisterMachineRequest{
		MachineID: machineID,
		Hostname:  hostnameOrUnknown(),
		OS:        osName(),
	}); err != nil {
		o.log.Warn("machine registration failed, continuing - the server may already know this machine", "error", err)
	}

	if _, err := o.httpClient.ObtainServiceToken(ctx, machineID); err != nil {
		o.log.Error("failed to obtain service token, starting offline", "error", err)
	}

	o.cfgStore.Subscribe(o.onConfigChanged)

	o.machine.OnStateChanged(func(old, next statemachine.State) {
		o.log.Info("orchestrator observed state change", "from", old.String(), "to", next.String())
	})
	o.machine.Start()
	o.sync.Start()
	o.batcher.Start()

	if err := o.startMonitors(); err != nil {
		o.log.Warn("one or more monitors failed to start", "error", err)
	}

	now := o.clock.Now()
	o.openSessionForDate(ctx, now, "")

	o.startMetricsSampling(settings)
	o.startIdlePolling()
	o.startDayRolloverTimer()

	return nil
}

// Stop shuts every component down in reverse dependency order, bounded in
// time even if an HTTP call is in flight.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	if o.rolloverTicker != nil {
		o.rolloverTicker.Stop()
	}
	if o.metricsTicker != nil {
		o.metricsTicker.Stop()
	}
	if o.idleTicker != nil {
		o.idleTicker.Stop()
	}
	o.wg.Wait()

	o.stopMonitors()
	o.batcher.Stop()
	o.machine.Stop()
	o.sync.Stop()
}

func (o *Orchestrator) startMonitors() error {
	settings := o.cfgStore.Current()

	if settings.TrackKeyboardMouse && o.monitors.Input != nil {
		o.monitors.Input.Subscribe(o.onInputEvent)
		if err := o.monitors.Input.Start(); err != nil {
			return fmt.Errorf("starting input monitor: %w", err)
		}
	}
	if settings.TrackApplications && o.monitors.Foreground != nil {
		o.monitors.Foreground.Subscribe(o.onFocusEvent)
		if err := o.monitors.Foreground.Start(); err != nil {
			return fmt.Errorf("starting foreground monitor: %w", err)
		}
	}
	if o.monitors.Lifecycle != nil {
		o.monitors.Lifecycle.Subscribe(o.onLifecycleEvent)
		if err := o.monitors.Lifecycle.Start(); err != nil {
			return fmt.Errorf("starting lifecycle monitor: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) stopMonitors() {
	if o.monitors.Input != nil {
		_ = o.monitors.Input.Stop()
	}
	if o.monitors.Foreground != nil {
		_ = o.monitors.Foreground.Stop()
	}
	if o.monitors.Lifecycle != nil {
		_ = o.monitors.Lifecycle.Stop()
	}
}

// --- Batcher -> telemetry translation -------------------------------------------------

func (o *Orchestrator) onInputEvent(ev monitors.InputEvent) {
	switch ev.Kind {
	case monitors.InputMouseMove:
		o.batcher.OnMouseMove(ev.X, ev.Y)
	case monitors.InputMouseClick:
		o.batcher.OnMouseClick(ev.X, ev.Y)
	case monitors.InputKeyPress:
		o.batcher.OnKeyPress()
	}
}

func (o *Orchestrator) onFocusEvent(ev monitors.FocusEvent) {
	o.batcher.OnFocusChange(ev.AppName, ev.WindowTitle, ev.ExecutablePath)
}

// OnMouse implements batcher.Sink.
func (o *Orchestrator) OnMouse(out batcher.MouseOutput) {
	sid := o.machine.CurrentSessionID()
	if sid == "" {
		return
	}
	last := out.Positions[len(out.Positions)-1]
	o.sync.EnqueueActivityEvent(sid, model.ActivityEvent{
		SessionID: sid,
		EventType: model.ActivityMouseMove,
		EventTime: o.clock.Now(),
		EventData: map[string]interface{}{"count": len(out.Positions), "x": last.X, "y": last.Y},
	})
	if out.ClickCount > 0 {
		o.sync.EnqueueActivityEvent(sid, model.ActivityEvent{
			SessionID: sid,
			EventType: model.ActivityMouseClick,
			EventTime: o.clock.Now(),
			EventData: map[string]interface{}{"count": out.ClickCount},
		})
	}
}

// OnKeyboard implements batcher.Sink.
func (o *Orchestrator) OnKeyboard(out batcher.KeyboardOutput) {
	sid := o.machine.CurrentSessionID()
	if sid == "" {
		return
	}
	o.sync.EnqueueActivityEvent(sid, model.ActivityEvent{
		SessionID: sid,
		EventType: model.ActivityKeyboard,
		EventTime: o.clock.Now(),
		EventData: map[string]interface{}{"count": out.Count},
	})
}

// OnFocus implements batcher.Sink: a focus change both emits an ActivityEvent
// and closes/opens AppUsage intervals per spec section 4.6.
func (o *Orchestrator) OnFocus(out batcher.FocusOutput) {
	sid := o.machine.CurrentSessionID()
	if sid == "" {
		return
	}
	now := o.clock.Now()

	o.sync.EnqueueActivityEvent(sid, model.ActivityEvent{
		SessionID: sid,
		EventType: model.ActivityAppFocus,
		EventTime: now,
		EventData: map[string]interface{}{
			"app_name":        out.AppName,
			"window_title":    out.WindowTitle,
			"executable_path": out.ExecutablePath,
			"focus_changes":   out.FocusChanges,
		},
	})

	appID, err := o.appCache.RegisterApplication(context.Background(), out.AppName, out.ExecutablePath)
	if err != nil {
		o.log.Warn("failed to resolve app id for focus change", "error", err)
	}

	o.mu.Lock()
	prevUsageID := o.currentUsageID
	o.mu.Unlock()

	if prevUsageID != "" {
		o.sync.EnqueueAppUsageEnd(sid, prevUsageID, now)
	}
	newUsageID := o.sync.EnqueueAppUsageStart(sid, appID, out.WindowTitle, now)

	o.mu.Lock()
	o.currentUsageID = newUsageID
	o.mu.Unlock()
}

// --- State machine side effects (statemachine.SideEffects) -------------------------

func (o *Orchestrator) RecordSessionEvent(sessionID string, eventType model.SessionEventType, t time.Time, data map[string]interface{}) {
	o.sync.EnqueueSessionEvent(sessionID, eventType, t, data)
}

func (o *Orchestrator) StartAfk(sessionID string, t time.Time) {
	afkID := o.sync.EnqueueAfkStart(sessionID, t)
	o.mu.Lock()
	o.currentAfkID = afkID
	o.mu.Unlock()
}

func (o *Orchestrator) EndAfk(sessionID string, t time.Time) {
	o.mu.Lock()
	afkID := o.currentAfkID
	o.currentAfkID = ""
	o.mu.Unlock()
	if afkID != "" {
		o.sync.EnqueueAfkEnd(sessionID, afkID, t)
	}
}

func (o *Orchestrator) EndAppUsage(sessionID string, t time.Time) {
	o.mu.Lock()
	usageID := o.currentUsageID
	o.currentUsageID = ""
	o.mu.Unlock()
	if usageID != "" {
		o.sync.EnqueueAppUsageEnd(sessionID, usageID, t)
	}
}

// --- OS session lifecycle -> state machine translation ----------------------------

func (o *Orchestrator) onLifecycleEvent(ev monitors.SessionLifecycleEvent) {
	sid := o.machine.CurrentSessionID()

	switch ev.Kind {
	case monitors.LifecycleLock:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventSystemSuspending, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleUnlock:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventSystemResuming, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleLogout:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleRemoteDisconnect:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventConnectionLost, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleRemoteConnect:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventConnectionRestored, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleSwitchUser:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: sid, Time: ev.Time})
	case monitors.LifecycleLogin:
		// handled by Start()/day-rollover opening a fresh session
	}
}

// --- session acquisition + day rollover ------------------------------------------

func (o *Orchestrator) openSessionForDate(ctx context.Context, when time.Time, continuedFrom string) {
	settings := o.cfgStore.Current()

	res, _ := o.sync.CreateOrReopenSession(ctx, syncmanager.CreateSessionArgs{
		Username:        o.username,
		MachineID:       settings.MachineID,
		IsRemote:        false,
		ContinuedFromID: continuedFrom,
	})

	o.mu.Lock()
	o.sessionDate = truncateToDate(when)
	o.mu.Unlock()

	o.machine.Fire(statemachine.Event{Kind: statemachine.EventSessionStarted, SessionID: res.SessionID, Time: res.LoginTime})
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startDayRolloverTimer checks the wall-clock date hourly; on a date change
// it ends the current session at 23:59:59.999 of the previous date and
// opens a new one with continued_from_session set. The new session's login
// time is the one CreateOrReopenSession returns (the server's, or the local
// clock when offline); it is not set to 00:00:00.000 of the new date.
func (o *Orchestrator) startDayRolloverTimer() {
	o.rolloverTicker = o.clock.NewTicker(time.Hour)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.rolloverTicker.C():
				o.checkDayRollover()
			case <-o.stopCh:
				return
			}
		}
	}()
}

func (o *Orchestrator) checkDayRollover() {
	now := o.clock.Now()

	o.mu.Lock()
	sessionDate := o.sessionDate
	o.mu.Unlock()

	today := truncateToDate(now)
	if !today.After(sessionDate) {
		return
	}

	prevSessionID := o.machine.CurrentSessionID()
	endOfPrevDay := sessionDate.Add(24*time.Hour - time.Millisecond)

	o.machine.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: prevSessionID, Time: endOfPrevDay})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	o.openSessionForDate(ctx, today, prevSessionID)
}

// --- config live-reload ------------------------------------------------------------

func (o *Orchestrator) onConfigChanged(s config.Settings) {
	o.log.Info("applying updated configuration",
		"data_send_interval_ms", s.DataSendIntervalMs,
		"idle_threshold_ms", s.IdleTimeThresholdMs,
	)
	// Tracking toggles are re-read by startMonitors only at Start; live
	// enable/disable of already-running monitors is delegated to the
	// concrete monitor implementations (out of core scope per spec 4's
	// OS Monitors being interfaces only).
}

func (o *Orchestrator) startMetricsSampling(settings config.Settings) {
	if !settings.TrackSystemMetrics || o.monitors.Metrics == nil {
		return
	}
	o.metricsTicker = o.clock.NewTicker(time.Minute)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.metricsTicker.C():
				o.sampleMetrics()
			case <-o.stopCh:
				return
			}
		}
	}()
}

func (o *Orchestrator) sampleMetrics() {
	sid := o.machine.CurrentSessionID()
	if sid == "" {
		return
	}
	sample, err := o.monitors.Metrics.Sample()
	if err != nil {
		o.log.Warn("system metrics sample failed", "error", err)
		return
	}
	o.sync.EnqueueSystemMetrics(sid, model.SystemMetricsSample{
		SessionID:       sid,
		CPUUsage:        sample.CPUUsage,
		GPUUsage:        sample.GPUUsage,
		MemoryUsage:     sample.MemoryUsage,
		MeasurementTime: sample.Time,
	})
}

// startIdlePolling samples the idle probe and fires user_went_afk/
// user_returned against the state machine by comparing against the
// configured IdleTimeThreshold. Polling interval is fixed; the threshold
// itself is re-read from the Config Store on every tick so a live config
// change takes effect without a restart.
func (o *Orchestrator) startIdlePolling() {
	if o.monitors.Idle == nil {
		return
	}
	o.idleTicker = o.clock.NewTicker(idlePollInterval)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.idleTicker.C():
				o.checkIdle()
			case <-o.stopCh:
				return
			}
		}
	}()
}

func (o *Orchestrator) checkIdle() {
	sid := o.machine.CurrentSessionID()
	if sid == "" {
		return
	}
	idleFor, err := o.monitors.Idle.IdleDuration()
	if err != nil {
		o.log.Warn("idle probe failed", "error", err)
		return
	}

	threshold := o.cfgStore.Current().IdleTimeThreshold()
	now := o.clock.Now()
	state := o.machine.State()

	switch {
	case state == statemachine.Active && idleFor >= threshold:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventUserWentAfk, SessionID: sid, Time: now})
	case state == statemachine.AFK && idleFor < threshold:
		o.machine.Fire(statemachine.Event{Kind: statemachine.EventUserReturned, SessionID: sid, Time: now})
	}
}

func resolveUsername(s config.Settings) string {
	if s.MultiUserMode {
		if u, err := os.Hostname(); err == nil {
			return u
		}
	}
	if s.DefaultUsername != "" {
		return s.DefaultUsername
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func osName() string { return runtime.GOOS }
