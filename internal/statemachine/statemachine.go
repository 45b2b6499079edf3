/**
 * CONTEXT:   Session State Machine: Inactive/Active/AFK/Suspended/Reconnecting/Ending
 * INPUT:     Lifecycle events serialized through a single queue
 * OUTPUT:    state_changed and session_closed signals; AFK/app-usage interval side effects
 * BUSINESS:  Transitions are atomic - side effects for one complete before the next is evaluated
 * CHANGE:    Initial implementation
 * RISK:      High - every telemetry path and session boundary depends on this being correct
 */

package statemachine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
)

// State is one of the six states named in spec section 4.4.
type State int

const (
	Inactive State = iota
	Active
	AFK
	Suspended
	Reconnecting
	Ending
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Active:
		return "Active"
	case AFK:
		return "AFK"
	case Suspended:
		return "Suspended"
	case Reconnecting:
		return "Reconnecting"
	case Ending:
		return "Ending"
	default:
		return "Unknown"
	}
}

// EventKind is one of the events the machine reacts to. Unknown events in a
// state are ignored, never an error, so this is an open set at the Go level
// (a switch default simply does nothing).
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventUserWentAfk
	EventUserReturned
	EventSystemSuspending
	EventSystemResuming
	EventConnectionLost
	EventConnectionRestored
	EventSessionEnded
)

// Event is one input to the machine's transition queue.
type Event struct {
	Kind      EventKind
	SessionID string
	Time      time.Time
}

// SessionCloser is the collaborator the machine uses to close a session on
// the server when transitioning through Ending. Implemented by the Sync
// Manager's HTTP-backed session operations.
type SessionCloser interface {
	EndSession(ctx context.Context, sessionID string, endTime time.Time) error
}

// SideEffects is the narrow set of telemetry side effects the machine emits
// as it transitions. Implemented by the Orchestrator, which enqueues them on
// the Sync Manager, so these side effects never talk to transport directly.
type SideEffects interface {
	RecordSessionEvent(sessionID string, eventType model.SessionEventType, t time.Time, data map[string]interface{})
	StartAfk(sessionID string, t time.Time)
	EndAfk(sessionID string, t time.Time)
	EndAppUsage(sessionID string, t time.Time)
}

// StateChangedObserver is called synchronously, in transition order, after
// every transition completes.
type StateChangedObserver func(old, new State)

// SessionClosedObserver is called synchronously when a session finishes closing.
type SessionClosedObserver func(sessionID string)

// Machine is the Session State Machine. All external signals are serialized
// through a single internal queue so that side effects for one transition
// complete before the next is evaluated.
type Machine struct {
	log    logger.Logger
	closer SessionCloser
	fx     SideEffects

	state            atomic.Int32 // State, read concurrently by State()
	currentSessionID string

	stateObservers   []StateChangedObserver
	closedObservers  []SessionClosedObserver

	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Machine in the Inactive state. fx may be nil at construction
// time if the SideEffects implementation itself depends on the Machine (the
// Orchestrator does); call SetSideEffects before Start in that case.
func New(closer SessionCloser, fx SideEffects, log logger.Logger) *Machine {
	return &Machine{
		log:    log,
		closer: closer,
		fx:     fx,
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetSideEffects installs fx after construction, breaking the construction
// cycle between the Machine and an Orchestrator-shaped SideEffects. Must be
// called before Start.
func (m *Machine) SetSideEffects(fx SideEffects) { m.fx = fx }

// OnStateChanged subscribes an observer. Call before Start to avoid missing
// the first transition.
func (m *Machine) OnStateChanged(fn StateChangedObserver) { m.stateObservers = append(m.stateObservers, fn) }

// OnSessionClosed subscribes an observer.
func (m *Machine) OnSessionClosed(fn SessionClosedObserver) { m.closedObservers = append(m.closedObservers, fn) }

// Start begins draining the transition queue in its own goroutine.
func (m *Machine) Start() {
	go func() {
		defer close(m.doneCh)
		for {
			select {
			case ev := <-m.events:
				m.apply(ev)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop disables the queue drain. Idempotent; returns once the goroutine has
// exited, so no further signals are observed from this machine after Stop returns.
func (m *Machine) Stop() {
	select {
	case <-m.stopCh:
		return // already stopped
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

// Fire enqueues an event for serialized processing. Safe to call from any
// goroutine; never blocks the caller on side effects.
func (m *Machine) Fire(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stopCh:
	}
}

// State returns the current state. Safe to call concurrently: State is only
// ever mutated from the single internal drain goroutine, and reads here are
// advisory (a caller observing a state is never guaranteed it still holds by
// the time it acts on it - callers needing synchronous certainty should
// instead react to OnStateChanged).
func (m *Machine) State() State { return State(m.state.Load()) }

// CurrentSessionID returns the session id set on entry to Active from
// Inactive, cleared on entry to Inactive from Ending.
func (m *Machine) CurrentSessionID() string { return m.currentSessionID }

func (m *Machine) apply(ev Event) {
	old := State(m.state.Load())
	next, handled := m.transition(old, ev)
	if !handled {
		m.log.Debug("ignoring event not permitted in current state", "state", old.String(), "event", ev.Kind)
		return
	}
	if next == old {
		return
	}

	m.state.Store(int32(next))
	m.log.Info("state transition", "from", old.String(), "to", next.String(), "session_id", ev.SessionID)

	for _, obs := range m.stateObservers {
		obs(old, next)
	}

	if next == Ending {
		m.handleEnding(ev)
	}
}

// transition implements the table in spec section 4.4, running side effects
// before returning so that, combined with Fire's single-goroutine queue,
// each transition's side effects complete before the next begins.
func (m *Machine) transition(old State, ev Event) (State, bool) {
	switch ev.Kind {
	case EventSessionStarted:
		if old != Inactive {
			return old, false
		}
		m.currentSessionID = ev.SessionID
		m.fx.RecordSessionEvent(ev.SessionID, model.SessionEventLogin, ev.Time, nil)
		return Active, true

	case EventUserWentAfk:
		if old != Active {
			return old, false
		}
		m.fx.EndAppUsage(ev.SessionID, ev.Time)
		m.fx.StartAfk(ev.SessionID, ev.Time)
		return AFK, true

	case EventUserReturned:
		if old != AFK {
			return old, false
		}
		m.fx.EndAfk(ev.SessionID, ev.Time)
		return Active, true

	case EventSystemSuspending:
		if old != Active && old != AFK {
			return old, false
		}
		m.fx.RecordSessionEvent(ev.SessionID, model.SessionEventLock, ev.Time, map[string]interface{}{"state_change": "lock"})
		return Suspended, true

	case EventSystemResuming:
		if old != Suspended {
			return old, false
		}
		m.fx.RecordSessionEvent(ev.SessionID, model.SessionEventUnlock, ev.Time, map[string]interface{}{"state_change": "unlock"})
		return Active, true

	case EventConnectionLost:
		if old != Active && old != AFK && old != Suspended {
			return old, false
		}
		return Reconnecting, true

	case EventConnectionRestored:
		if old != Reconnecting {
			return old, false
		}
		return Active, true

	case EventSessionEnded:
		if old != Active && old != AFK && old != Suspended && old != Reconnecting {
			return old, false
		}
		return Ending, true

	default:
		return old, false
	}
}

// handleEnding runs the Ending->Inactive automatic transition: close the
// session via HTTP, emit session_closed, clear current_session_id, then
// re-enter Inactive.
func (m *Machine) handleEnding(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.closer.EndSession(ctx, ev.SessionID, ev.Time); err != nil {
		m.log.Warn("failed to close session on server", "session_id", ev.SessionID, "error", err)
	}

	for _, obs := range m.closedObservers {
		obs(ev.SessionID)
	}

	old := State(m.state.Load())
	m.currentSessionID = ""
	m.state.Store(int32(Inactive))
	m.log.Info("state transition", "from", old.String(), "to", Inactive.String(), "session_id", ev.SessionID)
	for _, obs := range m.stateObservers {
		obs(old, Inactive)
	}
}
