package statemachine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
	"github.com/claude-monitor/activity-agent/internal/statemachine"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
	err    error
}

func (f *fakeCloser) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return f.err
}

type fakeEffects struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEffects) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
}

func (f *fakeEffects) RecordSessionEvent(sessionID string, eventType model.SessionEventType, t time.Time, data map[string]interface{}) {
	f.record("session_event:" + string(eventType))
}
func (f *fakeEffects) StartAfk(sessionID string, t time.Time)    { f.record("afk_start") }
func (f *fakeEffects) EndAfk(sessionID string, t time.Time)      { f.record("afk_end") }
func (f *fakeEffects) EndAppUsage(sessionID string, t time.Time) { f.record("app_usage_end") }

func (f *fakeEffects) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

// newTestMachine returns a running Machine plus a channel that receives
// every (old, new) transition, letting tests wait for Fire's async effect
// instead of sleeping.
func newTestMachine(t *testing.T) (*statemachine.Machine, *fakeCloser, *fakeEffects, chan [2]statemachine.State) {
	t.Helper()
	closer := &fakeCloser{}
	fx := &fakeEffects{}
	log := logger.New("test", logger.LevelFatal)
	m := statemachine.New(closer, fx, log)

	transitions := make(chan [2]statemachine.State, 16)
	m.OnStateChanged(func(old, next statemachine.State) {
		transitions <- [2]statemachine.State{old, next}
	})
	m.Start()
	t.Cleanup(m.Stop)

	return m, closer, fx, transitions
}

func waitTransition(t *testing.T, ch chan [2]statemachine.State) [2]statemachine.State {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
		return [2]statemachine.State{}
	}
}

func TestFullLifecycle(t *testing.T) {
	m, closer, fx, transitions := newTestMachine(t)

	m.Fire(statemachine.Event{Kind: statemachine.EventSessionStarted, SessionID: "s1", Time: time.Now()})
	tr := waitTransition(t, transitions)
	assert.Equal(t, statemachine.Inactive, tr[0])
	assert.Equal(t, statemachine.Active, tr[1])
	assert.Equal(t, statemachine.Active, m.State())
	assert.Equal(t, "s1", m.CurrentSessionID())

	m.Fire(statemachine.Event{Kind: statemachine.EventUserWentAfk, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.AFK, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventUserReturned, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Active, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventSystemSuspending, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Suspended, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventSystemResuming, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Active, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventConnectionLost, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Reconnecting, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventConnectionRestored, SessionID: "s1", Time: time.Now()})
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Active, tr[1])

	m.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: "s1", Time: time.Now()})
	// Ending->Inactive is automatic, so two transitions land in the channel.
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Ending, tr[1])
	tr = waitTransition(t, transitions)
	assert.Equal(t, statemachine.Inactive, tr[1])
	assert.Equal(t, "", m.CurrentSessionID())

	require.Contains(t, closer.closed, "s1")
	assert.Contains(t, fx.snapshot(), "session_event:login")
	assert.Contains(t, fx.snapshot(), "afk_start")
	assert.Contains(t, fx.snapshot(), "afk_end")
	assert.Contains(t, fx.snapshot(), "app_usage_end")
}

func TestInvalidTransitionIgnored(t *testing.T) {
	m, _, _, transitions := newTestMachine(t)

	// AFK is only reachable from Active; firing it from Inactive must be a no-op.
	m.Fire(statemachine.Event{Kind: statemachine.EventUserWentAfk, SessionID: "s1", Time: time.Now()})

	// Confirm no transition arrives and state is unchanged by following it
	// with a real transition: the queue is drained in order, so the first
	// transition observed must start from Inactive.
	m.Fire(statemachine.Event{Kind: statemachine.EventSessionStarted, SessionID: "s1", Time: time.Now()})
	tr := waitTransition(t, transitions)
	assert.Equal(t, statemachine.Inactive, tr[0])
	assert.Equal(t, statemachine.Active, tr[1])

	select {
	case extra := <-transitions:
		t.Fatalf("unexpected extra transition: %+v", extra)
	default:
	}
}

func TestSessionEndedOnlyValidFromActiveLikeStates(t *testing.T) {
	m, _, _, transitions := newTestMachine(t)

	// Inactive -> EventSessionEnded is not in the transition table.
	m.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: "s1", Time: time.Now()})

	// Prove the machine is still usable and in Inactive by starting a session.
	m.Fire(statemachine.Event{Kind: statemachine.EventSessionStarted, SessionID: "s1", Time: time.Now()})
	tr := waitTransition(t, transitions)
	assert.Equal(t, statemachine.Inactive, tr[0])
	assert.Equal(t, statemachine.Active, tr[1])
}

func TestCloserErrorStillReturnsToInactive(t *testing.T) {
	closer := &fakeCloser{err: assert.AnError}
	fx := &fakeEffects{}
	log := logger.New("test", logger.LevelFatal)
	m := statemachine.New(closer, fx, log)

	transitions := make(chan [2]statemachine.State, 16)
	m.OnStateChanged(func(old, next statemachine.State) {
		transitions <- [2]statemachine.State{old, next}
	})
	m.Start()
	defer m.Stop()

	m.Fire(statemachine.Event{Kind: statemachine.EventSessionStarted, SessionID: "s1", Time: time.Now()})
	waitTransition(t, transitions)

	m.Fire(statemachine.Event{Kind: statemachine.EventSessionEnded, SessionID: "s1", Time: time.Now()})
	waitTransition(t, transitions) // Active -> Ending
	tr := waitTransition(t, transitions) // Ending -> Inactive, despite the closer error
	assert.Equal(t, statemachine.Inactive, tr[1])
}
