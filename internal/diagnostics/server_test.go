package diagnostics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/statemachine"
)

type fakeStateProvider struct {
	state     statemachine.State
	sessionID string
}

func (f fakeStateProvider) State() statemachine.State { return f.state }
func (f fakeStateProvider) CurrentSessionID() string  { return f.sessionID }

func testLogger() logger.Logger { return logger.New("test", logger.LevelFatal) }

func TestHandleHealthOKWithoutSyncManager(t *testing.T) {
	s := New("127.0.0.1:0", fakeStateProvider{state: statemachine.Active, sessionID: "s1"}, nil, testLogger())

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleStatusReportsMachineState(t *testing.T) {
	s := New("127.0.0.1:0", fakeStateProvider{state: statemachine.AFK, sessionID: "s1"}, nil, testLogger())

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	assert.Equal(t, 200, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AFK", body["state"])
	assert.Equal(t, "s1", body["session_id"])
	assert.NotContains(t, body, "online", "without a sync manager, the online/queue_len fields must be omitted")
}

func TestHandleHealthBaselineOKWithoutSyncManager(t *testing.T) {
	s := New("127.0.0.1:0", fakeStateProvider{state: statemachine.Active}, nil, testLogger())

	// Without a sync manager the handler can't report degraded; confirm the
	// baseline is "ok" so the offline branch (exercised via the Sync Manager
	// in orchestrator-level wiring) is the only path that flips it.
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestRequestCounterIncrements(t *testing.T) {
	s := New("127.0.0.1:0", fakeStateProvider{state: statemachine.Inactive}, nil, testLogger())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	}

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 4, body["requests_total"])
}
