/**
 * CONTEXT:   Core data model shared by every component of the activity agent
 * INPUT:     N/A - pure type definitions
 * OUTPUT:    Session, event, interval and telemetry types with JSON wire tags
 * BUSINESS:  One shared vocabulary prevents drift between state machine, batcher and sync manager
 * CHANGE:    Initial data model
 * RISK:      Low - types only, no behavior
 */

package model

import "time"

// TimeLayout is the ISO-8601-with-milliseconds layout used on the wire and in logs.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SessionEventType enumerates the lifecycle events that can be recorded against a session.
type SessionEventType string

const (
	SessionEventLogin             SessionEventType = "login"
	SessionEventLogout            SessionEventType = "logout"
	SessionEventLock              SessionEventType = "lock"
	SessionEventUnlock            SessionEventType = "unlock"
	SessionEventRemoteConnect     SessionEventType = "remote_connect"
	SessionEventRemoteDisconnect  SessionEventType = "remote_disconnect"
	SessionEventSwitchUser        SessionEventType = "switch_user"
	SessionEventStateChange       SessionEventType = "state_change"
)

// ActivityEventType enumerates the batched or direct activity observations.
type ActivityEventType string

const (
	ActivityMouseClick ActivityEventType = "mouse_click"
	ActivityMouseMove  ActivityEventType = "mouse_move"
	ActivityKeyboard   ActivityEventType = "keyboard"
	ActivityAppFocus   ActivityEventType = "app_focus"
	ActivityAppUnfocus ActivityEventType = "app_unfocus"
	ActivityAfkStart   ActivityEventType = "afk_start"
	ActivityAfkEnd     ActivityEventType = "afk_end"
	ActivitySystemAlert ActivityEventType = "system_alert"
)

// Session represents one logical workday on one machine for one user.
//
// Invariant: within a process instance there is at most one current session;
// a session is active iff LogoutTime is unset.
type Session struct {
	SessionID             string     `json:"session_id"`
	UserID                string     `json:"user_id"`
	MachineID             string     `json:"machine_id"`
	LoginTime             time.Time  `json:"login_time"`
	LogoutTime            *time.Time `json:"logout_time,omitempty"`
	IPAddress             string     `json:"ip_address,omitempty"`
	SessionData           map[string]interface{} `json:"session_data,omitempty"`
	ContinuedFromSession  string     `json:"continued_from_session,omitempty"`
	ContinuedBySession    string     `json:"continued_by_session,omitempty"`
	IsRemote              bool       `json:"is_remote"`
}

// IsActive reports whether the session has not yet been closed.
func (s *Session) IsActive() bool {
	return s != nil && s.LogoutTime == nil
}

// SessionEvent is a lifecycle event belonging to a session.
type SessionEvent struct {
	SessionID string                 `json:"session_id"`
	EventType SessionEventType       `json:"event_type"`
	EventTime time.Time              `json:"event_time"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// ActivityEvent is a batched or direct activity observation.
type ActivityEvent struct {
	SessionID string                 `json:"session_id"`
	AppID     string                 `json:"app_id,omitempty"`
	EventType ActivityEventType      `json:"event_type"`
	EventTime time.Time              `json:"event_time"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// AppUsageInterval is a continuous focus interval of one application.
//
// Invariant per session: at most one interval is active at any instant;
// starting a new one closes the prior one at the same StartTime.
type AppUsageInterval struct {
	UsageID     string     `json:"usage_id"`
	SessionID   string     `json:"session_id"`
	AppID       string     `json:"app_id"`
	WindowTitle string     `json:"window_title"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// IsActive reports whether the interval has not yet been closed.
func (u *AppUsageInterval) IsActive() bool {
	return u != nil && u.EndTime == nil
}

// DurationSeconds returns the interval's duration as of now if still active,
// or its final duration once closed.
func (u *AppUsageInterval) DurationSeconds(now time.Time) float64 {
	if u == nil {
		return 0
	}
	end := now
	if u.EndTime != nil {
		end = *u.EndTime
	}
	return end.Sub(u.StartTime).Seconds()
}

// AfkPeriod is a continuous away-from-keyboard interval.
//
// Invariant per session: at most one active AFK period at any instant.
type AfkPeriod struct {
	AfkID     string     `json:"afk_id"`
	SessionID string     `json:"session_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// IsActive reports whether the AFK period has not yet been closed.
func (a *AfkPeriod) IsActive() bool {
	return a != nil && a.EndTime == nil
}

// SystemMetricsSample is a single CPU/GPU/RAM measurement.
type SystemMetricsSample struct {
	SessionID       string    `json:"session_id"`
	CPUUsage        float64   `json:"cpu_usage"`
	GPUUsage        float64   `json:"gpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	MeasurementTime time.Time `json:"measurement_time"`
}

// ApplicationRecord is the server-owned, locally cached application identity.
//
// Uniqueness key for lookup is AppPath normalized to lowercase native separators.
type ApplicationRecord struct {
	AppID           string `json:"id"`
	AppName         string `json:"name"`
	AppPath         string `json:"path"`
	AppHash         string `json:"hash,omitempty"`
	IsRestricted    bool   `json:"is_restricted"`
	TrackingEnabled bool   `json:"tracking_enabled"`
}

// TelemetryType tags the payload carried by a QueuedTelemetryItem.
// It is a closed set: the sync manager's flush switch must handle every case.
type TelemetryType string

const (
	TelemetrySessionEvent  TelemetryType = "SessionEvent"
	TelemetryActivityEvent TelemetryType = "ActivityEvent"
	TelemetryAppUsage      TelemetryType = "AppUsage"
	TelemetrySystemMetrics TelemetryType = "SystemMetrics"
	TelemetryAfkPeriod     TelemetryType = "AfkPeriod"
)

// QueuedTelemetryItem is one record waiting in the Sync Manager's queue.
type QueuedTelemetryItem struct {
	Type       TelemetryType `json:"type"`
	SessionID  string        `json:"session_id"`
	Payload    interface{}   `json:"payload"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	RetryCount int           `json:"retry_count"`
}

// AppUsagePayload is the payload shape for QueuedTelemetryItem of type AppUsage.
// Action is "start" or "end"; UsageID is required for "end".
type AppUsagePayload struct {
	Action      string    `json:"action"`
	UsageID     string    `json:"usage_id,omitempty"`
	AppID       string    `json:"app_id,omitempty"`
	WindowTitle string    `json:"window_title,omitempty"`
	Time        time.Time `json:"time"`
}

// AfkPayload is the payload shape for QueuedTelemetryItem of type AfkPeriod.
// Action is "start" or "end".
type AfkPayload struct {
	Action string    `json:"action"`
	AfkID  string    `json:"afk_id,omitempty"`
	Time   time.Time `json:"time"`
}
