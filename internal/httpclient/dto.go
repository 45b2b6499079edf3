/**
 * CONTEXT:   Wire DTOs for the central service's JSON API
 * INPUT:     N/A - type definitions only
 * OUTPUT:    Request/response shapes matching spec section 6
 * BUSINESS:  Any of the three batch arrays MAY be omitted; server accepts partial envelopes
 * CHANGE:    Initial DTO set
 * RISK:      Low - types only
 */

package httpclient

import (
	"time"

	"github.com/claude-monitor/activity-agent/internal/model"
)

// errorEnvelope is the shape of a failed response body per spec section 6.
type errorEnvelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ServiceTokenRequest is the body of POST auth/service-token.
type ServiceTokenRequest struct {
	MachineID string `json:"machine_id"`
	Secret    string `json:"secret,omitempty"`
}

// TokenResponse is returned by both auth/service-token and auth/refresh.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RefreshRequest is the body of POST auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// CreateSessionRequest is the body of POST sessions.
type CreateSessionRequest struct {
	Username           string                 `json:"username"`
	MachineID          string                 `json:"machine_id"`
	IPAddress          string                 `json:"ip_address,omitempty"`
	IsRemote           bool                   `json:"is_remote"`
	TerminalSessionID  string                 `json:"terminal_session_id,omitempty"`
	SessionData        map[string]interface{} `json:"session_data,omitempty"`
	ContinuedFromID    string                 `json:"continued_from_session,omitempty"`
}

// SessionResponse is returned by session creation and active-session lookup.
type SessionResponse struct {
	SessionID  string     `json:"session_id"`
	LoginTime  time.Time  `json:"login_time"`
	LogoutTime *time.Time `json:"logout_time,omitempty"`
}

// SessionBatchRequest is the mixed batch envelope for POST sessions/{id}/batch.
// Any field MAY be nil/empty; the server accepts partial envelopes.
type SessionBatchRequest struct {
	SessionID      string                  `json:"session_id"`
	SessionEvents  []sessionEventDTO       `json:"session_events,omitempty"`
	ActivityEvents []activityEventDTO      `json:"activity_events,omitempty"`
	SystemMetrics  []systemMetricsDTO      `json:"system_metrics,omitempty"`
}

type sessionEventDTO struct {
	EventType model.SessionEventType `json:"event_type"`
	EventTime time.Time              `json:"event_time"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

type activityEventDTO struct {
	AppID     string                  `json:"app_id,omitempty"`
	EventType model.ActivityEventType `json:"event_type"`
	EventTime time.Time               `json:"event_time"`
	EventData map[string]interface{}  `json:"event_data,omitempty"`
}

type systemMetricsDTO struct {
	CPUUsage        float64   `json:"cpu_usage"`
	GPUUsage        float64   `json:"gpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	MeasurementTime time.Time `json:"measurement_time"`
}

func toSessionEventDTO(e model.SessionEvent) sessionEventDTO {
	return sessionEventDTO{EventType: e.EventType, EventTime: e.EventTime, EventData: e.EventData}
}

func toActivityEventDTO(e model.ActivityEvent) activityEventDTO {
	return activityEventDTO{AppID: e.AppID, EventType: e.EventType, EventTime: e.EventTime, EventData: e.EventData}
}

func toSystemMetricsDTO(m model.SystemMetricsSample) systemMetricsDTO {
	return systemMetricsDTO{
		CPUUsage:        m.CPUUsage,
		GPUUsage:        m.GPUUsage,
		MemoryUsage:     m.MemoryUsage,
		MeasurementTime: m.MeasurementTime,
	}
}

// AppUsageStartRequest is the body of POST app-usages. UsageID is
// client-generated so the caller never has to learn a server-issued id for
// an interval it already started tracking locally.
type AppUsageStartRequest struct {
	SessionID   string    `json:"session_id"`
	UsageID     string    `json:"usage_id"`
	AppID       string    `json:"app_id"`
	WindowTitle string    `json:"window_title"`
	StartTime   time.Time `json:"start_time"`
}

// AppUsageResponse is returned by app-usages and app-usages/{id}/end.
type AppUsageResponse struct {
	UsageID string `json:"usage_id"`
}

// AfkStartRequest is the body of POST sessions/{id}/afk/start. AfkID is
// client-generated, for the same reason as AppUsageStartRequest.UsageID.
type AfkStartRequest struct {
	AfkID     string    `json:"afk_id"`
	StartTime time.Time `json:"start_time"`
}

// AfkResponse is returned by the afk/start and afk/end endpoints.
type AfkResponse struct {
	AfkID string `json:"afk_id"`
}

// DetectApplicationRequest is the body of POST applications/detect.
type DetectApplicationRequest struct {
	AppName string `json:"app_name"`
	AppPath string `json:"app_path"`
}

// ApplicationResponse mirrors model.ApplicationRecord on the wire.
type ApplicationResponse struct {
	AppID           string `json:"id"`
	AppName         string `json:"name"`
	AppPath         string `json:"path"`
	AppHash         string `json:"hash,omitempty"`
	IsRestricted    bool   `json:"is_restricted"`
	TrackingEnabled bool   `json:"tracking_enabled"`
}

// RegisterMachineRequest is the body of POST machines/register.
type RegisterMachineRequest struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
}
