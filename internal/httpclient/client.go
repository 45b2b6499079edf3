/**
 * CONTEXT:   Typed HTTP facade over the central activity-tracking service
 * INPUT:     Base URL, bearer token, typed requests for each endpoint in spec section 4.2
 * OUTPUT:    Typed responses; boolean success is implicit in the returned error
 * BUSINESS:  Every call completes synchronously from the caller's perspective; a stale
 *            token returning 401/403 triggers a token refresh (itself retried with
 *            bounded backoff) + exactly one retry of the call here, never in the Sync Manager
 * CHANGE:    Initial implementation
 * RISK:      Medium - every telemetry path depends on this facade behaving predictably
 */

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/claude-monitor/activity-agent/internal/errs"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
)

// DefaultTimeout bounds every call made through the Client, per spec section 5
// ("implementers SHOULD enforce 5-30s").
const DefaultTimeout = 15 * time.Second

// ProbeTimeout bounds the connectivity probe. It is deliberately shorter than
// DefaultTimeout so a stuck flush cannot starve a probe-driven mode flip.
const ProbeTimeout = 5 * time.Second

// Client is a thread-safe facade over the central service's JSON API.
// The bearer token is guarded by its own lock, independent of any caller lock.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger

	tokenMu      sync.RWMutex
	accessToken  string
	refreshToken string
}

// New creates a Client against baseURL (e.g. "http://host:8080/api").
func New(baseURL string, log logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     log,
	}
}

// SetTokens installs the access/refresh token pair, e.g. after ObtainServiceToken.
func (c *Client) SetTokens(access, refresh string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

func (c *Client) token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// Ping probes GET status/ping with a short bounded timeout. It returns an
// error (never panics) on transport failure, non-2xx or {error:true}.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "status/ping", nil, nil, false)
}

// ObtainServiceToken performs POST auth/service-token (no auth required).
func (c *Client) ObtainServiceToken(ctx context.Context, machineID string) (*TokenResponse, error) {
	var resp TokenResponse
	req := ServiceTokenRequest{MachineID: machineID}
	if err := c.do(ctx, http.MethodPost, "auth/service-token", req, &resp, false); err != nil {
		return nil, err
	}
	c.SetTokens(resp.AccessToken, resp.RefreshToken)
	return &resp, nil
}

// RefreshToken performs POST auth/refresh using the currently held refresh token.
func (c *Client) RefreshToken(ctx context.Context) (*TokenResponse, error) {
	c.tokenMu.RLock()
	rt := c.refreshToken
	c.tokenMu.RUnlock()

	var resp TokenResponse
	req := RefreshRequest{RefreshToken: rt}
	if err := c.do(ctx, http.MethodPost, "auth/refresh", req, &resp, false); err != nil {
		return nil, err
	}
	c.SetTokens(resp.AccessToken, resp.RefreshToken)
	return &resp, nil
}

// RegisterMachine performs POST machines/register (no auth required).
func (c *Client) RegisterMachine(ctx context.Context, req RegisterMachineRequest) error {
	return c.do(ctx, http.MethodPost, "machines/register", req, nil, false)
}

// CreateSession performs POST sessions.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.do(ctx, http.MethodPost, "sessions", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndSession performs POST sessions/{id}/end.
func (c *Client) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	body := map[string]interface{}{"end_time": endTime}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/end", sessionID), body, nil, true)
}

// GetActiveSession performs GET sessions/active?machine_id=...
func (c *Client) GetActiveSession(ctx context.Context, machineID string) (*SessionResponse, error) {
	var resp SessionResponse
	path := "sessions/active?machine_id=" + machineID
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionBatch posts the mixed batch envelope to sessions/{id}/batch.
// sessionEvents/activityEvents/systemMetrics may each be nil or empty.
func (c *Client) SessionBatch(ctx context.Context, sessionID string, sessionEvents []model.SessionEvent, activityEvents []model.ActivityEvent, systemMetrics []model.SystemMetricsSample) error {
	req := SessionBatchRequest{SessionID: sessionID}
	for _, e := range sessionEvents {
		req.SessionEvents = append(req.SessionEvents, toSessionEventDTO(e))
	}
	for _, e := range activityEvents {
		req.ActivityEvents = append(req.ActivityEvents, toActivityEventDTO(e))
	}
	for _, m := range systemMetrics {
		req.SystemMetrics = append(req.SystemMetrics, toSystemMetricsDTO(m))
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/batch", sessionID), req, nil, true)
}

// StartAppUsage performs POST app-usages.
func (c *Client) StartAppUsage(ctx context.Context, req AppUsageStartRequest) (*AppUsageResponse, error) {
	var resp AppUsageResponse
	if err := c.do(ctx, http.MethodPost, "app-usages", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndAppUsage performs POST app-usages/{id}/end.
func (c *Client) EndAppUsage(ctx context.Context, usageID string, endTime time.Time) error {
	body := map[string]interface{}{"end_time": endTime}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("app-usages/%s/end", usageID), body, nil, true)
}

// StartAfk performs POST sessions/{id}/afk/start.
func (c *Client) StartAfk(ctx context.Context, sessionID, afkID string, startTime time.Time) (*AfkResponse, error) {
	var resp AfkResponse
	req := AfkStartRequest{AfkID: afkID, StartTime: startTime}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/afk/start", sessionID), req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndAfk performs POST sessions/{id}/afk/end.
func (c *Client) EndAfk(ctx context.Context, sessionID, afkID string, endTime time.Time) (*AfkResponse, error) {
	var resp AfkResponse
	body := map[string]interface{}{"afk_id": afkID, "end_time": endTime}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/afk/end", sessionID), body, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetectApplication performs POST applications/detect.
func (c *Client) DetectApplication(ctx context.Context, name, path string) (*ApplicationResponse, error) {
	var resp ApplicationResponse
	req := DetectApplicationRequest{AppName: name, AppPath: path}
	if err := c.do(ctx, http.MethodPost, "applications/detect", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes one HTTP call. When auth is true, it attaches the bearer token
// and, on a 401/403, refreshes the token (up to four refresh attempts, see
// refreshWithBackoff) followed by exactly one retry of the original call
// (never more, and never the Sync Manager's own retry policy).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	err := c.doOnce(ctx, method, path, body, out, auth)
	if auth && isAuthError(err) {
		if refreshErr := c.refreshWithBackoff(ctx); refreshErr != nil {
			return err
		}
		return c.doOnce(ctx, method, path, body, out, auth)
	}
	return err
}

func isAuthError(err error) bool {
	var ae *errs.AuthError
	return err != nil && errors.As(err, &ae)
}

// refreshWithBackoff retries RefreshToken with short exponential backoff and
// jitter, bounded to a handful of attempts, so a slow network does not hang
// the one-retry contract indefinitely.
func (c *Client) refreshWithBackoff(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		_, err := c.RefreshToken(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	url := c.baseURL + "/" + path

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &errs.ValidationError{Message: fmt.Sprintf("failed to marshal request: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &errs.TransportError{Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.TransportError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.TransportError{Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &errs.AuthError{Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var envelope errorEnvelope
	_ = json.Unmarshal(respBody, &envelope)
	if envelope.Error {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &errs.ValidationError{Message: envelope.Message, Code: envelope.Code}
		}
		return &errs.ServerError{Message: envelope.Message, Code: envelope.Code}
	}

	if resp.StatusCode >= 500 {
		return &errs.ServerError{Message: string(respBody)}
	}
	if resp.StatusCode >= 400 {
		return &errs.ValidationError{Message: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &errs.ValidationError{Message: fmt.Sprintf("failed to decode response: %v", err)}
		}
	}
	return nil
}
