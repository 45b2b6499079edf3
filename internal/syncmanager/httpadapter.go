/**
 * CONTEXT:   Adapts the HTTP client facade to the Sync Manager's Transport dependency
 * INPUT:     *httpclient.Client
 * OUTPUT:    Transport implementation
 * BUSINESS:  Keeps the sync manager decoupled from the full HTTP client surface
 * CHANGE:    Initial implementation
 * RISK:      Low - thin adapter
 */

package syncmanager

import (
	"context"
	"time"

	"github.com/claude-monitor/activity-agent/internal/httpclient"
	"github.com/claude-monitor/activity-agent/internal/model"
)

// HTTPTransport adapts *httpclient.Client to the Transport interface.
type HTTPTransport struct {
	Client *httpclient.Client
}

func (t HTTPTransport) Ping(ctx context.Context) error { return t.Client.Ping(ctx) }

func (t HTTPTransport) CreateSession(ctx context.Context, args CreateSessionArgs) (*SessionResult, error) {
	resp, err := t.Client.CreateSession(ctx, httpclient.CreateSessionRequest{
		Username:        args.Username,
		MachineID:       args.MachineID,
		IPAddress:       args.IPAddress,
		IsRemote:        args.IsRemote,
		ContinuedFromID: args.ContinuedFromID,
	})
	if err != nil {
		return nil, err
	}
	return &SessionResult{SessionID: resp.SessionID, LoginTime: resp.LoginTime}, nil
}

func (t HTTPTransport) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	return t.Client.EndSession(ctx, sessionID, endTime)
}

func (t HTTPTransport) SessionBatch(ctx context.Context, sessionID string, sessionEvents []model.SessionEvent, activityEvents []model.ActivityEvent, systemMetrics []model.SystemMetricsSample) error {
	return t.Client.SessionBatch(ctx, sessionID, sessionEvents, activityEvents, systemMetrics)
}

func (t HTTPTransport) StartAppUsage(ctx context.Context, sessionID, usageID, appID, windowTitle string, startTime time.Time) error {
	_, err := t.Client.StartAppUsage(ctx, httpclient.AppUsageStartRequest{
		SessionID:   sessionID,
		UsageID:     usageID,
		AppID:       appID,
		WindowTitle: windowTitle,
		StartTime:   startTime,
	})
	return err
}

func (t HTTPTransport) EndAppUsage(ctx context.Context, usageID string, endTime time.Time) error {
	return t.Client.EndAppUsage(ctx, usageID, endTime)
}

func (t HTTPTransport) StartAfk(ctx context.Context, sessionID, afkID string, startTime time.Time) error {
	_, err := t.Client.StartAfk(ctx, sessionID, afkID, startTime)
	return err
}

func (t HTTPTransport) EndAfk(ctx context.Context, sessionID, afkID string, endTime time.Time) error {
	_, err := t.Client.EndAfk(ctx, sessionID, afkID, endTime)
	return err
}
