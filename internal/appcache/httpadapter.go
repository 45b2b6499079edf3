/**
 * CONTEXT:   Adapts the HTTP client facade to the Cache's narrow Detector dependency
 * INPUT:     *httpclient.Client
 * OUTPUT:    Detector implementation
 * BUSINESS:  Keeps the cache package decoupled from the full HTTP client surface
 * CHANGE:    Initial implementation
 * RISK:      Low - thin adapter
 */

package appcache

import (
	"context"

	"github.com/claude-monitor/activity-agent/internal/httpclient"
)

// HTTPDetector adapts *httpclient.Client to the Detector interface.
type HTTPDetector struct {
	Client *httpclient.Client
}

func (d HTTPDetector) DetectApplication(ctx context.Context, name, path string) (*DetectResult, error) {
	resp, err := d.Client.DetectApplication(ctx, name, path)
	if err != nil {
		return nil, err
	}
	return &DetectResult{
		AppID:           resp.AppID,
		AppName:         resp.AppName,
		AppPath:         resp.AppPath,
		AppHash:         resp.AppHash,
		IsRestricted:    resp.IsRestricted,
		TrackingEnabled: resp.TrackingEnabled,
	}, nil
}
