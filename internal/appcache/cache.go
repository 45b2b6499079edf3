/**
 * CONTEXT:   Application Cache: maps executable paths to server-issued application ids
 * INPUT:     register_application(name, path) calls from the Orchestrator
 * OUTPUT:    Stable app_id per normalized app_path, backed by app_cache.json
 * BUSINESS:  No negative caching - an HTTP failure returns "no id" but the next call retries
 * CHANGE:    Initial implementation
 * RISK:      Medium - every app-usage interval depends on a resolved app_id
 */

package appcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/claude-monitor/activity-agent/internal/errs"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/model"
)

// Detector is the subset of the HTTP client the cache needs: detect_application.
type Detector interface {
	DetectApplication(ctx context.Context, name, path string) (*DetectResult, error)
}

// DetectResult mirrors the fields of httpclient.ApplicationResponse the cache needs.
// Declared locally so this package does not import httpclient directly.
type DetectResult struct {
	AppID           string
	AppName         string
	AppPath         string
	AppHash         string
	IsRestricted    bool
	TrackingEnabled bool
}

type fileFormat struct {
	Applications []model.ApplicationRecord `json:"applications"`
}

// Cache is the Application Cache collaborator. All reads and writes to the
// cache file are serialized by a single lock.
type Cache struct {
	mu       sync.Mutex
	byPath   map[string]model.ApplicationRecord
	path     string
	detector Detector
	log      logger.Logger
}

// Open loads path if present (missing file is not an error - an empty cache
// is used and the file is created on the first successful registration or
// Clear) and returns a ready Cache.
func Open(path string, detector Detector, log logger.Logger) (*Cache, error) {
	c := &Cache{
		byPath:   make(map[string]model.ApplicationRecord),
		path:     path,
		detector: detector,
		log:      log,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		log.Warn("failed to read app cache, starting empty", "path", path, "error", err)
		return c, nil
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		log.Warn("failed to parse app cache, starting empty", "path", path, "error", err)
		return c, nil
	}
	for _, rec := range ff.Applications {
		c.byPath[rec.AppPath] = rec
	}
	return c, nil
}

// normalize lowercases the path and converts to native separators, per the
// uniqueness key defined in spec section 3.
func normalize(path string) string {
	path = strings.ToLower(path)
	path = filepath.FromSlash(strings.ReplaceAll(path, "\\", "/"))
	return path
}

// RegisterApplication returns the known app_id for path if cached, otherwise
// calls detect_application and caches the result. On HTTP failure it returns
// "", nil - "no id", not an error - so the caller can proceed without an id
// and the next call retries (no negative caching).
func (c *Cache) RegisterApplication(ctx context.Context, name, path string) (string, error) {
	key := normalize(path)

	c.mu.Lock()
	if rec, ok := c.byPath[key]; ok {
		c.mu.Unlock()
		return rec.AppID, nil
	}
	c.mu.Unlock()

	result, err := c.detector.DetectApplication(ctx, name, path)
	if err != nil {
		c.log.Warn("detect_application failed, no id this round", "path", path, "error", err)
		return "", nil
	}

	rec := model.ApplicationRecord{
		AppID:           result.AppID,
		AppName:         result.AppName,
		AppPath:         key,
		AppHash:         result.AppHash,
		IsRestricted:    result.IsRestricted,
		TrackingEnabled: result.TrackingEnabled,
	}

	c.mu.Lock()
	c.byPath[key] = rec
	saveErr := c.saveLocked()
	c.mu.Unlock()

	if saveErr != nil {
		c.log.Warn("failed to persist app cache, remains authoritative in memory", "error", saveErr)
	}
	return rec.AppID, nil
}

// Lookup returns the cached record for path, if any, without calling the server.
func (c *Cache) Lookup(path string) (model.ApplicationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byPath[normalize(path)]
	return rec, ok
}

// Clear truncates both the in-memory map and the file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPath = make(map[string]model.ApplicationRecord)
	return c.saveLocked()
}

// saveLocked atomically rewrites the cache file. Caller must hold c.mu.
func (c *Cache) saveLocked() error {
	records := make([]model.ApplicationRecord, 0, len(c.byPath))
	for _, rec := range c.byPath {
		records = append(records, rec)
	}
	data, err := json.MarshalIndent(fileFormat{Applications: records}, "", "  ")
	if err != nil {
		return &errs.ResourceError{Path: c.path, Cause: err}
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &errs.ResourceError{Path: c.path, Cause: err}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &errs.ResourceError{Path: c.path, Cause: err}
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return &errs.ResourceError{Path: c.path, Cause: err}
	}
	return nil
}
