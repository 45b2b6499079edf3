/**
 * CONTEXT:   Config Store: key-value persistence with change notification
 * INPUT:     INI-style activity_tracker.conf in the platform data directory
 * OUTPUT:    Validated Settings, live-reloaded on file change
 * BUSINESS:  ServerUrl/DataSendInterval/IdleTimeThreshold/... recognized keys drive
 *            runtime behavior without a restart
 * CHANGE:    Initial implementation backed by viper + fsnotify
 * RISK:      Medium - misconfiguration recovery must never block startup
 */

package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/claude-monitor/activity-agent/internal/errs"
	"github.com/claude-monitor/activity-agent/internal/logger"
)

const fileName = "activity_tracker"
const fileExt = "ini"

// Store is the Config Store collaborator: it loads and saves
// activity_tracker.conf and notifies subscribers when the file changes on disk.
type Store struct {
	v    *viper.Viper
	path string
	log  logger.Logger

	mu          sync.RWMutex
	current     Settings
	subscribers []func(Settings)
}

// Open loads (or creates, with defaults) activity_tracker.conf under dir and
// begins watching it for external changes. dir is typically the platform
// per-user config directory; pass "" to use os.UserConfigDir()/activity-agent.
func Open(dir string, log logger.Logger) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		dir = filepath.Join(base, "activity-agent")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &errs.ResourceError{Path: dir, Cause: err}
	}

	v := viper.New()
	v.SetConfigName(fileName)
	v.SetConfigType(fileExt)
	v.AddConfigPath(dir)
	applyDefaults(v)

	path := filepath.Join(dir, fileName+"."+fileExt)

	s := &Store{v: v, path: path, log: log}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.current = Defaults()
		if saveErr := s.saveLocked(); saveErr != nil {
			log.Warn("failed to write initial config, continuing with in-memory defaults", "error", saveErr)
		}
	} else {
		if err := v.ReadInConfig(); err != nil {
			log.Warn("failed to read config, falling back to defaults", "error", &errs.ConfigError{Cause: err})
			s.current = Defaults()
		} else {
			s.current = s.readAndClamp()
		}
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.Lock()
		next := s.readAndClamp()
		s.current = next
		subs := append([]func(Settings){}, s.subscribers...)
		s.mu.Unlock()

		log.Info("config changed on disk, reloading", "event", e.Name)
		for _, fn := range subs {
			fn(next)
		}
	})
	v.WatchConfig()

	return s, nil
}

func applyDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("ServerUrl", d.ServerURL)
	v.SetDefault("DataSendInterval", d.DataSendIntervalMs)
	v.SetDefault("IdleTimeThreshold", d.IdleTimeThresholdMs)
	v.SetDefault("MachineId", d.MachineID)
	v.SetDefault("TrackKeyboardMouse", d.TrackKeyboardMouse)
	v.SetDefault("TrackApplications", d.TrackApplications)
	v.SetDefault("TrackSystemMetrics", d.TrackSystemMetrics)
	v.SetDefault("MultiUserMode", d.MultiUserMode)
	v.SetDefault("DefaultUsername", d.DefaultUsername)
	v.SetDefault("LogLevel", d.LogLevel)
	v.SetDefault("LogFilePath", d.LogFilePath)
}

// readAndClamp reads the recognized keys out of viper and clamps integer
// keys to their documented floor, logging a warning for each clamp applied.
// Unknown keys are simply never read, so they are implicitly ignored.
func (s *Store) readAndClamp() Settings {
	out := Settings{
		ServerURL:           s.v.GetString("ServerUrl"),
		DataSendIntervalMs:  s.v.GetInt("DataSendInterval"),
		IdleTimeThresholdMs: s.v.GetInt("IdleTimeThreshold"),
		MachineID:           s.v.GetString("MachineId"),
		TrackKeyboardMouse:  s.v.GetBool("TrackKeyboardMouse"),
		TrackApplications:   s.v.GetBool("TrackApplications"),
		TrackSystemMetrics:  s.v.GetBool("TrackSystemMetrics"),
		MultiUserMode:       s.v.GetBool("MultiUserMode"),
		DefaultUsername:     s.v.GetString("DefaultUsername"),
		LogLevel:            s.v.GetString("LogLevel"),
		LogFilePath:         s.v.GetString("LogFilePath"),
	}

	if out.DataSendIntervalMs < 0 {
		s.log.Warn("DataSendInterval clamped", "raw", out.DataSendIntervalMs, "clamped", 0)
		out.DataSendIntervalMs = 0
	}
	if out.IdleTimeThresholdMs < minIdleThresholdMs {
		s.log.Warn("IdleTimeThreshold clamped to floor", "raw", out.IdleTimeThresholdMs, "clamped", minIdleThresholdMs)
		out.IdleTimeThresholdMs = minIdleThresholdMs
	}
	return out
}

// Current returns the most recently loaded Settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn to be called with the new Settings whenever the
// config file changes on disk or Save is called. Subscriptions are never
// unregistered individually; they live for the lifetime of the Store.
func (s *Store) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Save persists the given Settings as the new recognized key set and
// notifies subscribers immediately (not via the filesystem watch, to avoid
// a write-then-self-notify race).
func (s *Store) Save(next Settings) error {
	s.mu.Lock()
	s.v.Set("ServerUrl", next.ServerURL)
	s.v.Set("DataSendInterval", next.DataSendIntervalMs)
	s.v.Set("IdleTimeThreshold", next.IdleTimeThresholdMs)
	s.v.Set("MachineId", next.MachineID)
	s.v.Set("TrackKeyboardMouse", next.TrackKeyboardMouse)
	s.v.Set("TrackApplications", next.TrackApplications)
	s.v.Set("TrackSystemMetrics", next.TrackSystemMetrics)
	s.v.Set("MultiUserMode", next.MultiUserMode)
	s.v.Set("DefaultUsername", next.DefaultUsername)
	s.v.Set("LogLevel", next.LogLevel)
	s.v.Set("LogFilePath", next.LogFilePath)

	err := s.saveLocked()
	next = s.readAndClamp()
	s.current = next
	subs := append([]func(Settings){}, s.subscribers...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range subs {
		fn(next)
	}
	return nil
}

// saveLocked writes the config file. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return &errs.ResourceError{Path: s.path, Cause: err}
	}
	return nil
}

// SetMachineID persists a generated machine id the first time none is configured.
func (s *Store) SetMachineID(id string) error {
	cur := s.Current()
	cur.MachineID = id
	return s.Save(cur)
}
