/**
 * CONTEXT:   Recognized configuration keys and their defaults/clamps
 * INPUT:     Raw values read by the Config Store from activity_tracker.conf
 * OUTPUT:    Typed, validated Settings struct
 * BUSINESS:  Unknown keys are ignored; invalid integer keys are clamped with a warning
 * CHANGE:    Initial key set, mirrors spec section 6
 * RISK:      Low - pure data and validation
 */

package config

import "time"

// Settings is the fully typed, validated view of activity_tracker.conf.
type Settings struct {
	ServerURL           string
	DataSendIntervalMs  int
	IdleTimeThresholdMs int
	MachineID           string
	TrackKeyboardMouse  bool
	TrackApplications   bool
	TrackSystemMetrics  bool
	MultiUserMode       bool
	DefaultUsername     string
	LogLevel            string
	LogFilePath         string
}

// minIdleThresholdMs is the floor spec.md mandates for IdleTimeThreshold.
const minIdleThresholdMs = 1000

// Defaults returns the recognized key set with its documented default values.
func Defaults() Settings {
	return Settings{
		ServerURL:           "http://localhost:8080/api",
		DataSendIntervalMs:  60000,
		IdleTimeThresholdMs: 300000,
		MachineID:           "",
		TrackKeyboardMouse:  true,
		TrackApplications:   true,
		TrackSystemMetrics:  true,
		MultiUserMode:       false,
		DefaultUsername:     "",
		LogLevel:            "info",
		LogFilePath:         "",
	}
}

// DataSendInterval is DataSendIntervalMs as a time.Duration; 0 means "send immediately".
func (s Settings) DataSendInterval() time.Duration {
	return time.Duration(s.DataSendIntervalMs) * time.Millisecond
}

// IdleTimeThreshold is IdleTimeThresholdMs as a time.Duration.
func (s Settings) IdleTimeThreshold() time.Duration {
	return time.Duration(s.IdleTimeThresholdMs) * time.Millisecond
}
