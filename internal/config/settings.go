package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"lidar-desktop/internal/lidar"
)

// UserSettings represents persistent user preferences
type UserSettings struct {
	// Backend endpoints
	BackendURL string `json:"backendURL"`
	OrionURL   string `json:"orionURL"`
	TenantID   string `json:"tenantID"`

	// Job polling
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxPollAttempts     int `json:"maxPollAttempts"`

	// Coverage lookups ("" = any source, or PNOA / IDENA)
	CoverageSource string `json:"coverageSource"`

	// Visualization
	ColorMode            string `json:"colorMode"`
	AutoSelectFirstLayer bool   `json:"autoSelectFirstLayer"`

	// Default processing configuration (persists across jobs)
	Processing lidar.ProcessingConfig `json:"processing"`

	// Default map settings
	DefaultZoom      int     `json:"defaultZoom"`
	DefaultCenterLat float64 `json:"defaultCenterLat"`
	DefaultCenterLon float64 `json:"defaultCenterLon"`

	// Last viewed map position (session persistence)
	LastCenterLat float64 `json:"lastCenterLat,omitempty"`
	LastCenterLon float64 `json:"lastCenterLon,omitempty"`
	LastZoom      float64 `json:"lastZoom,omitempty"`

	// UI preferences
	Theme string `json:"theme"` // "light", "dark", "system"

	// Anonymous per-install identifier for telemetry
	InstallID string `json:"installID"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	return &UserSettings{
		BackendURL:           "http://localhost:8000",
		OrionURL:             "http://localhost:1026",
		PollIntervalSeconds:  2,
		MaxPollAttempts:      300,
		ColorMode:            "height",
		AutoSelectFirstLayer: true,
		Processing:           lidar.DefaultProcessingConfig(),
		DefaultZoom:          13,
		DefaultCenterLat:     42.6953, // Pamplona, Navarra
		DefaultCenterLon:     -1.6761,
		Theme:                "system",
		InstallID:            uuid.NewString(),
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	homeDir, _ := os.UserHomeDir()

	baseDir := filepath.Join(homeDir, ".parcel-lidar", "desktop", "settings")
	os.MkdirAll(baseDir, 0755)

	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads user settings from disk
func LoadSettings() (*UserSettings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads settings from an explicit path, merging
// defaults for any missing fields
func LoadSettingsFrom(path string) (*UserSettings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.BackendURL == "" {
		settings.BackendURL = defaults.BackendURL
	}
	if settings.OrionURL == "" {
		settings.OrionURL = defaults.OrionURL
	}
	if settings.PollIntervalSeconds <= 0 {
		settings.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
	if settings.MaxPollAttempts <= 0 {
		settings.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if settings.ColorMode == "" {
		settings.ColorMode = defaults.ColorMode
	}
	if settings.Processing.ColorizeBy == "" {
		settings.Processing = defaults.Processing
	}
	if settings.DefaultZoom == 0 {
		settings.DefaultZoom = defaults.DefaultZoom
	}
	if settings.DefaultCenterLat == 0 && settings.DefaultCenterLon == 0 {
		settings.DefaultCenterLat = defaults.DefaultCenterLat
		settings.DefaultCenterLon = defaults.DefaultCenterLon
	}
	if settings.Theme == "" {
		settings.Theme = defaults.Theme
	}
	if settings.InstallID == "" {
		settings.InstallID = uuid.NewString()
	}

	return &settings, nil
}

// SaveSettings saves user settings to disk
func SaveSettings(settings *UserSettings) error {
	return SaveSettingsTo(GetSettingsPath(), settings)
}

// SaveSettingsTo saves settings to an explicit path
func SaveSettingsTo(path string, settings *UserSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}
