package main

import (
	"fmt"
	"log"

	"lidar-desktop/internal/config"
	"lidar-desktop/internal/viz"
)

// ===================
// Settings Management
// ===================

// GetSettings returns current user settings
func (a *App) GetSettings() (*config.UserSettings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	return &settingsCopy, nil
}

// SaveSettings saves user settings to disk and updates app state
func (a *App) SaveSettings(settings *config.UserSettings) error {
	// Validate settings
	if settings.BackendURL == "" {
		return fmt.Errorf("backend URL cannot be empty")
	}
	if settings.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if settings.MaxPollAttempts <= 0 {
		return fmt.Errorf("max poll attempts must be positive")
	}
	if !viz.ColorMode(settings.ColorMode).Valid() {
		return fmt.Errorf("unknown color mode: %s", settings.ColorMode)
	}
	if err := settings.Processing.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Preserve the install ID: it is not user-editable
	settings.InstallID = a.settings.InstallID

	// Save to disk
	if err := config.SaveSettings(settings); err != nil {
		return err
	}

	// Update app state
	a.settings = settings

	// Note: endpoint changes require app restart to take effect
	log.Printf("Settings saved. Endpoint changes will apply on next restart.")

	return nil
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

// SaveMapPosition saves the current map position for session persistence
// Called on app close or periodically to remember the last viewed location
func (a *App) SaveMapPosition(lat, lon, zoom float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settings.LastCenterLat = lat
	a.settings.LastCenterLon = lon
	a.settings.LastZoom = zoom

	if err := config.SaveSettings(a.settings); err != nil {
		return err
	}

	log.Printf("Saved map position: lat=%.6f, lon=%.6f, zoom=%.1f", lat, lon, zoom)
	return nil
}
