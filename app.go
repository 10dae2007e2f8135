package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"lidar-desktop/internal/config"
	"lidar-desktop/internal/geocache"
	"lidar-desktop/internal/lidar"
	"lidar-desktop/internal/orion"
	"lidar-desktop/internal/registry"
	"lidar-desktop/internal/session"
	"lidar-desktop/internal/viz"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// viewerBridge owns the viewer-side state the session controller needs:
// which entity the embedded map viewer currently has selected, and the
// auth token the viewer obtained at login. The frontend pushes both in
// through the bound App methods.
type viewerBridge struct {
	app *App

	mu        sync.Mutex
	current   session.EntityRef
	token     string
	callbacks map[int]func(session.EntityRef)
	nextID    int
}

func newViewerBridge(app *App) *viewerBridge {
	return &viewerBridge{app: app, callbacks: map[int]func(session.EntityRef){}}
}

func (b *viewerBridge) CurrentEntity() (session.EntityRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, !b.current.IsZero()
}

// RequestEntityChange asks the viewer to change its selection. The
// viewer stays the owner: the session only updates once the frontend
// reports back through NotifyEntitySelected.
func (b *viewerBridge) RequestEntityChange(ref session.EntityRef) error {
	b.app.emitEvent("request-entity-selection", map[string]interface{}{
		"entityId":   ref.ID,
		"entityType": ref.Type,
	})
	return nil
}

func (b *viewerBridge) Credentials() lidar.Credentials {
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()

	b.app.mu.Lock()
	tenantID := b.app.settings.TenantID
	b.app.mu.Unlock()

	return lidar.Credentials{Token: token, TenantID: tenantID}
}

func (b *viewerBridge) OnEntityChanged(callback func(session.EntityRef)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.callbacks[id] = callback
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.callbacks, id)
		b.mu.Unlock()
	}
}

// setSelection applies a selection change reported by the viewer and
// fans it out to subscribers. Repeated reports of the same entity are
// forwarded as-is; the controller deduplicates.
func (b *viewerBridge) setSelection(ref session.EntityRef) {
	b.mu.Lock()
	b.current = ref
	callbacks := make([]func(session.EntityRef), 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		callbacks = append(callbacks, cb)
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(ref)
	}
}

func (b *viewerBridge) setToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// App struct
type App struct {
	ctx      context.Context
	mu       sync.Mutex
	settings *config.UserSettings
	devMode  bool // Enable verbose logging in dev mode only

	bridge   *viewerBridge
	backend  *lidar.Client
	orion    *orion.Client
	geoCache *geocache.Cache
	layers   *registry.Registry
	session  *session.Controller
	phClient posthog.Client
}

// NewApp creates a new App application struct
func NewApp() *App {
	// Load user settings
	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	log.Printf("Settings loaded from: %s", config.GetSettingsPath())

	app := &App{settings: settings}
	app.bridge = newViewerBridge(app)

	app.backend = lidar.NewClient(settings.BackendURL, app.bridge.Credentials)
	app.orion = orion.NewClient(settings.OrionURL, func() string {
		app.mu.Lock()
		defer app.mu.Unlock()
		return app.settings.TenantID
	})
	app.layers = registry.New(app.backend)

	// Parcel boundaries survive restarts; cache them on disk so a
	// reselection skips the context broker
	var geometry session.GeometryResolver = app.orion
	geoCache, err := geocache.Open(geocache.DefaultPath(), geocache.DefaultTTL)
	if err != nil {
		log.Printf("Failed to open geometry cache, resolving uncached: %v", err)
	} else {
		app.geoCache = geoCache
		geometry = geocache.NewCachingResolver(app.orion, geoCache)
	}

	colorMode := viz.ColorMode(settings.ColorMode)
	if !colorMode.Valid() {
		colorMode = viz.ColorModeHeight
	}

	app.session = session.New(
		app.bridge,
		geometry,
		app.backend,
		app.backend,
		app.layers,
		session.Callbacks{
			OnSnapshot: func(snapshot session.Snapshot) {
				app.emitEvent("session-snapshot", snapshot)
			},
			OnJobProgress: func(jobID string, job lidar.Job) {
				app.emitEvent("job-progress", map[string]interface{}{
					"jobId":    jobID,
					"status":   job.Status,
					"progress": job.Progress,
					"message":  job.StatusMessage,
				})
			},
			OnJobComplete: func(jobID string, success bool, err error) {
				errStr := ""
				if err != nil {
					errStr = err.Error()
				}
				app.emitEvent("job-complete", map[string]interface{}{
					"jobId":   jobID,
					"success": success,
					"error":   errStr,
				})
			},
			OnStyleChanged: func(style viz.Style) {
				app.emitEvent("style-changed", style)
			},
			OnNotification: func(title, message, level string) {
				app.emitEvent("system-notification", map[string]interface{}{
					"title":   title,
					"message": message,
					"type":    level,
				})
			},
		},
		session.Options{
			PollInterval:         time.Duration(settings.PollIntervalSeconds) * time.Second,
			MaxPollAttempts:      settings.MaxPollAttempts,
			CoverageSource:       settings.CoverageSource,
			AutoSelectFirstLayer: settings.AutoSelectFirstLayer,
		},
	)
	if err := app.session.SetColorMode(colorMode); err != nil {
		log.Printf("Ignoring saved color mode: %v", err)
	}
	if err := app.session.SetProcessingConfig(settings.Processing); err != nil {
		log.Printf("Ignoring saved processing config: %v", err)
		if err := app.session.SetProcessingConfig(lidar.DefaultProcessingConfig()); err != nil {
			log.Printf("Default processing config rejected: %v", err)
		}
	}

	// Initialize PostHog
	if PostHogKey != "" {
		phConfig := posthog.Config{
			Endpoint: PostHogHost,
		}
		client, err := posthog.NewWithConfig(PostHogKey, phConfig)
		if err != nil {
			log.Printf("Failed to initialize PostHog: %v", err)
		} else {
			app.phClient = client
			log.Printf("PostHog initialized")
		}
	}

	return app
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.session.Start()
	wailsRuntime.LogInfo(ctx, fmt.Sprintf("Session controller started (backend %s)", a.settings.BackendURL))

	// Track app start
	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	if a.session != nil {
		a.session.Close()
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// emitEvent forwards an event to the frontend once the runtime is up
func (a *App) emitEvent(name string, payload interface{}) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		return
	}
	wailsRuntime.EventsEmit(ctx, name, payload)
}

// TrackEvent sends an event to PostHog, keyed by the per-install ID
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient == nil {
		return
	}
	a.mu.Lock()
	installID := a.settings.InstallID
	a.mu.Unlock()

	a.phClient.Enqueue(posthog.Capture{
		DistinctId: installID,
		Event:      event,
		Properties: props,
	})
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// ====================
// Selection & Session
// ====================

// NotifyEntitySelected is called by the frontend whenever the viewer's
// selection changes. Non-parcel entities are accepted here and filtered
// by the session controller.
func (a *App) NotifyEntitySelected(entityID, entityType string) {
	if a.devMode {
		log.Printf("[App] Viewer selected %s (%s)", entityID, entityType)
	}
	a.bridge.setSelection(session.EntityRef{ID: entityID, Type: entityType})
}

// ClearSelection is called when the viewer deselects
func (a *App) ClearSelection() {
	a.bridge.setSelection(session.EntityRef{})
}

// SelectParcel asks the viewer to select a parcel (for example from the
// job history list)
func (a *App) SelectParcel(parcelID string) error {
	return a.session.RequestParcel(parcelID)
}

// SetAuthToken stores the bearer token the frontend obtained at login
func (a *App) SetAuthToken(token string) {
	a.bridge.setToken(token)
}

// GetSnapshot returns the full session state for UI hydration
func (a *App) GetSnapshot() session.Snapshot {
	return a.session.Snapshot()
}

// ====================
// Coverage & Jobs
// ====================

// CheckCoverage reports whether prebuilt LiDAR data covers the selected
// parcel
func (a *App) CheckCoverage() (*lidar.CoverageResult, error) {
	return a.session.CheckCoverage(context.Background())
}

// StartProcessing submits a processing job for the selected parcel
func (a *App) StartProcessing() (*lidar.Job, error) {
	job, err := a.session.StartProcessing(context.Background())
	if err != nil {
		return nil, err
	}
	a.TrackEvent("job_submitted", map[string]interface{}{"jobId": job.ID})
	return job, nil
}

// SelectPointCloudFile opens a native file picker for .laz/.las files
func (a *App) SelectPointCloudFile() (string, error) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	return wailsRuntime.OpenFileDialog(ctx, wailsRuntime.OpenDialogOptions{
		Title: "Select Point Cloud File",
		Filters: []wailsRuntime.FileFilter{
			{DisplayName: "Point Clouds (*.laz, *.las)", Pattern: "*.laz;*.las"},
		},
	})
}

// UploadPointCloud uploads a local point cloud file for the selected
// parcel and starts tracking the resulting job
func (a *App) UploadPointCloud(filePath string) (*lidar.Job, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", filePath, err)
	}
	defer file.Close()

	job, err := a.session.UploadPointCloud(context.Background(), filepath.Base(filePath), file, info.Size())
	if err != nil {
		return nil, err
	}
	a.TrackEvent("pointcloud_uploaded", map[string]interface{}{
		"jobId":     job.ID,
		"sizeBytes": info.Size(),
	})
	return job, nil
}

// ListJobs returns a page of the backend's job history
func (a *App) ListJobs(limit, offset int, status string) (*lidar.JobList, error) {
	return a.backend.ListJobs(context.Background(), lidar.JobListOptions{
		Limit:        limit,
		Offset:       offset,
		StatusFilter: status,
	})
}

// GetBackendCacheStats returns the backend's download cache statistics
func (a *App) GetBackendCacheStats() (*lidar.CacheStats, error) {
	return a.backend.GetCacheStats(context.Background())
}

// ====================
// Layers & Styling
// ====================

// RefreshLayers reloads the layer list for the selected parcel
func (a *App) RefreshLayers() error {
	return a.session.RefreshLayers(context.Background())
}

// SelectLayer makes one of the listed layers active in the viewer
func (a *App) SelectLayer(layerID string) error {
	return a.session.SelectLayer(layerID)
}

// DeleteLayer removes a processed layer from the backend
func (a *App) DeleteLayer(layerID string) error {
	if err := a.session.DeleteLayer(context.Background(), layerID); err != nil {
		return err
	}
	a.TrackEvent("layer_deleted", map[string]interface{}{"layerId": layerID})
	return nil
}

// GetLayer returns one layer's details, from cache when possible
func (a *App) GetLayer(layerID string) (*lidar.Layer, error) {
	return a.layers.Get(context.Background(), layerID)
}

// InvalidateGeometry drops a parcel's cached boundary, forcing a fresh
// context broker lookup on the next selection. For when the user knows
// the parcel was redrawn.
func (a *App) InvalidateGeometry(parcelID string) {
	if a.geoCache != nil {
		a.geoCache.Invalidate(parcelID)
	}
}

// SetColorMode switches the point styling rule. Local only: the loaded
// tileset is restyled without any backend work.
func (a *App) SetColorMode(mode string) error {
	if err := a.session.SetColorMode(viz.ColorMode(mode)); err != nil {
		return err
	}

	// Persist so the next launch opens in the same mode
	a.mu.Lock()
	a.settings.ColorMode = mode
	if err := config.SaveSettings(a.settings); err != nil {
		log.Printf("Failed to persist color mode: %v", err)
	}
	a.mu.Unlock()
	return nil
}

// GetStyle returns the style for the current color mode
func (a *App) GetStyle() viz.Style {
	return viz.StyleFor(a.session.ColorMode())
}

// GetAllStyles returns every available style, for the mode picker UI
func (a *App) GetAllStyles() []viz.Style {
	return viz.AllStyles()
}

// ====================
// Processing Config
// ====================

// GetProcessingConfig returns the configuration the next job will use
func (a *App) GetProcessingConfig() lidar.ProcessingConfig {
	return a.session.ProcessingConfig()
}

// SetProcessingConfig validates and stores the configuration for
// subsequent jobs
func (a *App) SetProcessingConfig(processingConfig lidar.ProcessingConfig) error {
	if err := a.session.SetProcessingConfig(processingConfig); err != nil {
		return err
	}

	a.mu.Lock()
	a.settings.Processing = processingConfig
	if err := config.SaveSettings(a.settings); err != nil {
		log.Printf("Failed to persist processing config: %v", err)
	}
	a.mu.Unlock()
	return nil
}
