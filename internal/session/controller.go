// Package session keeps parcel selection, geometry resolution, coverage
// checks, processing jobs and the layer list mutually consistent while
// the user can change any of them at any moment, including mid-flight.
//
// The single safety-critical invariant: every asynchronous operation is
// stamped with the generation counter active when it started, and its
// result is discarded if the generation has moved on. A slow response
// for one parcel can never paint another parcel's state.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"lidar-desktop/internal/lidar"
	"lidar-desktop/internal/viz"
)

var (
	// ErrNoEntity means nothing is selected
	ErrNoEntity = errors.New("no parcel is selected")
	// ErrNotReady means geometry resolution is still in flight
	ErrNotReady = errors.New("parcel geometry is still being resolved")
	// ErrNoGeometry means the selected parcel has no usable geometry
	ErrNoGeometry = errors.New("the selected parcel has no usable geometry")
	// ErrJobInProgress rejects a second submission while a job is live
	ErrJobInProgress = errors.New("a processing job is already in progress for this parcel")
	// ErrUnknownLayer means the layer is not in the current list
	ErrUnknownLayer = errors.New("layer is not in the current layer list")
)

// GeometryResolver fetches and converts an entity's geometry to WKT
type GeometryResolver interface {
	Resolve(ctx context.Context, entityID string) (string, error)
}

// CoverageChecker asks whether a prebuilt dataset overlaps a geometry
type CoverageChecker interface {
	CheckCoverage(ctx context.Context, geometryWKT, source string) (*lidar.CoverageResult, error)
}

// JobAPI submits and watches processing jobs
type JobAPI interface {
	SubmitJob(ctx context.Context, parcelID, geometryWKT string, config lidar.ProcessingConfig) (*lidar.Job, error)
	UploadPointCloud(ctx context.Context, parcelID, geometryWKT, filename string, payload io.Reader, size int64, config lidar.ProcessingConfig) (*lidar.Job, error)
	PollUntilTerminal(ctx context.Context, jobID string, onProgress lidar.ProgressFunc, interval time.Duration, maxAttempts int) (*lidar.Job, error)
}

// LayerStore lists and deletes the backend's layer catalogue
type LayerStore interface {
	List(ctx context.Context, parcelID string) ([]lidar.Layer, error)
	Delete(ctx context.Context, layerID string) error
}

// Callbacks are how session changes reach the outside (the frontend,
// via the app layer). All callbacks are invoked without internal locks
// held and may be nil.
type Callbacks struct {
	OnSnapshot     func(snapshot Snapshot)
	OnJobProgress  func(jobID string, job lidar.Job)
	OnJobComplete  func(jobID string, success bool, err error)
	OnStyleChanged func(style viz.Style)
	OnNotification func(title, message, level string)
}

// Options tune the controller
type Options struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// CoverageSource filters coverage lookups ("" = any source)
	CoverageSource string
	// AutoSelectFirstLayer makes the first refreshed layer active when
	// none is. A lowest-surprise default, not a ranking; callers can
	// override with SelectLayer.
	AutoSelectFirstLayer bool
}

// Controller is the single source of truth for what is currently true
// about the selected parcel and its visualization.
type Controller struct {
	host     Host
	geometry GeometryResolver
	coverage CoverageChecker
	jobs     JobAPI
	layers   LayerStore
	cb       Callbacks
	opts     Options

	mu     sync.Mutex
	emitMu sync.Mutex // serializes snapshot delivery, see emitSnapshot

	generation uint64
	state      State
	entity     EntityRef

	geometryWKT string

	coverageResult *lidar.CoverageResult
	coverageWKT    string // geometry the cached result belongs to

	colorMode  viz.ColorMode
	processing lidar.ProcessingConfig

	liveJob    *lidar.Job
	submitting bool
	jobCancel  context.CancelFunc

	layerList        []lidar.Layer
	activeLayerID    string
	activeTilesetURL string

	unsubscribe func()
}

// New creates a controller. Call Start to begin tracking the host's
// selection.
func New(host Host, geometry GeometryResolver, coverage CoverageChecker, jobs JobAPI, layers LayerStore, cb Callbacks, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = lidar.DefaultPollInterval
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = lidar.DefaultMaxPollAttempts
	}

	return &Controller{
		host:       host,
		geometry:   geometry,
		coverage:   coverage,
		jobs:       jobs,
		layers:     layers,
		cb:         cb,
		opts:       opts,
		state:      StateIdle,
		colorMode:  viz.ColorModeHeight,
		processing: lidar.DefaultProcessingConfig(),
	}
}

// Start subscribes to entity changes and adopts the current selection
func (c *Controller) Start() {
	c.unsubscribe = c.host.OnEntityChanged(c.handleEntityChanged)
	if ref, ok := c.host.CurrentEntity(); ok {
		c.handleEntityChanged(ref)
	}
}

// Close unsubscribes and stops watching any live job
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	c.mu.Lock()
	if c.jobCancel != nil {
		c.jobCancel()
		c.jobCancel = nil
	}
	c.generation++ // orphan anything still in flight
	c.mu.Unlock()
}

// handleEntityChanged is the cancellation point: every prior in-flight
// operation is orphaned by the generation bump, and a live job stops
// being watched.
func (c *Controller) handleEntityChanged(ref EntityRef) {
	if !ref.IsZero() && ref.Type != "" && ref.Type != EntityTypeParcel {
		log.Printf("[Session] Ignoring selection of unhandled entity type %q", ref.Type)
		ref = EntityRef{}
	}

	c.mu.Lock()
	if ref.ID == c.entity.ID {
		c.mu.Unlock()
		return
	}

	c.generation++
	gen := c.generation

	c.entity = ref
	c.geometryWKT = ""
	c.coverageResult = nil
	c.coverageWKT = ""
	c.layerList = nil
	c.activeLayerID = ""
	c.activeTilesetURL = ""
	c.liveJob = nil
	c.submitting = false
	if c.jobCancel != nil {
		c.jobCancel()
		c.jobCancel = nil
	}

	if ref.IsZero() {
		c.state = StateIdle
		c.mu.Unlock()
		log.Printf("[Session] Selection cleared")
		c.emitSnapshot()
		return
	}

	c.state = StateResolving
	c.mu.Unlock()

	log.Printf("[Session] Parcel selected: %s (generation %d)", ref.ID, gen)
	c.emitSnapshot()

	go c.resolveEntity(gen, ref)
}

// resolveEntity fetches geometry and layers for a freshly selected
// parcel, then moves to Ready. A failed resolution still reaches Ready
// with no geometry: manual upload remains available as a fallback.
func (c *Controller) resolveEntity(gen uint64, ref EntityRef) {
	ctx := context.Background()

	geometryWKT, err := c.geometry.Resolve(ctx, ref.ID)
	if err != nil {
		log.Printf("[Session] Geometry resolution for %s failed: %v", ref.ID, err)
		geometryWKT = ""
	}

	layers, err := c.layers.List(ctx, ref.ID)
	if err != nil {
		log.Printf("[Session] Layer listing for %s failed: %v", ref.ID, err)
		layers = nil
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return // superseded, discard
	}

	c.geometryWKT = geometryWKT
	c.layerList = layers
	c.state = StateReady
	c.reconcileActiveLocked()
	c.mu.Unlock()

	c.emitSnapshot()
}

// CheckCoverage asks whether a prebuilt dataset exists for the current
// geometry. Idempotent: a repeat call with unchanged geometry is served
// from cache without a network call. A remote failure is reported as
// "no coverage" (fail-closed), never as an error.
func (c *Controller) CheckCoverage(ctx context.Context) (*lidar.CoverageResult, error) {
	c.mu.Lock()
	if c.entity.IsZero() {
		c.mu.Unlock()
		return nil, ErrNoEntity
	}
	if c.state == StateResolving {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	if c.geometryWKT == "" {
		c.mu.Unlock()
		return nil, ErrNoGeometry
	}
	if c.coverageResult != nil && c.coverageWKT == c.geometryWKT {
		cached := c.coverageResult
		c.mu.Unlock()
		return cached, nil
	}
	gen := c.generation
	geometryWKT := c.geometryWKT
	c.mu.Unlock()

	result, err := c.coverage.CheckCoverage(ctx, geometryWKT, c.opts.CoverageSource)
	if err != nil {
		log.Printf("[Session] Coverage check failed, treating as unavailable: %v", err)
		result = &lidar.CoverageResult{HasCoverage: false}
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return result, nil // stale: report, but don't store
	}
	c.coverageResult = result
	c.coverageWKT = geometryWKT
	c.mu.Unlock()

	c.emitSnapshot()
	return result, nil
}

// StartProcessing submits a job for the current parcel's geometry and
// begins watching it. Fails fast with ErrJobInProgress while another
// job is live; submission is not idempotent and must not be duplicated.
func (c *Controller) StartProcessing(ctx context.Context) (*lidar.Job, error) {
	c.mu.Lock()
	if err := c.canSubmitLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.geometryWKT == "" {
		c.mu.Unlock()
		return nil, ErrNoGeometry
	}
	c.submitting = true
	gen := c.generation
	parcelID := c.entity.ID
	geometryWKT := c.geometryWKT
	config := c.processing
	c.mu.Unlock()

	job, err := c.jobs.SubmitJob(ctx, parcelID, geometryWKT, config)
	if err != nil {
		c.clearSubmitting(gen)
		return nil, err
	}

	log.Printf("[Session] Job %s submitted for parcel %s", job.ID, parcelID)
	c.beginTracking(gen, job)
	return job, nil
}

// UploadPointCloud validates and uploads a user-provided point cloud
// file for the current parcel, then drives the same job lifecycle as a
// download-based submission. Geometry is optional here: upload is the
// fallback when no prebuilt coverage or geometry exists.
func (c *Controller) UploadPointCloud(ctx context.Context, filename string, payload io.Reader, size int64) (*lidar.Job, error) {
	// Local validation first: a bad file must never reach the network
	if err := lidar.ValidateUploadFile(filename, size); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.canSubmitLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.submitting = true
	gen := c.generation
	parcelID := c.entity.ID
	geometryWKT := c.geometryWKT
	config := c.processing
	c.mu.Unlock()

	job, err := c.jobs.UploadPointCloud(ctx, parcelID, geometryWKT, filename, payload, size, config)
	if err != nil {
		c.clearSubmitting(gen)
		return nil, err
	}

	log.Printf("[Session] Upload job %s submitted for parcel %s", job.ID, parcelID)
	c.beginTracking(gen, job)
	return job, nil
}

// canSubmitLocked gates job submission; callers hold c.mu.
func (c *Controller) canSubmitLocked() error {
	if c.entity.IsZero() {
		return ErrNoEntity
	}
	if c.state == StateResolving {
		return ErrNotReady
	}
	if c.submitting || (c.liveJob != nil && !c.liveJob.Status.Terminal()) {
		return ErrJobInProgress
	}
	return nil
}

// clearSubmitting releases the submission guard after a failed submit
func (c *Controller) clearSubmitting(gen uint64) {
	c.mu.Lock()
	if gen == c.generation {
		c.submitting = false
	}
	c.mu.Unlock()
}

// beginTracking records the accepted job and starts the poll watcher
func (c *Controller) beginTracking(gen uint64, job *lidar.Job) {
	c.mu.Lock()
	if gen != c.generation {
		// The parcel changed while the submission was in flight. The
		// backend job runs regardless; we just never track it.
		c.mu.Unlock()
		return
	}
	c.submitting = false
	c.liveJob = job
	c.state = StateProcessing

	pollCtx, cancel := context.WithCancel(context.Background())
	c.jobCancel = cancel
	c.mu.Unlock()

	c.emitSnapshot()
	go c.trackJob(pollCtx, gen, job.ID)
}

// trackJob polls the job to a terminal state and folds the outcome back
// into session state, unless the generation has moved on.
func (c *Controller) trackJob(ctx context.Context, gen uint64, jobID string) {
	final, err := c.jobs.PollUntilTerminal(ctx, jobID, func(job *lidar.Job) {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return // stale progress, discard silently
		}
		jobCopy := *job
		c.liveJob = &jobCopy
		c.mu.Unlock()

		if c.cb.OnJobProgress != nil {
			c.cb.OnJobProgress(jobID, *job)
		}
		c.emitSnapshot()
	}, c.opts.PollInterval, c.opts.MaxPollAttempts)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return // outcome belongs to a former selection, discard
	}
	c.jobCancel = nil
	c.state = StateReady
	c.liveJob = nil
	parcelID := c.entity.ID

	if err == nil {
		// The result tileset becomes active immediately; the layer
		// refresh below adopts the matching backend layer entry.
		c.activeLayerID = ""
		c.activeTilesetURL = final.TilesetURL
		c.mu.Unlock()

		log.Printf("[Session] Job %s completed for parcel %s", jobID, parcelID)
		c.emitSnapshot()
		if c.cb.OnJobComplete != nil {
			c.cb.OnJobComplete(jobID, true, nil)
		}
		if refreshErr := c.RefreshLayers(context.Background()); refreshErr != nil {
			log.Printf("[Session] Layer refresh after job %s failed: %v", jobID, refreshErr)
		}
		return
	}

	c.mu.Unlock()
	c.emitSnapshot()

	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, lidar.ErrPollTimeout):
		log.Printf("[Session] Gave up watching job %s after the poll cap", jobID)
		if c.cb.OnNotification != nil {
			c.cb.OnNotification("Processing is taking longer than expected",
				"The job is still running in the background. Refresh layers later to pick up the result.", "info")
		}
	default:
		log.Printf("[Session] Job %s failed: %v", jobID, err)
	}

	if c.cb.OnJobComplete != nil {
		c.cb.OnJobComplete(jobID, false, err)
	}
}

// RefreshLayers replaces the layer list with the backend's current
// truth for the selected parcel. Concurrent refreshes are not
// deduplicated; listing is idempotent so the last response wins.
func (c *Controller) RefreshLayers(ctx context.Context) error {
	c.mu.Lock()
	if c.entity.IsZero() {
		c.mu.Unlock()
		return ErrNoEntity
	}
	gen := c.generation
	parcelID := c.entity.ID
	c.mu.Unlock()

	layers, err := c.layers.List(ctx, parcelID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil // stale response, discard
	}
	c.layerList = layers
	c.reconcileActiveLocked()
	c.mu.Unlock()

	c.emitSnapshot()
	return nil
}

// reconcileActiveLocked re-derives the active layer against the current
// list; callers hold c.mu.
func (c *Controller) reconcileActiveLocked() {
	if c.activeLayerID != "" {
		for _, layer := range c.layerList {
			if layer.ID == c.activeLayerID {
				c.activeTilesetURL = layer.TilesetURL
				return
			}
		}
		// previously active layer no longer exists
		c.activeLayerID = ""
		c.activeTilesetURL = ""
	}

	if c.activeTilesetURL != "" {
		// active by URL only (just-completed job): adopt the matching
		// layer entry once the backend lists it
		for _, layer := range c.layerList {
			if layer.TilesetURL == c.activeTilesetURL {
				c.activeLayerID = layer.ID
				return
			}
		}
		return
	}

	if c.opts.AutoSelectFirstLayer && len(c.layerList) > 0 {
		c.activeLayerID = c.layerList[0].ID
		c.activeTilesetURL = c.layerList[0].TilesetURL
	}
}

// SelectLayer overrides the active layer choice
func (c *Controller) SelectLayer(layerID string) error {
	c.mu.Lock()
	for _, layer := range c.layerList {
		if layer.ID == layerID {
			c.activeLayerID = layer.ID
			c.activeTilesetURL = layer.TilesetURL
			c.mu.Unlock()
			c.emitSnapshot()
			return nil
		}
	}
	c.mu.Unlock()
	return ErrUnknownLayer
}

// DeleteLayer removes a layer; if it was active, the active tileset is
// cleared in the next snapshot.
func (c *Controller) DeleteLayer(ctx context.Context, layerID string) error {
	if err := c.layers.Delete(ctx, layerID); err != nil {
		return err
	}

	c.mu.Lock()
	pruned := c.layerList[:0]
	var deletedURL string
	for _, layer := range c.layerList {
		if layer.ID == layerID {
			deletedURL = layer.TilesetURL
			continue
		}
		pruned = append(pruned, layer)
	}
	c.layerList = pruned

	if c.activeLayerID == layerID || (deletedURL != "" && c.activeTilesetURL == deletedURL) {
		c.activeLayerID = ""
		c.activeTilesetURL = ""
	}
	c.mu.Unlock()

	c.emitSnapshot()
	return nil
}

// SetColorMode is a pure state setter: it changes the styling rule
// applied to the loaded tileset and never touches the network.
func (c *Controller) SetColorMode(mode viz.ColorMode) error {
	if !mode.Valid() {
		return &lidar.ValidationError{Message: "unknown color mode: " + string(mode)}
	}

	c.mu.Lock()
	if c.colorMode == mode {
		c.mu.Unlock()
		return nil
	}
	c.colorMode = mode
	c.mu.Unlock()

	if c.cb.OnStyleChanged != nil {
		c.cb.OnStyleChanged(viz.StyleFor(mode))
	}
	c.emitSnapshot()
	return nil
}

// ColorMode returns the current color mode
func (c *Controller) ColorMode() viz.ColorMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.colorMode
}

// SetProcessingConfig replaces the processing configuration used for
// the next submission. Pure state setter; persists across jobs and is
// not tied to the selected parcel.
func (c *Controller) SetProcessingConfig(config lidar.ProcessingConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.processing = config
	c.mu.Unlock()
	return nil
}

// ProcessingConfig returns the current processing configuration
func (c *Controller) ProcessingConfig() lidar.ProcessingConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// RequestParcel asks the host to change the selection. The session
// does not change until the host reports the change back.
func (c *Controller) RequestParcel(parcelID string) error {
	return c.host.RequestEntityChange(EntityRef{ID: parcelID, Type: EntityTypeParcel})
}

// Snapshot returns a consistent copy of the session state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// emitSnapshot publishes the current state. The state mutex is not
// held during the callback; emitMu keeps build and delivery atomic so
// concurrent emitters cannot deliver an older snapshot after a newer
// one.
func (c *Controller) emitSnapshot() {
	if c.cb.OnSnapshot == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.cb.OnSnapshot(snap)
}
