package session

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lidar-desktop/internal/lidar"
	"lidar-desktop/internal/viz"
)

// fakeHost implements Host with a settable selection
type fakeHost struct {
	mu        sync.Mutex
	current   EntityRef
	callbacks []func(EntityRef)
}

func (h *fakeHost) CurrentEntity() (EntityRef, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, !h.current.IsZero()
}

func (h *fakeHost) RequestEntityChange(ref EntityRef) error {
	h.Select(ref)
	return nil
}

func (h *fakeHost) Credentials() lidar.Credentials {
	return lidar.Credentials{Token: "test-token", TenantID: "test-tenant"}
}

func (h *fakeHost) OnEntityChanged(callback func(EntityRef)) func() {
	h.mu.Lock()
	h.callbacks = append(h.callbacks, callback)
	h.mu.Unlock()
	return func() {}
}

func (h *fakeHost) Select(ref EntityRef) {
	h.mu.Lock()
	h.current = ref
	callbacks := append([]func(EntityRef){}, h.callbacks...)
	h.mu.Unlock()
	for _, cb := range callbacks {
		cb(ref)
	}
}

// fakeGeometry resolves from a fixed map, optionally blocking per
// entity until the matching gate channel is closed
type fakeGeometry struct {
	mu    sync.Mutex
	wkt   map[string]string
	gates map[string]chan struct{}
	calls int
}

func (g *fakeGeometry) Resolve(ctx context.Context, entityID string) (string, error) {
	g.mu.Lock()
	g.calls++
	gate := g.gates[entityID]
	wkt := g.wkt[entityID]
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return wkt, nil
}

type fakeCoverage struct {
	result *lidar.CoverageResult
	err    error
	calls  atomic.Int64
}

func (c *fakeCoverage) CheckCoverage(ctx context.Context, geometryWKT, source string) (*lidar.CoverageResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// fakeJobs scripts the poll loop through a channel of job states
type fakeJobs struct {
	mu      sync.Mutex
	nextID  string
	submits int
	results chan *lidar.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{nextID: "job-1", results: make(chan *lidar.Job, 8)}
}

func (f *fakeJobs) SubmitJob(ctx context.Context, parcelID, geometryWKT string, config lidar.ProcessingConfig) (*lidar.Job, error) {
	f.mu.Lock()
	f.submits++
	id := f.nextID
	f.mu.Unlock()
	return &lidar.Job{ID: id, Status: lidar.JobQueued}, nil
}

func (f *fakeJobs) UploadPointCloud(ctx context.Context, parcelID, geometryWKT, filename string, payload io.Reader, size int64, config lidar.ProcessingConfig) (*lidar.Job, error) {
	return f.SubmitJob(ctx, parcelID, geometryWKT, config)
}

func (f *fakeJobs) PollUntilTerminal(ctx context.Context, jobID string, onProgress lidar.ProgressFunc, interval time.Duration, maxAttempts int) (*lidar.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case job := <-f.results:
			if onProgress != nil {
				onProgress(job)
			}
			switch job.Status {
			case lidar.JobCompleted:
				return job, nil
			case lidar.JobFailed:
				return nil, &lidar.ProcessingError{JobID: jobID, Message: job.ErrorMessage}
			}
		}
	}
}

type fakeLayers struct {
	mu      sync.Mutex
	byID    map[string][]lidar.Layer // parcelID -> layers
	deleted []string
	lists   int
}

func (l *fakeLayers) List(ctx context.Context, parcelID string) ([]lidar.Layer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists++
	return append([]lidar.Layer{}, l.byID[parcelID]...), nil
}

func (l *fakeLayers) Delete(ctx context.Context, layerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, layerID)
	for parcelID, layers := range l.byID {
		kept := layers[:0]
		for _, layer := range layers {
			if layer.ID != layerID {
				kept = append(kept, layer)
			}
		}
		l.byID[parcelID] = kept
	}
	return nil
}

type testEnv struct {
	host     *fakeHost
	geometry *fakeGeometry
	coverage *fakeCoverage
	jobs     *fakeJobs
	layers   *fakeLayers
	ctrl     *Controller
}

func newTestEnv(t *testing.T, cb Callbacks, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		host: &fakeHost{},
		geometry: &fakeGeometry{
			wkt:   map[string]string{},
			gates: map[string]chan struct{}{},
		},
		coverage: &fakeCoverage{result: &lidar.CoverageResult{HasCoverage: true}},
		jobs:     newFakeJobs(),
		layers:   &fakeLayers{byID: map[string][]lidar.Layer{}},
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	env.ctrl = New(env.host, env.geometry, env.coverage, env.jobs, env.layers, cb, opts)
	env.ctrl.Start()
	t.Cleanup(env.ctrl.Close)
	return env
}

func (env *testEnv) selectParcel(t *testing.T, id, wkt string) {
	t.Helper()
	env.geometry.mu.Lock()
	env.geometry.wkt[id] = wkt
	env.geometry.mu.Unlock()
	env.host.Select(EntityRef{ID: id, Type: EntityTypeParcel})
	require.Eventually(t, func() bool {
		snap := env.ctrl.Snapshot()
		return snap.EntityID == id && snap.State == StateReady
	}, time.Second, time.Millisecond, "parcel %s never became ready", id)
}

func TestSelectionResolvesGeometryAndLayers(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.layers.byID["parcel-1"] = []lidar.Layer{
		{ID: "layer-1", ParcelID: "parcel-1", TilesetURL: "/tilesets/layer-1/tileset.json"},
	}

	env.selectParcel(t, "parcel-1", "POLYGON((0 0,1 0,1 1,0 0))")

	snap := env.ctrl.Snapshot()
	assert.True(t, snap.HasGeometry)
	assert.Equal(t, "POLYGON((0 0,1 0,1 1,0 0))", snap.GeometryWKT)
	require.Len(t, snap.Layers, 1)
	assert.Equal(t, "layer-1", snap.Layers[0].ID)
}

func TestNonParcelSelectionIsIgnored(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	env.host.Select(EntityRef{ID: "sensor-9", Type: "AgriSensor"})

	snap := env.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.EntityID)
}

func TestStaleGeometryResolutionDiscarded(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})

	// Parcel A's resolution stalls on a gate; parcel B resolves freely
	gate := make(chan struct{})
	env.geometry.mu.Lock()
	env.geometry.wkt["parcel-a"] = "POLYGON((9 9,9 10,10 10,9 9))"
	env.geometry.gates["parcel-a"] = gate
	env.geometry.mu.Unlock()

	env.host.Select(EntityRef{ID: "parcel-a", Type: EntityTypeParcel})
	env.selectParcel(t, "parcel-b", "POINT(5 5)")

	// A's slow response arrives after B is already current
	close(gate)
	time.Sleep(20 * time.Millisecond)

	snap := env.ctrl.Snapshot()
	assert.Equal(t, "parcel-b", snap.EntityID)
	assert.Equal(t, "POINT(5 5)", snap.GeometryWKT)
}

func TestCoverageCheckIsCached(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	first, err := env.ctrl.CheckCoverage(context.Background())
	require.NoError(t, err)
	second, err := env.ctrl.CheckCoverage(context.Background())
	require.NoError(t, err)

	assert.True(t, first.HasCoverage)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), env.coverage.calls.Load())
}

func TestCoverageFailureReportsNoCoverage(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.coverage.err = &lidar.APIError{Status: 503, Detail: "catalogue offline"}
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	result, err := env.ctrl.CheckCoverage(context.Background())
	require.NoError(t, err)
	assert.False(t, result.HasCoverage)
}

func TestCoverageRequiresSelectionAndGeometry(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})

	_, err := env.ctrl.CheckCoverage(context.Background())
	assert.ErrorIs(t, err, ErrNoEntity)

	env.selectParcel(t, "parcel-1", "") // resolves to no geometry
	_, err = env.ctrl.CheckCoverage(context.Background())
	assert.ErrorIs(t, err, ErrNoGeometry)
	assert.Equal(t, int64(0), env.coverage.calls.Load())
}

func TestConcurrentSubmissionRejected(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	job, err := env.ctrl.StartProcessing(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)

	_, err = env.ctrl.StartProcessing(context.Background())
	assert.ErrorIs(t, err, ErrJobInProgress)

	env.jobs.mu.Lock()
	submits := env.jobs.submits
	env.jobs.mu.Unlock()
	assert.Equal(t, 1, submits)
}

func TestJobCompletionActivatesTileset(t *testing.T) {
	var completeMu sync.Mutex
	var completed []bool
	env := newTestEnv(t, Callbacks{
		OnJobComplete: func(jobID string, success bool, err error) {
			completeMu.Lock()
			completed = append(completed, success)
			completeMu.Unlock()
		},
	}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	_, err := env.ctrl.StartProcessing(context.Background())
	require.NoError(t, err)

	// Backend lists the produced layer by the time the job finishes
	env.layers.mu.Lock()
	env.layers.byID["parcel-1"] = []lidar.Layer{
		{ID: "layer-9", ParcelID: "parcel-1", TilesetURL: "/tilesets/job-1/tileset.json"},
	}
	env.layers.mu.Unlock()

	env.jobs.results <- &lidar.Job{ID: "job-1", Status: lidar.JobProcessing, Progress: 50}
	env.jobs.results <- &lidar.Job{ID: "job-1", Status: lidar.JobCompleted, Progress: 100, TilesetURL: "/tilesets/job-1/tileset.json"}

	require.Eventually(t, func() bool {
		snap := env.ctrl.Snapshot()
		return snap.State == StateReady && snap.ActiveLayerID == "layer-9"
	}, time.Second, time.Millisecond)

	snap := env.ctrl.Snapshot()
	assert.Equal(t, "/tilesets/job-1/tileset.json", snap.ActiveTilesetURL)
	assert.Nil(t, snap.Job)

	completeMu.Lock()
	defer completeMu.Unlock()
	require.Len(t, completed, 1)
	assert.True(t, completed[0])
}

func TestJobFailureReported(t *testing.T) {
	errCh := make(chan error, 1)
	env := newTestEnv(t, Callbacks{
		OnJobComplete: func(jobID string, success bool, err error) {
			if !success {
				errCh <- err
			}
		},
	}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	_, err := env.ctrl.StartProcessing(context.Background())
	require.NoError(t, err)

	env.jobs.results <- &lidar.Job{ID: "job-1", Status: lidar.JobFailed, ErrorMessage: "tiler crashed"}

	select {
	case jobErr := <-errCh:
		var procErr *lidar.ProcessingError
		require.ErrorAs(t, jobErr, &procErr)
		assert.Contains(t, procErr.Error(), "tiler crashed")
	case <-time.After(time.Second):
		t.Fatal("job failure never reported")
	}

	snap := env.ctrl.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.ActiveTilesetURL)

	// A failed job releases the submission guard
	_, err = env.ctrl.StartProcessing(context.Background())
	require.NoError(t, err)
}

func TestEntityChangeOrphansRunningJob(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.selectParcel(t, "parcel-a", "POINT(1 2)")

	_, err := env.ctrl.StartProcessing(context.Background())
	require.NoError(t, err)

	env.selectParcel(t, "parcel-b", "POINT(3 4)")

	// The old job's completion arrives late; it must not surface
	env.jobs.results <- &lidar.Job{ID: "job-1", Status: lidar.JobCompleted, TilesetURL: "/tilesets/job-1/tileset.json"}
	time.Sleep(20 * time.Millisecond)

	snap := env.ctrl.Snapshot()
	assert.Equal(t, "parcel-b", snap.EntityID)
	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.ActiveTilesetURL)
	assert.Nil(t, snap.Job)
}

func TestDeleteActiveLayerClearsTileset(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{AutoSelectFirstLayer: true})
	env.layers.byID["parcel-1"] = []lidar.Layer{
		{ID: "layer-1", ParcelID: "parcel-1", TilesetURL: "/tilesets/layer-1/tileset.json"},
		{ID: "layer-2", ParcelID: "parcel-1", TilesetURL: "/tilesets/layer-2/tileset.json"},
	}
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	snap := env.ctrl.Snapshot()
	require.Equal(t, "layer-1", snap.ActiveLayerID)

	// Deleting a non-active layer leaves the active one alone
	require.NoError(t, env.ctrl.DeleteLayer(context.Background(), "layer-2"))
	snap = env.ctrl.Snapshot()
	assert.Equal(t, "layer-1", snap.ActiveLayerID)
	require.Len(t, snap.Layers, 1)

	// Deleting the active layer clears the viewer state
	require.NoError(t, env.ctrl.DeleteLayer(context.Background(), "layer-1"))
	snap = env.ctrl.Snapshot()
	assert.Empty(t, snap.ActiveLayerID)
	assert.Empty(t, snap.ActiveTilesetURL)
	assert.Empty(t, snap.Layers)
}

func TestSelectLayerOverride(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{AutoSelectFirstLayer: true})
	env.layers.byID["parcel-1"] = []lidar.Layer{
		{ID: "layer-1", ParcelID: "parcel-1", TilesetURL: "/tilesets/layer-1/tileset.json"},
		{ID: "layer-2", ParcelID: "parcel-1", TilesetURL: "/tilesets/layer-2/tileset.json"},
	}
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	require.NoError(t, env.ctrl.SelectLayer("layer-2"))
	snap := env.ctrl.Snapshot()
	assert.Equal(t, "layer-2", snap.ActiveLayerID)
	assert.Equal(t, "/tilesets/layer-2/tileset.json", snap.ActiveTilesetURL)

	assert.ErrorIs(t, env.ctrl.SelectLayer("layer-99"), ErrUnknownLayer)
}

func TestSetColorModeIsLocal(t *testing.T) {
	var styleMu sync.Mutex
	var styles []viz.Style
	env := newTestEnv(t, Callbacks{
		OnStyleChanged: func(style viz.Style) {
			styleMu.Lock()
			styles = append(styles, style)
			styleMu.Unlock()
		},
	}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	env.layers.mu.Lock()
	listsBefore := env.layers.lists
	env.layers.mu.Unlock()

	require.NoError(t, env.ctrl.SetColorMode(viz.ColorModeNDVI))
	require.NoError(t, env.ctrl.SetColorMode(viz.ColorModeNDVI)) // no-op repeat

	var invalid *lidar.ValidationError
	err := env.ctrl.SetColorMode(viz.ColorMode("thermal"))
	require.ErrorAs(t, err, &invalid)

	assert.Equal(t, viz.ColorModeNDVI, env.ctrl.ColorMode())
	assert.Equal(t, int64(0), env.coverage.calls.Load())
	env.layers.mu.Lock()
	assert.Equal(t, listsBefore, env.layers.lists)
	env.layers.mu.Unlock()

	styleMu.Lock()
	defer styleMu.Unlock()
	require.Len(t, styles, 1)
	assert.Equal(t, viz.ColorModeNDVI, styles[0].Mode)
}

func TestUploadValidatesLocally(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})
	env.selectParcel(t, "parcel-1", "") // upload works without geometry

	_, err := env.ctrl.UploadPointCloud(context.Background(), "survey.shp", strings.NewReader("x"), 1)
	var invalid *lidar.ValidationError
	require.ErrorAs(t, err, &invalid)

	env.jobs.mu.Lock()
	assert.Equal(t, 0, env.jobs.submits)
	env.jobs.mu.Unlock()

	job, err := env.ctrl.UploadPointCloud(context.Background(), "survey.laz", strings.NewReader("x"), 1)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
}

func TestProcessingConfigValidation(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})

	bad := lidar.DefaultProcessingConfig()
	bad.DetectTrees = true
	bad.TreeMinHeight = -1
	var invalid *lidar.ValidationError
	require.ErrorAs(t, env.ctrl.SetProcessingConfig(bad), &invalid)

	good := lidar.DefaultProcessingConfig()
	good.ColorizeBy = "rgb"
	require.NoError(t, env.ctrl.SetProcessingConfig(good))
	assert.Equal(t, "rgb", env.ctrl.ProcessingConfig().ColorizeBy)
}

func TestSnapshotMarshalsEmptyLayersAsArray(t *testing.T) {
	env := newTestEnv(t, Callbacks{}, Options{})

	data, err := json.Marshal(env.ctrl.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"layers":[]`, "an empty layer list must reach the frontend as an array")

	env.selectParcel(t, "parcel-1", "POINT(1 2)")
	data, err = json.Marshal(env.ctrl.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"layers":null`)
}

func TestSnapshotDeliveryIsSerialized(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	env := newTestEnv(t, Callbacks{
		OnSnapshot: func(snapshot Snapshot) {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		},
	}, Options{})
	env.selectParcel(t, "parcel-1", "POINT(1 2)")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				env.ctrl.RefreshLayers(context.Background())
			case 1:
				env.ctrl.SetColorMode(viz.ColorModeNDVI)
			default:
				env.ctrl.SetColorMode(viz.ColorModeHeight)
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "snapshots must be delivered one at a time, in build order")
}
