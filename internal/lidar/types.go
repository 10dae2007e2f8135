// Package lidar is the client for the LiDAR processing backend.
// It covers coverage lookups, job submission and polling, point cloud
// uploads and the layer catalogue. The backend's processing pipeline
// (clipping, conversion, tree detection) is opaque to this package;
// only job status is observed.
package lidar

import "fmt"

// JobState represents the lifecycle state of a processing job
type JobState string

const (
	JobPending    JobState = "pending"
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether the state is final (no further polling useful)
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job represents a processing job as reported by the backend.
// Progress is backend-authoritative (0-100); the client never computes
// or interpolates it.
type Job struct {
	ID            string   `json:"job_id"`
	Status        JobState `json:"status"`
	Progress      int      `json:"progress"`
	StatusMessage string   `json:"status_message,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	TilesetURL    string   `json:"tileset_url,omitempty"`
	TreeCount     *int     `json:"tree_count,omitempty"`
	PointCount    *int64   `json:"point_count,omitempty"`
}

// ProcessingConfig holds user-editable processing options. It persists
// across jobs within a session and is not tied to any one parcel.
type ProcessingConfig struct {
	ColorizeBy       string  `json:"colorize_by"`
	DetectTrees      bool    `json:"detect_trees"`
	TreeMinHeight    float64 `json:"tree_min_height"`
	TreeSearchRadius float64 `json:"tree_search_radius"`
	NDVISourceURL    string  `json:"ndvi_source_url,omitempty"`
}

// DefaultProcessingConfig returns the backend's documented defaults
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		ColorizeBy:       "height",
		DetectTrees:      false,
		TreeMinHeight:    2.0,
		TreeSearchRadius: 3.0,
	}
}

var validColorModes = map[string]bool{
	"height":         true,
	"ndvi":           true,
	"rgb":            true,
	"classification": true,
}

// Validate checks the config before it is sent anywhere
func (c ProcessingConfig) Validate() error {
	if !validColorModes[c.ColorizeBy] {
		return &ValidationError{Message: fmt.Sprintf("invalid color mode %q (must be height, ndvi, rgb, or classification)", c.ColorizeBy)}
	}
	if c.DetectTrees {
		if c.TreeMinHeight <= 0 {
			return &ValidationError{Message: "tree minimum height must be positive"}
		}
		if c.TreeSearchRadius <= 0 {
			return &ValidationError{Message: "tree search radius must be positive"}
		}
	}
	return nil
}

// CoverageTile describes one prebuilt dataset tile overlapping a geometry
type CoverageTile struct {
	ID           string  `json:"id"`
	TileName     string  `json:"tile_name"`
	Source       string  `json:"source"` // PNOA, IDENA, user_upload
	FlightYear   int     `json:"flight_year,omitempty"`
	PointDensity float64 `json:"point_density,omitempty"` // points per square meter
	LazURL       string  `json:"laz_url"`
}

// CoverageResult is the backend's answer to a coverage check
type CoverageResult struct {
	HasCoverage bool           `json:"has_coverage"`
	Tiles       []CoverageTile `json:"tiles"`
}

// Layer is a previously produced visualization artifact. Layers are
// created by the backend as a side effect of a completed job; the
// client only reads, lists and deletes references to them.
type Layer struct {
	ID           string `json:"id"`
	ParcelID     string `json:"parcel_id"`
	TilesetURL   string `json:"tileset_url"`
	Source       string `json:"source"`
	PointCount   *int64 `json:"point_count,omitempty"`
	DateObserved string `json:"date_observed,omitempty"`
}

// JobSummary is one entry in the job history listing
type JobSummary struct {
	ID          string   `json:"id"`
	ParcelID    string   `json:"parcel_id"`
	Status      JobState `json:"status"`
	Progress    int      `json:"progress"`
	CreatedAt   string   `json:"created_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// JobList is a page of job history
type JobList struct {
	Jobs   []JobSummary `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// CacheStats reports the backend's source-tile cache statistics
type CacheStats struct {
	Cache       map[string]interface{} `json:"cache"`
	Description string                 `json:"description"`
}
