package session

import (
	"lidar-desktop/internal/lidar"
	"lidar-desktop/internal/viz"
)

// State is the controller's position in its entity lifecycle
type State string

const (
	// StateIdle: no entity selected; everything else is empty
	StateIdle State = "idle"
	// StateResolving: entity just selected, geometry fetch in flight
	StateResolving State = "resolving"
	// StateReady: geometry resolved (or resolution failed and geometry
	// is absent); coverage checks and job submission are permitted
	StateReady State = "ready"
	// StateProcessing: a job is live for the current entity
	StateProcessing State = "processing"
)

// Snapshot is a consistent, read-only view of the session for
// consumers. ActiveTilesetURL is non-empty only when it matches a
// layer in Layers or the result of the just-completed job.
type Snapshot struct {
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	State      State  `json:"state"`

	HasGeometry bool   `json:"hasGeometry"`
	GeometryWKT string `json:"geometryWkt,omitempty"`

	CoverageChecked   bool                `json:"coverageChecked"`
	CoverageAvailable bool                `json:"coverageAvailable"`
	CoverageTiles     []lidar.CoverageTile `json:"coverageTiles,omitempty"`

	ColorMode        viz.ColorMode `json:"colorMode"`
	ActiveLayerID    string        `json:"activeLayerId,omitempty"`
	ActiveTilesetURL string        `json:"activeTilesetUrl,omitempty"`

	Job    *lidar.Job    `json:"job,omitempty"`
	Layers []lidar.Layer `json:"layers"`
}

// snapshotLocked builds a Snapshot copy; callers hold c.mu.
func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		EntityID:         c.entity.ID,
		EntityType:       c.entity.Type,
		State:            c.state,
		HasGeometry:      c.geometryWKT != "",
		GeometryWKT:      c.geometryWKT,
		ColorMode:        c.colorMode,
		ActiveLayerID:    c.activeLayerID,
		ActiveTilesetURL: c.activeTilesetURL,
	}

	if c.coverageResult != nil {
		snap.CoverageChecked = true
		snap.CoverageAvailable = c.coverageResult.HasCoverage
		snap.CoverageTiles = append([]lidar.CoverageTile(nil), c.coverageResult.Tiles...)
	}

	if c.liveJob != nil {
		jobCopy := *c.liveJob
		snap.Job = &jobCopy
	}

	// Always an array on the wire, never null
	snap.Layers = append(make([]lidar.Layer, 0, len(c.layerList)), c.layerList...)
	return snap
}
