package orion

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// supportedGeometryTypes are the GeoJSON shapes the viewer can handle
var supportedGeometryTypes = map[string]bool{
	"Point":        true,
	"LineString":   true,
	"Polygon":      true,
	"MultiPolygon": true,
}

// GeometryToWKT converts a GeoJSON geometry to its WKT text form.
// Coordinate order and ring nesting are preserved exactly.
//
// Unsupported shape types (GeometryCollection, MultiPoint, ...) return
// an empty string and a logged warning, not an error. Malformed input
// is an error.
func GeometryToWKT(entityID string, raw json.RawMessage) (string, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", fmt.Errorf("failed to parse geometry: %w", err)
	}

	if !supportedGeometryTypes[header.Type] {
		log.Printf("[Orion] Unsupported geometry type %q on entity %s, treating as no geometry", header.Type, entityID)
		return "", nil
	}

	geometry, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode geometry: %w", err)
	}

	switch g := geometry.Geometry().(type) {
	case orb.Point, orb.LineString, orb.Polygon, orb.MultiPolygon:
		return wkt.MarshalString(g), nil
	default:
		log.Printf("[Orion] Unexpected decoded geometry %T on entity %s", g, entityID)
		return "", nil
	}
}
