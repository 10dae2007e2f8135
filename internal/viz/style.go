// Package viz defines the point cloud styling surface. Each color mode
// maps to a fixed, deterministic styling rule the frontend applies to
// the already-loaded tileset; switching modes never refetches data.
package viz

// ColorMode selects how points are colored
type ColorMode string

const (
	ColorModeHeight         ColorMode = "height"
	ColorModeNDVI           ColorMode = "ndvi"
	ColorModeRGB            ColorMode = "rgb"
	ColorModeClassification ColorMode = "classification"
)

// Valid reports whether the mode is one of the four supported modes
func (m ColorMode) Valid() bool {
	switch m {
	case ColorModeHeight, ColorModeNDVI, ColorModeRGB, ColorModeClassification:
		return true
	}
	return false
}

// LegendEntry is one row of a style's legend
type LegendEntry struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// Style is a 3D Tiles point cloud style: the color expression is in
// Cesium styling language, evaluated per point by the viewer.
type Style struct {
	Mode            ColorMode     `json:"mode"`
	Name            string        `json:"name"`
	ColorExpression string        `json:"colorExpression"`
	PointSize       float64       `json:"pointSize"`
	Legend          []LegendEntry `json:"legend,omitempty"`
}

// styles holds the fixed rule per mode. Ramps and class colors are
// deliberate constants so a mode always renders identically.
var styles = map[ColorMode]Style{
	ColorModeHeight: {
		Mode:            ColorModeHeight,
		Name:            "Elevation",
		ColorExpression: "color() * vec4(mix(vec3(0.1, 0.2, 0.9), vec3(0.9, 0.15, 0.1), clamp((${POSITION_ABSOLUTE}.z - ${zMin}) / (${zMax} - ${zMin}), 0.0, 1.0)), 1.0)",
		PointSize:       2,
		Legend: []LegendEntry{
			{Label: "Low", Color: "#1a33e6"},
			{Label: "High", Color: "#e62619"},
		},
	},
	ColorModeNDVI: {
		Mode:            ColorModeNDVI,
		Name:            "Vegetation index",
		ColorExpression: "color() * vec4(mix(vec3(0.55, 0.35, 0.18), vec3(0.1, 0.65, 0.15), clamp((${ndvi} + 1.0) / 2.0, 0.0, 1.0)), 1.0)",
		PointSize:       2,
		Legend: []LegendEntry{
			{Label: "Bare soil", Color: "#8c592e"},
			{Label: "Dense vegetation", Color: "#1aa626"},
		},
	},
	ColorModeRGB: {
		Mode:            ColorModeRGB,
		Name:            "True color",
		ColorExpression: "${COLOR}",
		PointSize:       2,
	},
	ColorModeClassification: {
		Mode:            ColorModeClassification,
		Name:            "Classification",
		ColorExpression: "${Classification} === 2 ? color('#8c592e') : (${Classification} === 3 || ${Classification} === 4 || ${Classification} === 5 ? color('#1aa626') : (${Classification} === 6 ? color('#c23b22') : (${Classification} === 9 ? color('#2e7cc4') : color('#aaaaaa'))))",
		PointSize:       2,
		Legend: []LegendEntry{
			{Label: "Ground", Color: "#8c592e"},
			{Label: "Vegetation", Color: "#1aa626"},
			{Label: "Building", Color: "#c23b22"},
			{Label: "Water", Color: "#2e7cc4"},
			{Label: "Other", Color: "#aaaaaa"},
		},
	},
}

// StyleFor returns the fixed style for a mode. Unknown modes fall back
// to the height style.
func StyleFor(mode ColorMode) Style {
	if style, ok := styles[mode]; ok {
		return style
	}
	return styles[ColorModeHeight]
}

// AllStyles returns every style, for populating mode pickers
func AllStyles() []Style {
	return []Style{
		styles[ColorModeHeight],
		styles[ColorModeNDVI],
		styles[ColorModeRGB],
		styles[ColorModeClassification],
	}
}
