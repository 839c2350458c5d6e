package model

// Temporal resolutions accepted for a source's time buckets. Each is a valid
// date_trunc unit.
var temporalResolutions = map[string]bool{
	"day":     true,
	"week":    true,
	"month":   true,
	"quarter": true,
	"year":    true,
	"decade":  true,
}

// ValidTemporalResolution reports whether res names a supported time bucket.
func ValidTemporalResolution(res string) bool {
	return temporalResolutions[res]
}

// PointResolution is the spatial resolution of sources whose rows carry
// their own point geometry instead of a region id. Such sources aggregate to
// any geography by containment.
const PointResolution = "point"

// Source is a table of observations recorded at one geography grain, or at
// points.
type Source struct {
	ID                 string `yaml:"id" json:"id"`
	Name               string `yaml:"name" json:"name"`
	Description        string `yaml:"description,omitempty" json:"description,omitempty"`
	Table              string `yaml:"table" json:"table"`
	SpatialResolution  string `yaml:"spatial_resolution" json:"spatial_resolution"`
	RegionSelect       string `yaml:"region_select,omitempty" json:"-"`
	GeomSelect         string `yaml:"geom_select,omitempty" json:"-"`
	TimeSelect         string `yaml:"time_select,omitempty" json:"-"`
	TemporalResolution string `yaml:"temporal_resolution,omitempty" json:"temporal_resolution,omitempty"`
}

// Temporal reports whether observations carry a time.
func (s *Source) Temporal() bool {
	return s.TimeSelect != ""
}

// Point reports whether rows are located by geometry.
func (s *Source) Point() bool {
	return s.SpatialResolution == PointResolution
}

// Aggregates reports whether the source can be aggregated to g.
func (s *Source) Aggregates(g *Geography) bool {
	return s.Point() || s.SpatialResolution == g.ID || g.HasSubgeography(s.SpatialResolution)
}
