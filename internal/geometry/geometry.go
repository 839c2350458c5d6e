// Package geometry converts region geometries read from the datastore as
// EWKB into go-geom values and GeoJSON.
package geometry

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// SRID of every materialized geometry.
const SRID = 4326

// Decode parses EWKB bytes. Empty input returns nil, nil.
func Decode(data []byte) (geom.T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: decode EWKB")
	}
	return g, nil
}

// Encode marshals g as little-endian EWKB, defaulting its SRID.
func Encode(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	if g.SRID() == 0 {
		var err error
		g, err = geom.SetSRID(g, SRID)
		if err != nil {
			return nil, eris.Wrap(err, "geometry: set SRID")
		}
	}
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode EWKB")
	}
	return data, nil
}

// GeoJSON converts EWKB bytes to a GeoJSON geometry object. Empty input
// returns nil.
func GeoJSON(data []byte) (json.RawMessage, error) {
	g, err := Decode(data)
	if err != nil || g == nil {
		return nil, err
	}
	out, err := geojson.Marshal(g)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode GeoJSON")
	}
	return out, nil
}

// Feature builds a GeoJSON feature for one region.
func Feature(id string, data []byte, props map[string]any) (*geojson.Feature, error) {
	g, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &geojson.Feature{ID: id, Geometry: g, Properties: props}, nil
}

// FeatureFromGeoJSON builds a feature from an already encoded GeoJSON
// geometry. A nil geometry yields a feature without one.
func FeatureFromGeoJSON(id string, gj json.RawMessage, props map[string]any) (*geojson.Feature, error) {
	f := &geojson.Feature{ID: id, Properties: props}
	if len(gj) == 0 {
		return f, nil
	}
	if err := geojson.Unmarshal(gj, &f.Geometry); err != nil {
		return nil, eris.Wrap(err, "geometry: decode GeoJSON")
	}
	return f, nil
}

// Collection wraps features in a FeatureCollection.
func Collection(features ...*geojson.Feature) *geojson.FeatureCollection {
	return &geojson.FeatureCollection{Features: features}
}
