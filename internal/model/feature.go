package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Provenance records where and when a feature was fetched.
type Provenance struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	Page      int       `json:"page"`
	Offset    int       `json:"offset"`
}

// Ref returns a short reference to the raw payload position, used in logs.
func (p Provenance) Ref() string {
	return p.Source + "/page=" + strconv.Itoa(p.Page) + "/offset=" + strconv.Itoa(p.Offset)
}

// Geometry is a vector geometry tagged with its coordinate reference system.
// Coordinates are always stored in x/y (easting/northing, lon/lat) order.
//
// Raw holds the undecodable source payload when the geometry could not be
// parsed at fetch time. Such features are persisted to bronze as-is and
// rejected by the transform stage.
type Geometry struct {
	CRS  string
	Geom geom.T
	Raw  string
}

// Valid reports whether the geometry was decoded.
func (g Geometry) Valid() bool {
	return g.Geom != nil && g.Raw == ""
}

type geometryJSON struct {
	CRS     string          `json:"crs"`
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

// MarshalJSON encodes the geometry as GeoJSON with a separate CRS tag.
func (g Geometry) MarshalJSON() ([]byte, error) {
	out := geometryJSON{CRS: g.CRS, Raw: g.Raw}
	if g.Geom != nil {
		data, err := geojson.Marshal(g.Geom)
		if err != nil {
			return nil, eris.Wrap(err, "model: encode geometry")
		}
		out.GeoJSON = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var in geometryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return eris.Wrap(err, "model: decode geometry envelope")
	}
	g.CRS = in.CRS
	g.Raw = in.Raw
	g.Geom = nil
	if len(in.GeoJSON) > 0 && string(in.GeoJSON) != "null" {
		var t geom.T
		if err := geojson.Unmarshal(in.GeoJSON, &t); err != nil {
			return eris.Wrap(err, "model: decode geojson")
		}
		g.Geom = t
	}
	return nil
}

// FeatureRecord is one geographic feature as fetched from a source.
// ID is unique within a source; duplicates within a run are resolved at
// transform time (first occurrence wins).
type FeatureRecord struct {
	ID         string         `json:"id"`
	Geometry   Geometry       `json:"geometry"`
	Attributes map[string]any `json:"attributes"`
	Provenance Provenance     `json:"provenance"`
}
