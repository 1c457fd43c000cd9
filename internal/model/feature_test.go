package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestGeometry_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	poly := geom.NewPolygonFlat(geom.XY, []float64{
		700000, 6100000, 700100, 6100000, 700100, 6100100, 700000, 6100000,
	}, []int{8})

	rec := FeatureRecord{
		ID:         "bnbo.1",
		Geometry:   Geometry{CRS: "EPSG:25832", Geom: poly},
		Attributes: map[string]any{"status_bnbo": "Indsats gennemført", "area": 1.5},
		Provenance: Provenance{
			Source:    "bnbo_status",
			FetchedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
			Page:      2,
			Offset:    7,
		},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got FeatureRecord
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "EPSG:25832", got.Geometry.CRS)
	require.NotNil(t, got.Geometry.Geom)
	assert.Equal(t, poly.FlatCoords(), got.Geometry.Geom.FlatCoords())
	assert.True(t, got.Geometry.Valid())
	assert.Equal(t, rec.Provenance, got.Provenance)
	assert.Equal(t, "Indsats gennemført", got.Attributes["status_bnbo"])
}

func TestGeometry_RawPayloadSurvives(t *testing.T) {
	t.Parallel()

	g := Geometry{CRS: "EPSG:25832", Raw: "<gml:posList>1 2 x</gml:posList>"}
	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "geojson")

	var got Geometry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got.Geom)
	assert.Equal(t, g.Raw, got.Raw)
	assert.False(t, got.Valid())
}

func TestProvenance_Ref(t *testing.T) {
	t.Parallel()
	p := Provenance{Source: "wetlands", Page: 3, Offset: 12}
	assert.Equal(t, "wetlands/page=3/offset=12", p.Ref())
}

func TestBronzeBatch_LenNil(t *testing.T) {
	t.Parallel()
	var b *BronzeBatch
	assert.Equal(t, 0, b.Len())
}
