package featuresvc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// writeWetlands writes n square polygons with a NAVN and TYPE attribute.
func writeWetlands(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wetlands.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("NAVN", 20),
		shp.StringField("TYPE", 10),
	}))

	for i := range n {
		x := float64(i * 100)
		poly := &shp.Polygon{
			NumParts:  1,
			NumPoints: 5,
			Parts:     []int32{0},
			Points: []shp.Point{
				{X: x, Y: 0}, {X: x, Y: 100}, {X: x + 100, Y: 100}, {X: x + 100, Y: 0}, {X: x, Y: 0},
			},
		}
		row := int(w.Write(poly))
		require.NoError(t, w.WriteAttribute(row, 0, "mose"))
		require.NoError(t, w.WriteAttribute(row, 1, "eng"))
	}
	w.Close()
	return path
}

func TestShapefilePager(t *testing.T) {
	path := writeWetlands(t, 5)
	p := NewShapefilePager(Options{Source: "wetlands", URL: path, SRS: "EPSG:25832", PageSize: 2, Now: fixedNow})

	var (
		indices []int
		records int
	)
	for page, err := range Pages(context.Background(), p) {
		require.NoError(t, err)
		indices = append(indices, page.Index)
		records += len(page.Records)
		assert.Equal(t, 5, page.Total)
	}
	assert.Equal(t, []int{0, 1, 2}, indices)
	assert.Equal(t, 5, records)

	page, err := p.FetchPage(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	rec := page.Records[0]
	assert.Equal(t, "2", rec.ID)
	assert.Equal(t, "mose", rec.Attributes["navn"])
	assert.Equal(t, "EPSG:25832", rec.Geometry.CRS)
	poly, ok := rec.Geometry.Geom.(*geom.Polygon)
	require.True(t, ok)
	assert.InDelta(t, 10000, poly.Area(), 1e-6)
}

func TestShapefilePager_PastEnd(t *testing.T) {
	p := NewShapefilePager(Options{URL: writeWetlands(t, 1), PageSize: 10})
	page, err := p.FetchPage(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Empty(t, page.Records)
}

func TestShapefilePager_MissingFile(t *testing.T) {
	p := NewShapefilePager(Options{URL: filepath.Join(t.TempDir(), "nope.shp")})
	_, err := p.FetchPage(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, resilience.IsRequestError(err))
}

func TestShapeToGeom(t *testing.T) {
	assert.IsType(t, &geom.Point{}, shapeToGeom(&shp.Point{X: 1, Y: 2}))
	assert.Nil(t, shapeToGeom(nil))
	assert.Nil(t, shapeToGeom(&shp.Polygon{}))

	pl := &shp.PolyLine{
		NumParts: 2,
		Parts:    []int32{0, 2},
		Points:   []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}},
	}
	mls, ok := shapeToGeom(pl).(*geom.MultiLineString)
	require.True(t, ok)
	assert.Equal(t, 2, mls.NumLineStrings())
}
