package featuresvc

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// shpRow is one shapefile record held in memory between page requests.
type shpRow struct {
	shape shp.Shape
	attrs map[string]any
}

// ShapefilePager serves a local shapefile in pages of record offsets. The
// file is read once on first use; static sources are small enough for that.
type ShapefilePager struct {
	opts Options

	once sync.Once
	rows []shpRow
	err  error
}

// NewShapefilePager creates a pager over the .shp file at opts.URL (a path).
// opts.SRS names the CRS of the file since .prj parsing is not supported.
func NewShapefilePager(opts Options) *ShapefilePager {
	return &ShapefilePager{opts: opts.withDefaults()}
}

// PageSize implements Pager.
func (p *ShapefilePager) PageSize() int { return p.opts.PageSize }

func (p *ShapefilePager) load() {
	reader, err := shp.Open(p.opts.URL)
	if err != nil {
		p.err = resilience.NewRequestError(eris.Wrapf(err, "shapefile: open %s", p.opts.URL), 0)
		return
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = NormalizeKey(strings.TrimRight(f.String(), "\x00"))
	}

	for reader.Next() {
		_, shape := reader.Shape()
		attrs := make(map[string]any, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			attrs[name] = CoerceText(val)
		}
		p.rows = append(p.rows, shpRow{shape: shape, attrs: attrs})
	}
}

// FetchPage implements Pager.
func (p *ShapefilePager) FetchPage(ctx context.Context, page int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.once.Do(p.load)
	if p.err != nil {
		return nil, p.err
	}

	start := page * p.opts.PageSize
	end := min(start+p.opts.PageSize, len(p.rows))
	out := &Page{Index: page, Total: len(p.rows)}
	if start >= len(p.rows) {
		out.Done = true
		return out, nil
	}
	out.Returned = end - start

	for i := start; i < end; i++ {
		row := p.rows[i]
		prov := p.opts.provenance(page, i-start)
		rec := model.FeatureRecord{
			Attributes: row.attrs,
			Provenance: prov,
			Geometry:   model.Geometry{CRS: p.opts.SRS},
		}
		if p.opts.IDField != "" {
			rec.ID = idString(row.attrs[NormalizeKey(p.opts.IDField)])
		} else {
			rec.ID = strconv.Itoa(i)
		}
		if rec.ID == "" {
			out.Dropped = append(out.Dropped, decodeError(prov, "", eris.Errorf("shapefile: record %d has no %s", i, p.opts.IDField)))
			continue
		}

		g := shapeToGeom(row.shape)
		if g == nil {
			out.Dropped = append(out.Dropped, decodeError(prov, rec.ID, eris.Errorf("shapefile: unsupported shape %T", row.shape)))
			continue
		}
		rec.Geometry.Geom = g
		out.Records = append(out.Records, rec)
	}
	if end == len(p.rows) {
		out.Done = true
	}
	return out, nil
}

// shapeToGeom converts a go-shp shape to go-geom. Returns nil for nil or
// unsupported shapes.
func shapeToGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PolyLine:
		return polyLineToMultiLineString(s)
	case *shp.Polygon:
		return polygonToGeom(s)
	default:
		return nil
	}
}

// partRange returns the point index range of part i.
func partRange(parts []int32, numPoints, i int) (int, int) {
	start := int(parts[i])
	end := numPoints
	if i+1 < len(parts) {
		end = int(parts[i+1])
	}
	return start, end
}

func pointsFlat(points []shp.Point, start, end int) []float64 {
	flat := make([]float64, 0, (end-start)*2)
	for _, pt := range points[start:end] {
		flat = append(flat, pt.X, pt.Y)
	}
	return flat
}

func polyLineToMultiLineString(pl *shp.PolyLine) geom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}
	mls := geom.NewMultiLineString(geom.XY)
	for i := range int(pl.NumParts) {
		start, end := partRange(pl.Parts, len(pl.Points), i)
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, pointsFlat(pl.Points, start, end))); err != nil {
			zap.L().Debug("shapefile: skipping malformed linestring part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// polygonToGeom converts shapefile rings. Shapefile outer rings are
// clockwise and holes counter-clockwise, the same convention as ArcGIS.
func polygonToGeom(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}
	rings := make([][][]float64, 0, p.NumParts)
	for i := range int(p.NumParts) {
		start, end := partRange(p.Parts, len(p.Points), i)
		ring := make([][]float64, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, []float64{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}
	g, err := ringsToGeom(rings)
	if err != nil {
		zap.L().Debug("shapefile: skipping malformed polygon", zap.Error(err))
		return nil
	}
	return g
}
