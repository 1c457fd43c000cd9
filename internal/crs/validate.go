package crs

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// ErrEmptyGeometry is returned by Validate for geometries without coordinates.
var ErrEmptyGeometry = eris.New("crs: empty geometry")

// Validate checks that g has coordinates, that every coordinate is finite,
// and that polygon rings are closed with at least four positions.
func Validate(g geom.T) error {
	if g == nil {
		return ErrEmptyGeometry
	}
	if gc, ok := g.(*geom.GeometryCollection); ok {
		if gc.NumGeoms() == 0 {
			return ErrEmptyGeometry
		}
		for _, child := range gc.Geoms() {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	}

	flat := g.FlatCoords()
	if len(flat) == 0 {
		return ErrEmptyGeometry
	}
	for _, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.New("crs: non-finite coordinate")
		}
	}

	switch t := g.(type) {
	case *geom.Polygon:
		return validatePolygon(t)
	case *geom.MultiPolygon:
		for i := range t.NumPolygons() {
			if err := validatePolygon(t.Polygon(i)); err != nil {
				return eris.Wrapf(err, "polygon %d", i)
			}
		}
	case *geom.LineString:
		if t.NumCoords() < 2 {
			return eris.New("crs: linestring needs at least 2 positions")
		}
	}
	return nil
}

func validatePolygon(p *geom.Polygon) error {
	if p.NumLinearRings() == 0 {
		return ErrEmptyGeometry
	}
	for i := range p.NumLinearRings() {
		ring := p.LinearRing(i)
		n := ring.NumCoords()
		if n < 4 {
			return eris.Errorf("crs: ring %d has %d positions, need at least 4", i, n)
		}
		first, last := ring.Coord(0), ring.Coord(n-1)
		if first.X() != last.X() || first.Y() != last.Y() {
			return eris.Errorf("crs: ring %d is not closed", i)
		}
	}
	return nil
}

// AreaHectares returns the planar area of polygonal geometries in hectares.
// ok is false unless the CRS is an equal-scale projection (UTM) and the
// geometry is polygonal. Web mercator distorts area too much to report.
func AreaHectares(g geom.T, c CRS) (float64, bool) {
	if !projections[c.Code].equalScale {
		return 0, false
	}
	var area float64
	switch t := g.(type) {
	case *geom.Polygon:
		area = t.Area()
	case *geom.MultiPolygon:
		area = t.Area()
	default:
		return 0, false
	}
	return area / 10000, true
}
