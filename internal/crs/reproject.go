package crs

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/wroge/wgs84"
)

// Reproject returns g transformed from one CRS to another. The input is
// never mutated. When from and to describe the same axes in the same system
// g itself is returned.
func Reproject(g geom.T, from, to CRS) (geom.T, error) {
	if g == nil {
		return nil, eris.New("crs: nil geometry")
	}
	if from.Code == to.Code && from.LatLon == to.LatLon {
		return g, nil
	}

	fn, err := transformFunc(from, to)
	if err != nil {
		return nil, err
	}

	out, err := cloneGeom(g)
	if err != nil {
		return nil, err
	}
	if err := apply(out, fn); err != nil {
		return nil, err
	}
	setSRID(out, to.Code)
	return out, nil
}

type coordFunc func(x, y float64) (float64, float64)

func transformFunc(from, to CRS) (coordFunc, error) {
	src, ok := reference(from)
	if !ok {
		return nil, eris.Errorf("crs: unsupported source %s", from)
	}
	dst, ok := reference(to)
	if !ok {
		return nil, eris.Errorf("crs: unsupported target %s", to)
	}
	fn := wgs84.Transform(src, dst)

	return func(x, y float64) (float64, float64) {
		if from.LatLon {
			x, y = y, x
		}
		ox, oy, _ := fn(x, y, 0)
		if to.LatLon {
			ox, oy = oy, ox
		}
		return ox, oy
	}, nil
}

func apply(g geom.T, fn coordFunc) error {
	if gc, ok := g.(*geom.GeometryCollection); ok {
		for _, child := range gc.Geoms() {
			if err := apply(child, fn); err != nil {
				return err
			}
		}
		return nil
	}
	flat := g.FlatCoords()
	stride := g.Stride()
	if stride < 2 {
		return eris.Errorf("crs: unsupported layout %v", g.Layout())
	}
	for i := 0; i+1 < len(flat); i += stride {
		flat[i], flat[i+1] = fn(flat[i], flat[i+1])
	}
	return nil
}

func cloneGeom(g geom.T) (geom.T, error) {
	switch t := g.(type) {
	case *geom.Point:
		return t.Clone(), nil
	case *geom.LineString:
		return t.Clone(), nil
	case *geom.LinearRing:
		return t.Clone(), nil
	case *geom.Polygon:
		return t.Clone(), nil
	case *geom.MultiPoint:
		return t.Clone(), nil
	case *geom.MultiLineString:
		return t.Clone(), nil
	case *geom.MultiPolygon:
		return t.Clone(), nil
	case *geom.GeometryCollection:
		out := geom.NewGeometryCollection()
		for _, child := range t.Geoms() {
			c, err := cloneGeom(child)
			if err != nil {
				return nil, err
			}
			if err := out.Push(c); err != nil {
				return nil, eris.Wrap(err, "crs: clone collection")
			}
		}
		return out, nil
	default:
		return nil, eris.Errorf("crs: unsupported geometry type %T", g)
	}
}

func setSRID(g geom.T, srid int) {
	switch t := g.(type) {
	case *geom.Point:
		t.SetSRID(srid)
	case *geom.LineString:
		t.SetSRID(srid)
	case *geom.Polygon:
		t.SetSRID(srid)
	case *geom.MultiPoint:
		t.SetSRID(srid)
	case *geom.MultiLineString:
		t.SetSRID(srid)
	case *geom.MultiPolygon:
		t.SetSRID(srid)
	case *geom.GeometryCollection:
		t.SetSRID(srid)
	}
}
