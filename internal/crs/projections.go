package crs

import "github.com/wroge/wgs84"

// system is one supported projected CRS. equalScale marks the UTM zones,
// where planar area is meaningful.
type system struct {
	ref        wgs84.CoordinateReferenceSystem
	equalScale bool
}

var projections = map[int]system{
	25832: {ref: wgs84.ETRS89UTM(32), equalScale: true},
	25833: {ref: wgs84.ETRS89UTM(33), equalScale: true},
	25834: {ref: wgs84.ETRS89UTM(34), equalScale: true},
	32632: {ref: wgs84.UTM(32, true), equalScale: true},
	32633: {ref: wgs84.UTM(33, true), equalScale: true},
	3857:  {ref: wgs84.WebMercator()},
}

func reference(c CRS) (wgs84.CoordinateReferenceSystem, bool) {
	if c.Geographic() {
		return wgs84.LonLat(), true
	}
	s, ok := projections[c.Code]
	return s.ref, ok
}
