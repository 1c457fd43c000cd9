// Package crs parses coordinate reference system identifiers and reprojects
// go-geom geometries between the handful of systems the feature services
// publish in (ETRS89/WGS84 UTM, web mercator, geographic WGS84).
package crs

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// WGS84 is the canonical output CRS.
const WGS84 = 4326

// CRS identifies a coordinate reference system by EPSG code. LatLon is set
// when the identifier form implies latitude-first axis order (the OGC URN and
// http forms of EPSG:4326).
type CRS struct {
	Code   int
	LatLon bool
}

// String renders the short EPSG:n form.
func (c CRS) String() string {
	return "EPSG:" + strconv.Itoa(c.Code)
}

// Geographic reports whether coordinates are degrees.
func (c CRS) Geographic() bool {
	return c.Code == WGS84
}

// Supported reports whether the code has a known projection.
func (c CRS) Supported() bool {
	_, ok := projections[c.Code]
	return ok || c.Code == WGS84
}

// Parse accepts EPSG:n, urn:ogc:def:crs:EPSG::n (any version segment),
// http(s)://www.opengis.net/def/crs/EPSG/0/n and the CRS84 aliases.
func Parse(id string) (CRS, error) {
	s := strings.TrimSpace(id)
	lower := strings.ToLower(s)

	switch {
	case lower == "":
		return CRS{}, eris.New("crs: empty identifier")
	case lower == "crs84" || strings.HasSuffix(lower, ":crs84") || strings.HasSuffix(lower, "/crs84"):
		return CRS{Code: WGS84}, nil
	case strings.HasPrefix(lower, "epsg:"):
		return parseCode(s, s[len("epsg:"):], false)
	case strings.HasPrefix(lower, "urn:ogc:def:crs:epsg:"):
		i := strings.LastIndex(s, ":")
		return parseCode(s, s[i+1:], true)
	case strings.HasPrefix(lower, "http://www.opengis.net/def/crs/epsg/"),
		strings.HasPrefix(lower, "https://www.opengis.net/def/crs/epsg/"):
		i := strings.LastIndex(s, "/")
		return parseCode(s, s[i+1:], true)
	}

	// Bare numeric codes show up in ArcGIS spatialReference.wkid.
	if _, err := strconv.Atoi(s); err == nil {
		return parseCode(s, s, false)
	}
	return CRS{}, eris.Errorf("crs: unrecognized identifier %q", id)
}

func parseCode(id, num string, authorityAxes bool) (CRS, error) {
	code, err := strconv.Atoi(num)
	if err != nil || code <= 0 {
		return CRS{}, eris.Errorf("crs: bad EPSG code in %q", id)
	}
	return CRS{Code: code, LatLon: authorityAxes && code == WGS84}, nil
}

// MustParse is Parse for static identifiers.
func MustParse(id string) CRS {
	c, err := Parse(id)
	if err != nil {
		panic(err)
	}
	return c
}
