// Package source declares the feature services the pipeline ingests and
// builds the fetch and transform capabilities for each of them.
package source

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/crs"
	"github.com/sells-group/geo-pipeline/internal/silver"
)

// Kind selects the protocol used to page a source.
type Kind string

const (
	KindWFS       Kind = "wfs"
	KindArcGIS    Kind = "arcgis"
	KindShapefile Kind = "shapefile"
	KindOGCAPI    Kind = "ogcapi"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindWFS:
		return KindWFS, nil
	case KindArcGIS:
		return KindArcGIS, nil
	case KindShapefile:
		return KindShapefile, nil
	case KindOGCAPI:
		return KindOGCAPI, nil
	default:
		return "", eris.Errorf("unknown source kind: %q (valid: wfs, arcgis, shapefile, ogcapi)", s)
	}
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Definition describes one source. Names are used in storage keys, so they
// are restricted to lowercase identifiers.
type Definition struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	Kind  Kind   `yaml:"kind"`

	// URL is the service endpoint (WFS, ArcGIS layer URL, OGC API items URL).
	URL string `yaml:"url"`
	// Layer is the WFS type name or the ArcGIS where clause.
	Layer string `yaml:"layer"`
	// Path is the .shp file for shapefile sources.
	Path string `yaml:"path"`

	SRS     string `yaml:"srs"`
	IDField string `yaml:"id_field"`

	// PageSize and Concurrency override the fetch defaults when positive.
	PageSize    int `yaml:"page_size"`
	Concurrency int `yaml:"concurrency"`

	// Headers are sent with every request. Values are expanded against the
	// environment so credentials stay out of the catalog file.
	Headers map[string]string `yaml:"headers"`
	// Query adds request parameters to OGC API requests, expanded like Headers.
	Query map[string]string `yaml:"query"`
	// WindowDays limits OGC API sources to the trailing days before the run.
	WindowDays int `yaml:"window_days"`

	Aggregation silver.Aggregation `yaml:"aggregation"`
	ValueMaps   []silver.ValueMap  `yaml:"value_maps"`
}

// Validate checks the definition for the fields its kind requires.
func (d *Definition) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return eris.Errorf("source: invalid name %q", d.Name)
	}
	kind, err := ParseKind(string(d.Kind))
	if err != nil {
		return eris.Wrapf(err, "source %s", d.Name)
	}
	d.Kind = kind

	switch d.Kind {
	case KindWFS:
		if d.URL == "" || d.Layer == "" {
			return eris.Errorf("source %s: wfs needs url and layer", d.Name)
		}
	case KindArcGIS:
		if d.URL == "" {
			return eris.Errorf("source %s: arcgis needs url", d.Name)
		}
	case KindOGCAPI:
		if d.URL == "" {
			return eris.Errorf("source %s: ogcapi needs url", d.Name)
		}
	case KindShapefile:
		if d.Path == "" {
			return eris.Errorf("source %s: shapefile needs path", d.Name)
		}
		if d.SRS == "" {
			return eris.Errorf("source %s: shapefile needs srs", d.Name)
		}
	}
	if d.SRS != "" {
		c, err := crs.Parse(d.SRS)
		if err != nil {
			return eris.Wrapf(err, "source %s", d.Name)
		}
		if !c.Supported() {
			return eris.Errorf("source %s: unsupported srs %s", d.Name, d.SRS)
		}
	}
	if d.PageSize < 0 || d.Concurrency < 0 || d.WindowDays < 0 {
		return eris.Errorf("source %s: page_size, concurrency and window_days must not be negative", d.Name)
	}

	plan := d.Plan()
	if err := plan.Validate(); err != nil {
		return eris.Wrapf(err, "source %s", d.Name)
	}
	d.Aggregation = plan.Aggregation
	d.ValueMaps = plan.ValueMaps
	return nil
}

// Plan returns the transform plan of the source.
func (d Definition) Plan() silver.Plan {
	return silver.Plan{Aggregation: d.Aggregation, ValueMaps: d.ValueMaps}
}
