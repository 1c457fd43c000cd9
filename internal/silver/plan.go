// Package silver is the transform stage: it loads a run's bronze batches,
// reprojects geometries to the canonical CRS, computes grouped statistics in
// an embedded DuckDB database and writes the result as Parquet.
package silver

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/featuresvc"
	"github.com/sells-group/geo-pipeline/internal/model"
)

// AreaAttribute is the attribute holding the feature area in hectares.
const AreaAttribute = "area_ha"

var timeBuckets = []string{"day", "week", "month", "quarter", "year"}

// reservedColumns are the non-key columns of the aggregates file.
var reservedColumns = []string{"bucket", "crs", "count", "min", "max", "avg", "distinct"}

// Aggregation declares how features are grouped and summarized.
type Aggregation struct {
	// GroupBy lists the attributes forming the group key, in output order.
	GroupBy []string `yaml:"group_by" json:"group_by"`
	// Measure is the numeric attribute summarized by min/max/avg. The
	// distinct statistic counts its distinct values.
	Measure string `yaml:"measure" json:"measure,omitempty"`
	// TimeField and TimeBucket add a truncated timestamp to the group key.
	TimeField  string       `yaml:"time_field" json:"time_field,omitempty"`
	TimeBucket string       `yaml:"time_bucket" json:"time_bucket,omitempty"`
	Stats      []model.Stat `yaml:"stats" json:"stats,omitempty"`
}

// ValueMap derives attribute To from attribute From through Values.
// Values not in the table map to Default; a missing From attribute leaves
// To unset.
type ValueMap struct {
	From    string            `yaml:"from" json:"from"`
	To      string            `yaml:"to" json:"to"`
	Values  map[string]string `yaml:"values" json:"values"`
	Default string            `yaml:"default" json:"default,omitempty"`
}

// Plan is everything the transform needs to know about a source.
type Plan struct {
	Aggregation Aggregation
	ValueMaps   []ValueMap
}

// Validate checks the plan and normalizes attribute names the same way the
// pagers normalize attribute keys.
func (p *Plan) Validate() error {
	a := &p.Aggregation
	for i, k := range a.GroupBy {
		a.GroupBy[i] = featuresvc.NormalizeKey(k)
		if a.GroupBy[i] == "" {
			return eris.Errorf("silver: group_by[%d] is empty", i)
		}
	}
	for i, k := range a.GroupBy {
		if slices.Contains(a.GroupBy[:i], k) {
			return eris.Errorf("silver: duplicate group_by attribute %q", k)
		}
		if slices.Contains(reservedColumns, k) {
			return eris.Errorf("silver: group_by attribute %q collides with an output column", k)
		}
	}
	a.Measure = featuresvc.NormalizeKey(a.Measure)
	a.TimeField = featuresvc.NormalizeKey(a.TimeField)
	a.TimeBucket = strings.ToLower(strings.TrimSpace(a.TimeBucket))
	switch {
	case a.TimeField != "" && a.TimeBucket == "":
		return eris.Errorf("silver: time_field %q needs a time_bucket", a.TimeField)
	case a.TimeField == "" && a.TimeBucket != "":
		return eris.Errorf("silver: time_bucket %q needs a time_field", a.TimeBucket)
	case a.TimeBucket != "" && !slices.Contains(timeBuckets, a.TimeBucket):
		return eris.Errorf("silver: unknown time_bucket %q (valid: %s)", a.TimeBucket, strings.Join(timeBuckets, ", "))
	}
	for _, s := range a.Stats {
		if !slices.Contains(model.AllStats, s) {
			return eris.Errorf("silver: unknown stat %q", s)
		}
	}
	if a.Measure == "" {
		for _, s := range a.Stats {
			if s != model.StatCount {
				return eris.Errorf("silver: stat %q needs a measure", s)
			}
		}
	}

	for i := range p.ValueMaps {
		vm := &p.ValueMaps[i]
		vm.From = featuresvc.NormalizeKey(vm.From)
		vm.To = featuresvc.NormalizeKey(vm.To)
		if vm.From == "" || vm.To == "" {
			return eris.Errorf("silver: value_map[%d] needs from and to", i)
		}
	}
	return nil
}

// stats returns the statistics written to the silver file, in column order.
func (a Aggregation) stats() []model.Stat {
	if len(a.Stats) == 0 {
		if a.Measure == "" {
			return []model.Stat{model.StatCount}
		}
		return model.AllStats
	}
	out := make([]model.Stat, 0, len(a.Stats))
	for _, s := range model.AllStats {
		if slices.Contains(a.Stats, s) {
			out = append(out, s)
		}
	}
	return out
}
