package silver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/crs"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// row is one feature that survived dedup and reprojection.
type row struct {
	seq     int
	id      string
	keys    []*string
	ts      *string
	measure *float64
	// measureText is the measure as text, used for the distinct count so
	// that non-numeric measures can still be counted.
	measureText *string
	geometry    string
	attributes  string
}

// prepared is the in-memory feature set handed to the query engine.
type prepared struct {
	rows       []row
	input      int
	duplicates int
	rejected   int
}

// prepare orders the batches, drops duplicate IDs, reprojects every geometry
// and applies the value maps.
func (e *Engine) prepare(ctx context.Context, run *model.RunContext, batches []*model.BronzeBatch, plan Plan) (*prepared, error) {
	ordered := make([]*model.BronzeBatch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Page < ordered[j].Page })

	log := run.Log.With(zap.String("component", "silver"))
	out := &prepared{}
	seen := make(map[string]struct{})

	for _, b := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "silver: prepare cancelled")
		}
		for i := range b.Records {
			rec := &b.Records[i]
			out.input++
			if _, dup := seen[rec.ID]; dup {
				out.duplicates++
				log.Debug("duplicate feature dropped",
					zap.String("feature_id", rec.ID),
					zap.String("ref", rec.Provenance.Ref()),
				)
				continue
			}
			seen[rec.ID] = struct{}{}

			r, err := e.prepareRecord(rec, plan)
			if err != nil {
				out.rejected++
				log.Warn("geometry rejected",
					zap.String("feature_id", rec.ID),
					zap.String("ref", rec.Provenance.Ref()),
					zap.Error(err),
				)
				continue
			}
			r.seq = len(out.rows)
			out.rows = append(out.rows, r)
		}
	}
	return out, nil
}

func (e *Engine) prepareRecord(rec *model.FeatureRecord, plan Plan) (row, error) {
	attrs := make(map[string]any, len(rec.Attributes)+1+len(plan.ValueMaps))
	for k, v := range rec.Attributes {
		attrs[k] = v
	}

	g, err := e.reproject(rec, attrs)
	if err != nil {
		return row{}, err
	}
	text, err := wkt.Marshal(g)
	if err != nil {
		return row{}, &resilience.GeometryError{FeatureID: rec.ID, Err: eris.Wrap(err, "encode wkt")}
	}

	for _, vm := range plan.ValueMaps {
		v, ok := scalarText(attrs[vm.From])
		if !ok {
			continue
		}
		mapped, ok := vm.Values[v]
		if !ok {
			mapped = vm.Default
		}
		attrs[vm.To] = mapped
	}

	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return row{}, eris.Wrapf(err, "silver: encode attributes of %s", rec.ID)
	}

	a := plan.Aggregation
	r := row{
		id:         rec.ID,
		keys:       make([]*string, len(a.GroupBy)),
		geometry:   text,
		attributes: string(attrJSON),
	}
	for i, k := range a.GroupBy {
		if s, ok := scalarText(attrs[k]); ok {
			r.keys[i] = &s
		}
	}
	if a.TimeField != "" {
		if s, ok := scalarText(attrs[a.TimeField]); ok {
			r.ts = &s
		}
	}
	if a.Measure != "" {
		if s, ok := scalarText(attrs[a.Measure]); ok {
			r.measureText = &s
		}
		if f, ok := numeric(attrs[a.Measure]); ok {
			r.measure = &f
		}
	}
	return r, nil
}

// reproject validates the record geometry and moves it to the target CRS.
// The area in hectares is added to attrs when the source CRS is metric and
// the attribute is not already present.
func (e *Engine) reproject(rec *model.FeatureRecord, attrs map[string]any) (geom.T, error) {
	fail := func(err error) (geom.T, error) {
		return nil, &resilience.GeometryError{FeatureID: rec.ID, Err: err}
	}
	if !rec.Geometry.Valid() {
		if rec.Geometry.Raw != "" {
			return fail(eris.New("unparseable geometry"))
		}
		return fail(crs.ErrEmptyGeometry)
	}
	from, err := crs.Parse(rec.Geometry.CRS)
	if err != nil {
		return fail(err)
	}
	if !from.Supported() {
		return fail(eris.Errorf("unsupported crs %s", from))
	}
	if err := crs.Validate(rec.Geometry.Geom); err != nil {
		return fail(err)
	}
	if _, ok := attrs[AreaAttribute]; !ok {
		if area, ok := crs.AreaHectares(rec.Geometry.Geom, from); ok {
			attrs[AreaAttribute] = area
		}
	}
	out, err := crs.Reproject(rec.Geometry.Geom, from, e.target)
	if err != nil {
		return fail(err)
	}
	if err := crs.Validate(out); err != nil {
		return fail(eris.Wrap(err, "after reprojection"))
	}
	return out, nil
}

// scalarText renders an attribute value as a group key. Numbers are
// formatted without exponent so 12 and 12.0 from different encodings
// produce the same key.
func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := x.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// numeric converts an attribute value to a float for min/max/avg.
func numeric(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			f = float64(i)
			break
		}
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
