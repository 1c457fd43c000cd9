package featuresvc

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/geo-pipeline/internal/crs"
	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// ArcGISPager pages an ArcGIS REST feature layer query endpoint with
// resultOffset/resultRecordCount.
type ArcGISPager struct {
	f     fetcher.Fetcher
	opts  Options
	where string
}

// NewArcGISPager creates an ArcGIS pager. opts.URL is the layer URL (the
// pager appends /query); opts.Layer, when set, is used as the where clause.
func NewArcGISPager(f fetcher.Fetcher, opts Options) *ArcGISPager {
	where := opts.Layer
	if where == "" {
		where = "1=1"
	}
	return &ArcGISPager{f: f, opts: opts.withDefaults(), where: where}
}

// PageSize implements Pager.
func (p *ArcGISPager) PageSize() int { return p.opts.PageSize }

type arcgisResponse struct {
	Features              []arcgisFeature `json:"features"`
	ExceededTransferLimit *bool           `json:"exceededTransferLimit"`
	SpatialReference      *arcgisSR       `json:"spatialReference"`
	Error                 *arcgisError    `json:"error"`
}

type arcgisSR struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

type arcgisError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type arcgisFeature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
}

type arcgisGeometry struct {
	X      *float64      `json:"x"`
	Y      *float64      `json:"y"`
	Points [][]float64   `json:"points"`
	Paths  [][][]float64 `json:"paths"`
	Rings  [][][]float64 `json:"rings"`
}

// FetchPage implements Pager.
func (p *ArcGISPager) FetchPage(ctx context.Context, page int) (*Page, error) {
	params := url.Values{
		"where":             {p.where},
		"outFields":         {"*"},
		"returnGeometry":    {"true"},
		"f":                 {"json"},
		"resultOffset":      {strconv.Itoa(page * p.opts.PageSize)},
		"resultRecordCount": {strconv.Itoa(p.opts.PageSize)},
	}
	if p.opts.IDField != "" {
		params.Set("orderByFields", p.opts.IDField)
	}
	if p.opts.SRS != "" {
		if c, err := crs.Parse(p.opts.SRS); err == nil {
			params.Set("outSR", strconv.Itoa(c.Code))
		}
	}

	body, err := p.f.Get(ctx, strings.TrimRight(p.opts.URL, "/")+"/query", params)
	if err != nil {
		return nil, err
	}

	resp, err := fetcher.DecodeJSONBytes[arcgisResponse](body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "arcgis: parse page %d", page), 0)
	}
	if resp.Error != nil {
		msg := eris.Errorf("arcgis: error %d on page %d: %s %s",
			resp.Error.Code, page, resp.Error.Message, strings.Join(resp.Error.Details, "; "))
		return nil, resilience.ClassifyStatus(msg, resp.Error.Code)
	}

	srs := p.opts.SRS
	if resp.SpatialReference != nil {
		wkid := resp.SpatialReference.LatestWKID
		if wkid == 0 {
			wkid = resp.SpatialReference.WKID
		}
		if wkid != 0 {
			srs = "EPSG:" + strconv.Itoa(wkid)
		}
	}

	out := &Page{Index: page, Total: UnknownTotal, Returned: len(resp.Features)}
	if resp.ExceededTransferLimit != nil {
		out.More = *resp.ExceededTransferLimit
		out.Done = !*resp.ExceededTransferLimit
	}
	// A layer whose maxRecordCount is below the page size returns a short
	// page with more data pending. The next offset would skip the rest of
	// this page's window, so the page fails instead of losing features.
	if out.More && out.Returned < p.opts.PageSize {
		return nil, resilience.NewRequestError(eris.Errorf(
			"arcgis: server capped page %d at %d features, below page size %d; set page_size to at most the layer's maxRecordCount",
			page, out.Returned, p.opts.PageSize), 0)
	}

	for i, feat := range resp.Features {
		rec, derr := p.decodeFeature(feat, srs, page, i)
		if derr != nil {
			out.Dropped = append(out.Dropped, derr)
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (p *ArcGISPager) decodeFeature(feat arcgisFeature, srs string, page, offset int) (model.FeatureRecord, *resilience.DecodeError) {
	prov := p.opts.provenance(page, offset)
	rec := model.FeatureRecord{
		Attributes: normalizeAttributes(feat.Attributes, CoerceJSON),
		Provenance: prov,
		Geometry:   model.Geometry{CRS: srs},
	}

	idField := p.opts.IDField
	if idField == "" {
		idField = "objectid"
	}
	rec.ID = idString(rec.Attributes[NormalizeKey(idField)])
	if rec.ID == "" {
		return rec, decodeError(prov, "", eris.Errorf("arcgis: feature has no %s", idField))
	}
	if len(feat.Geometry) == 0 || string(feat.Geometry) == "null" {
		return rec, decodeError(prov, rec.ID, eris.New("arcgis: feature has no geometry"))
	}

	g, err := parseArcGISGeometry(feat.Geometry)
	if err != nil {
		rec.Geometry.Raw = string(feat.Geometry)
		return rec, nil
	}
	rec.Geometry.Geom = g
	return rec, nil
}

func parseArcGISGeometry(raw json.RawMessage) (geom.T, error) {
	var ag arcgisGeometry
	if err := json.Unmarshal(raw, &ag); err != nil {
		return nil, eris.Wrap(err, "arcgis: decode geometry")
	}
	switch {
	case len(ag.Rings) > 0:
		return ringsToGeom(ag.Rings)
	case len(ag.Paths) > 0:
		mls := geom.NewMultiLineString(geom.XY)
		for _, path := range ag.Paths {
			flat, err := flatten(path)
			if err != nil {
				return nil, err
			}
			if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
				return nil, eris.Wrap(err, "arcgis: push path")
			}
		}
		return mls, nil
	case len(ag.Points) > 0:
		flat, err := flatten(ag.Points)
		if err != nil {
			return nil, err
		}
		return geom.NewMultiPointFlat(geom.XY, flat), nil
	case ag.X != nil && ag.Y != nil:
		return geom.NewPointFlat(geom.XY, []float64{*ag.X, *ag.Y}), nil
	}
	return nil, eris.New("arcgis: empty geometry")
}

// ringsToGeom groups ArcGIS rings into polygons. Outer rings are clockwise
// (negative signed area with y up); each counter-clockwise ring is a hole of
// the preceding outer ring.
func ringsToGeom(rings [][][]float64) (geom.T, error) {
	mp := geom.NewMultiPolygon(geom.XY)
	var (
		flat []float64
		ends []int
	)
	flush := func() error {
		if len(ends) == 0 {
			return nil
		}
		err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends))
		flat, ends = nil, nil
		return err
	}

	for _, ring := range rings {
		coords, err := flatten(ring)
		if err != nil {
			return nil, err
		}
		if signedArea(coords) <= 0 || len(ends) == 0 {
			if err := flush(); err != nil {
				return nil, eris.Wrap(err, "arcgis: push polygon")
			}
		}
		flat = append(flat, coords...)
		ends = append(ends, len(flat))
	}
	if err := flush(); err != nil {
		return nil, eris.Wrap(err, "arcgis: push polygon")
	}

	if mp.NumPolygons() == 1 {
		return mp.Polygon(0), nil
	}
	return mp, nil
}

func signedArea(flat []float64) float64 {
	var sum float64
	for i := 0; i+3 < len(flat); i += 2 {
		sum += flat[i]*flat[i+3] - flat[i+2]*flat[i+1]
	}
	return sum / 2
}

func flatten(points [][]float64) ([]float64, error) {
	out := make([]float64, 0, len(points)*2)
	for _, pt := range points {
		if len(pt) < 2 {
			return nil, eris.Errorf("arcgis: position with %d ordinates", len(pt))
		}
		out = append(out, pt[0], pt[1])
	}
	return out, nil
}
