package featuresvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// OGCAPIPager pages an OGC API Features items endpoint with limit/offset.
type OGCAPIPager struct {
	f        fetcher.Fetcher
	opts     Options
	datetime string
}

// NewOGCAPIPager creates an OGC API Features pager. opts.URL is the
// collection items URL. opts.Query is sent with every request. When
// opts.Window is set, every page shares one datetime interval ending at
// construction time, so offsets stay stable across the run.
func NewOGCAPIPager(f fetcher.Fetcher, opts Options) *OGCAPIPager {
	p := &OGCAPIPager{f: f, opts: opts.withDefaults()}
	if p.opts.Window > 0 {
		end := p.opts.Now().UTC().Truncate(time.Second)
		p.datetime = end.Add(-p.opts.Window).Format(time.RFC3339) + "/" + end.Format(time.RFC3339)
	}
	return p
}

// PageSize implements Pager.
func (p *OGCAPIPager) PageSize() int { return p.opts.PageSize }

type ogcResponse struct {
	Type           string       `json:"type"`
	Features       []ogcFeature `json:"features"`
	NumberMatched  *int         `json:"numberMatched"`
	NumberReturned *int         `json:"numberReturned"`
	Links          []ogcLink    `json:"links"`
}

type ogcFeature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type ogcLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// FetchPage implements Pager.
func (p *OGCAPIPager) FetchPage(ctx context.Context, page int) (*Page, error) {
	params := url.Values{}
	for k, v := range p.opts.Query {
		params.Set(k, v)
	}
	params.Set("limit", strconv.Itoa(p.opts.PageSize))
	params.Set("offset", strconv.Itoa(page*p.opts.PageSize))
	if p.datetime != "" {
		params.Set("datetime", p.datetime)
	}

	body, err := p.f.Get(ctx, p.opts.URL, params)
	if err != nil {
		return nil, err
	}

	var resp ogcResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "ogcapi: parse page %d", page), 0)
	}
	if resp.Type != "FeatureCollection" {
		return nil, resilience.NewRequestError(eris.Errorf("ogcapi: page %d is a %q, not a FeatureCollection", page, resp.Type), 0)
	}

	out := &Page{Index: page, Total: UnknownTotal, Returned: len(resp.Features)}
	if resp.NumberReturned != nil {
		out.Returned = *resp.NumberReturned
	}
	if resp.NumberMatched != nil {
		out.Total = *resp.NumberMatched
	}
	if resp.Links != nil {
		next := hasNext(resp.Links)
		out.More = next && out.Returned > 0
		out.Done = !next || out.Returned == 0
	}
	if out.More && out.Returned < p.opts.PageSize {
		return nil, resilience.NewRequestError(eris.Errorf(
			"ogcapi: server capped page %d at %d features, below page size %d; lower page_size to the server's limit",
			page, out.Returned, p.opts.PageSize), 0)
	}

	for i, feat := range resp.Features {
		rec, derr := p.decodeFeature(feat, page, i)
		if derr != nil {
			out.Dropped = append(out.Dropped, derr)
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func hasNext(links []ogcLink) bool {
	for _, l := range links {
		if strings.EqualFold(l.Rel, "next") && l.Href != "" {
			return true
		}
	}
	return false
}

func (p *OGCAPIPager) decodeFeature(feat ogcFeature, page, offset int) (model.FeatureRecord, *resilience.DecodeError) {
	prov := p.opts.provenance(page, offset)
	rec := model.FeatureRecord{
		Attributes: normalizeAttributes(feat.Properties, CoerceJSON),
		Provenance: prov,
		Geometry:   model.Geometry{CRS: p.opts.SRS},
	}

	if p.opts.IDField != "" {
		rec.ID = idString(rec.Attributes[NormalizeKey(p.opts.IDField)])
	} else {
		rec.ID = rawID(feat.ID)
	}
	if rec.ID == "" {
		return rec, decodeError(prov, "", eris.New("ogcapi: feature has no id"))
	}
	if len(feat.Geometry) == 0 || string(feat.Geometry) == "null" {
		return rec, decodeError(prov, rec.ID, eris.New("ogcapi: feature has no geometry"))
	}

	var g geom.T
	if err := geojson.Unmarshal(feat.Geometry, &g); err != nil {
		rec.Geometry.Raw = string(feat.Geometry)
		return rec, nil
	}
	rec.Geometry.Geom = g
	return rec, nil
}

// rawID renders a GeoJSON feature id, which may be a string or a number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
