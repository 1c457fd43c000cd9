package featuresvc

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/geo-pipeline/internal/fetcher"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// WFSPager pages a WFS 2.0 GetFeature endpoint with STARTINDEX/COUNT.
type WFSPager struct {
	f    fetcher.Fetcher
	opts Options
}

// NewWFSPager creates a WFS pager. opts.Layer is the feature type name.
func NewWFSPager(f fetcher.Fetcher, opts Options) *WFSPager {
	return &WFSPager{f: f, opts: opts.withDefaults()}
}

// PageSize implements Pager.
func (p *WFSPager) PageSize() int { return p.opts.PageSize }

// FetchPage implements Pager.
func (p *WFSPager) FetchPage(ctx context.Context, page int) (*Page, error) {
	params := url.Values{
		"SERVICE":    {"WFS"},
		"VERSION":    {"2.0.0"},
		"REQUEST":    {"GetFeature"},
		"TYPENAMES":  {p.opts.Layer},
		"STARTINDEX": {strconv.Itoa(page * p.opts.PageSize)},
		"COUNT":      {strconv.Itoa(p.opts.PageSize)},
	}
	if p.opts.SRS != "" {
		params.Set("SRSNAME", p.opts.SRS)
	}

	body, err := p.f.Get(ctx, p.opts.URL, params)
	if err != nil {
		return nil, err
	}
	return p.decode(page, body)
}

// gmlNode is a generic XML element used to walk feature members without a
// schema. Namespaces are ignored; GML and application schemas rarely collide
// on local names.
type gmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []gmlNode  `xml:",any"`
	Text    string     `xml:",chardata"`
}

func (n *gmlNode) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *gmlNode) child(local string) *gmlNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (p *WFSPager) decode(page int, body []byte) (*Page, error) {
	out := &Page{Index: page, Total: UnknownTotal}
	dec := fetcher.NewXMLDecoder(bytes.NewReader(body))

	offset := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated or garbled bodies come from proxies cutting the
			// stream; a fresh attempt normally succeeds.
			return nil, resilience.NewTransientError(eris.Wrapf(err, "wfs: parse page %d", page), 0)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "ExceptionReport":
			msg, _ := fetcher.InnerText(dec)
			return nil, resilience.NewRequestError(
				eris.Errorf("wfs: service exception on page %d: %s", page, strings.Join(strings.Fields(msg), " ")), 0)
		case "FeatureCollection":
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "numberMatched":
					if n, err := strconv.Atoi(a.Value); err == nil {
						out.Total = n
					}
				case "numberReturned":
					if n, err := strconv.Atoi(a.Value); err == nil && n == 0 {
						out.Done = true
					}
				}
			}
		case "member", "featureMember":
			var member gmlNode
			if err := dec.DecodeElement(&member, &se); err != nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "wfs: decode member on page %d", page), 0)
			}
			for i := range member.Nodes {
				out.Returned++
				rec, derr := p.decodeFeature(&member.Nodes[i], page, offset)
				offset++
				if derr != nil {
					out.Dropped = append(out.Dropped, derr)
					continue
				}
				out.Records = append(out.Records, rec)
			}
		}
	}
	return out, nil
}

func (p *WFSPager) decodeFeature(n *gmlNode, page, offset int) (model.FeatureRecord, *resilience.DecodeError) {
	prov := p.opts.provenance(page, offset)
	rec := model.FeatureRecord{
		Attributes: make(map[string]any),
		Provenance: prov,
		Geometry:   model.Geometry{CRS: p.opts.SRS},
	}

	haveGeom := false
	for i := range n.Nodes {
		prop := &n.Nodes[i]
		name := prop.XMLName.Local
		if name == "boundedBy" {
			continue
		}
		if len(prop.Nodes) > 0 && isGMLGeometry(prop.Nodes[0].XMLName.Local) {
			if haveGeom {
				continue
			}
			haveGeom = true
			gn := &prop.Nodes[0]
			if srs := gn.attr("srsName"); srs != "" {
				rec.Geometry.CRS = srs
			}
			g, err := parseGML(gn)
			if err != nil {
				raw, _ := xml.Marshal(gn)
				rec.Geometry.Raw = string(raw)
				continue
			}
			rec.Geometry.Geom = g
			continue
		}
		rec.Attributes[NormalizeKey(name)] = CoerceText(prop.Text)
	}

	if p.opts.IDField != "" {
		rec.ID = idString(rec.Attributes[NormalizeKey(p.opts.IDField)])
	}
	if rec.ID == "" {
		rec.ID = n.attr("id")
	}
	if rec.ID == "" {
		return rec, decodeError(prov, "", eris.Errorf("wfs: feature %s has no identifier", n.XMLName.Local))
	}
	if !haveGeom {
		return rec, decodeError(prov, rec.ID, eris.New("wfs: feature has no geometry property"))
	}
	return rec, nil
}

func isGMLGeometry(local string) bool {
	switch local {
	case "Point", "LineString", "Curve", "Polygon", "Surface",
		"MultiPoint", "MultiCurve", "MultiLineString", "MultiSurface", "MultiPolygon":
		return true
	}
	return false
}

// parseGML converts a GML 3.2 (or GML 2 MultiPolygon) geometry element.
// Only the first two ordinates of each position are kept.
func parseGML(n *gmlNode) (geom.T, error) {
	switch n.XMLName.Local {
	case "Point":
		c, err := positions(n)
		if err != nil {
			return nil, err
		}
		if len(c) != 2 {
			return nil, eris.Errorf("gml: point has %d ordinates", len(c))
		}
		return geom.NewPointFlat(geom.XY, c), nil
	case "LineString", "Curve":
		c, err := positions(n)
		if err != nil {
			return nil, err
		}
		return geom.NewLineStringFlat(geom.XY, c), nil
	case "Polygon", "Surface":
		return gmlPolygon(n)
	case "MultiSurface", "MultiPolygon":
		mp := geom.NewMultiPolygon(geom.XY)
		for _, m := range members(n) {
			poly, err := gmlPolygon(m)
			if err != nil {
				return nil, err
			}
			if err := mp.Push(poly); err != nil {
				return nil, eris.Wrap(err, "gml: push polygon")
			}
		}
		return mp, nil
	case "MultiCurve", "MultiLineString":
		mls := geom.NewMultiLineString(geom.XY)
		for _, m := range members(n) {
			c, err := positions(m)
			if err != nil {
				return nil, err
			}
			if err := mls.Push(geom.NewLineStringFlat(geom.XY, c)); err != nil {
				return nil, eris.Wrap(err, "gml: push linestring")
			}
		}
		return mls, nil
	case "MultiPoint":
		var flat []float64
		for _, m := range members(n) {
			c, err := positions(m)
			if err != nil {
				return nil, err
			}
			flat = append(flat, c...)
		}
		return geom.NewMultiPointFlat(geom.XY, flat), nil
	}
	return nil, eris.Errorf("gml: unsupported geometry %s", n.XMLName.Local)
}

// members returns the geometries inside *Member/*Members wrappers.
func members(n *gmlNode) []*gmlNode {
	var out []*gmlNode
	for i := range n.Nodes {
		wrapper := &n.Nodes[i]
		if !strings.HasSuffix(wrapper.XMLName.Local, "Member") && !strings.HasSuffix(wrapper.XMLName.Local, "Members") {
			continue
		}
		for j := range wrapper.Nodes {
			out = append(out, &wrapper.Nodes[j])
		}
	}
	return out
}

func gmlPolygon(n *gmlNode) (*geom.Polygon, error) {
	if n.XMLName.Local == "Surface" {
		patches := n.child("patches")
		if patches == nil || len(patches.Nodes) == 0 {
			return nil, eris.New("gml: surface without patches")
		}
		n = &patches.Nodes[0]
	}

	var (
		flat []float64
		ends []int
	)
	for i := range n.Nodes {
		boundary := &n.Nodes[i]
		switch boundary.XMLName.Local {
		case "exterior", "interior", "outerBoundaryIs", "innerBoundaryIs":
		default:
			continue
		}
		if len(boundary.Nodes) == 0 {
			return nil, eris.New("gml: empty ring boundary")
		}
		c, err := positions(&boundary.Nodes[0])
		if err != nil {
			return nil, err
		}
		flat = append(flat, c...)
		ends = append(ends, len(flat))
	}
	if len(ends) == 0 {
		return nil, eris.New("gml: polygon without exterior")
	}
	return geom.NewPolygonFlat(geom.XY, flat, ends), nil
}

// positions collects the coordinates of an element from posList, pos or
// GML 2 coordinates children, searching nested segments.
func positions(n *gmlNode) ([]float64, error) {
	dim := 2
	if d := n.attr("srsDimension"); d != "" {
		if v, err := strconv.Atoi(d); err == nil && v >= 2 {
			dim = v
		}
	}

	switch n.XMLName.Local {
	case "posList", "pos":
		return parseOrdinates(strings.Fields(n.Text), dim)
	case "coordinates":
		var fields []string
		for _, tuple := range strings.Fields(n.Text) {
			parts := strings.Split(tuple, ",")
			if len(parts) < 2 {
				return nil, eris.Errorf("gml: bad coordinate tuple %q", tuple)
			}
			fields = append(fields, parts[0], parts[1])
		}
		return parseOrdinates(fields, 2)
	}

	var out []float64
	for i := range n.Nodes {
		c, err := positions(&n.Nodes[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}
	if len(out) == 0 {
		return nil, eris.Errorf("gml: %s has no coordinates", n.XMLName.Local)
	}
	return out, nil
}

func parseOrdinates(fields []string, dim int) ([]float64, error) {
	if len(fields) == 0 || len(fields)%dim != 0 {
		return nil, eris.Errorf("gml: %d ordinates do not fit dimension %d", len(fields), dim)
	}
	out := make([]float64, 0, len(fields)/dim*2)
	for i := 0; i < len(fields); i += dim {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "gml: ordinate %q", fields[i])
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "gml: ordinate %q", fields[i+1])
		}
		out = append(out, x, y)
	}
	return out, nil
}
