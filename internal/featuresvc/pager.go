// Package featuresvc pages through remote and local feature services and
// decodes each page into model.FeatureRecords.
package featuresvc

import (
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// UnknownTotal marks a page whose service did not report a total count.
const UnknownTotal = -1

// Page is one decoded page of a feature service.
type Page struct {
	Index   int
	Records []model.FeatureRecord
	// Dropped holds features that could not be decoded; they are not in Records.
	Dropped []*resilience.DecodeError
	// Returned is the number of raw features the service sent, decoded or not.
	Returned int
	// Total is the service-reported feature count for the whole query, or
	// UnknownTotal.
	Total int
	// Done is an explicit no-more-data marker from the service.
	Done bool
	// More is an explicit more-data marker; it overrides the short-page rule
	// for services that cap pages below the requested size.
	More bool
}

// Last reports whether no page after this one can hold data.
func (p *Page) Last(pageSize int) bool {
	if p.Done {
		return true
	}
	if p.More {
		return false
	}
	return p.Returned < pageSize
}

// LastIndex returns the index of the final page implied by Total, or -1.
func (p *Page) LastIndex(pageSize int) int {
	if p.Total < 0 || pageSize <= 0 {
		return -1
	}
	if p.Total == 0 {
		return 0
	}
	return (p.Total+pageSize-1)/pageSize - 1
}

// EndIndex returns the index of the final data page this page implies, or
// -1 when data may continue past it. An empty page ends the data before it,
// except page 0, which stays a real, empty page.
func (p *Page) EndIndex(pageSize int) int {
	end := p.LastIndex(pageSize)
	narrow := func(last int) {
		if end < 0 || last < end {
			end = last
		}
	}
	switch {
	case p.Returned == 0:
		narrow(max(p.Index-1, 0))
	case p.Last(pageSize):
		narrow(p.Index)
	}
	return end
}

// Pager fetches single pages. FetchPage must be safe for concurrent use and
// performs exactly one request attempt; retries belong to the caller.
type Pager interface {
	PageSize() int
	FetchPage(ctx context.Context, page int) (*Page, error)
}

// Pages returns a lazy, finite sequence of pages starting at page zero. It
// ends at the page EndIndex names; a page past that end is not yielded. It
// stops after yielding an error.
func Pages(ctx context.Context, p Pager) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := p.FetchPage(ctx, i)
			if err != nil {
				yield(nil, err)
				return
			}
			end := page.EndIndex(p.PageSize())
			if end >= 0 && i > end {
				return
			}
			if !yield(page, nil) {
				return
			}
			if end >= 0 && i >= end {
				return
			}
		}
	}
}

// Options are shared by all pagers.
type Options struct {
	Source   string
	URL      string
	Layer    string
	SRS      string
	IDField  string
	PageSize int
	// Query holds extra request parameters (OGC API filters).
	Query map[string]string
	// Window, when positive, limits OGC API requests to the trailing
	// datetime interval of that length.
	Window time.Duration
	// Now stamps provenance; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) provenance(page, offset int) model.Provenance {
	return model.Provenance{
		Source:    o.Source,
		FetchedAt: o.Now().UTC(),
		Page:      page,
		Offset:    offset,
	}
}

// NormalizeKey lower-cases an attribute name and puts it in Unicode NFC so
// that "Æ" composed and decomposed spellings collapse to one key.
func NormalizeKey(k string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(k)))
}

// CoerceText converts a textual attribute value into int64, float64, bool,
// nil or a trimmed NFC string.
func CoerceText(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	// Codes such as "0751" keep their leading zeros.
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return norm.NFC.String(s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return norm.NFC.String(s)
}

// CoerceJSON converts a decoded JSON attribute value into the same scalar
// set as CoerceText. Nested values are kept as their JSON text.
func CoerceJSON(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case string:
		if t == "" {
			return nil
		}
		return norm.NFC.String(t)
	case bool, float64, int64:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(data)
	}
}

// normalizeAttributes rewrites keys and values in place into a new map.
func normalizeAttributes(in map[string]any, coerce func(any) any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[NormalizeKey(k)] = coerce(v)
	}
	return out
}

// idString renders an identifier attribute value.
func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func decodeError(prov model.Provenance, id string, err error) *resilience.DecodeError {
	return &resilience.DecodeError{FeatureID: id, Ref: prov.Ref(), Err: err}
}
