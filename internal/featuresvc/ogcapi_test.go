package featuresvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/geo-pipeline/internal/resilience"
)

const dmiPage0 = `{
  "type": "FeatureCollection",
  "numberMatched": 5,
  "numberReturned": 2,
  "links": [
    {"href": "https://dmigw.example.dk/items?offset=0&limit=2", "rel": "self"},
    {"href": "https://dmigw.example.dk/items?offset=2&limit=2", "rel": "next"}
  ],
  "features": [
    {"type": "Feature", "id": "0b5c2e9a-1",
     "geometry": {"type": "Polygon", "coordinates": [[[500000,6200000],[510000,6200000],[510000,6210000],[500000,6210000],[500000,6200000]]]},
     "properties": {"parameterId": "mean_temp", "value": 11.4, "validTime": "2025-05-01T00:00:00Z", "cellId": 10250}},
    {"type": "Feature", "id": "0b5c2e9a-2", "geometry": null,
     "properties": {"parameterId": "mean_temp", "value": 10.9}}
  ]
}`

func newTestOGCAPI(f *stubFetcher, window time.Duration) *OGCAPIPager {
	return NewOGCAPIPager(f, Options{
		Source:   "dmi_climate",
		URL:      "https://dmigw.example.dk/v2/climateData/collections/10kmGridValue/items",
		SRS:      "EPSG:25832",
		PageSize: 2,
		Query:    map[string]string{"parameterId": "mean_temp"},
		Window:   window,
		Now:      fixedNow,
	})
}

func TestOGCAPIPager_FetchPage(t *testing.T) {
	f := &stubFetcher{key: "offset", bodies: map[string]string{"0": dmiPage0}}

	page, err := newTestOGCAPI(f, 48*time.Hour).FetchPage(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, "https://dmigw.example.dk/v2/climateData/collections/10kmGridValue/items", f.urls[0])
	q := f.queries[0]
	assert.Equal(t, "2", q.Get("limit"))
	assert.Equal(t, "0", q.Get("offset"))
	assert.Equal(t, "mean_temp", q.Get("parameterId"))
	assert.Equal(t, "2025-05-02T08:00:00Z/2025-05-04T08:00:00Z", q.Get("datetime"))

	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Returned)
	assert.True(t, page.More)
	assert.False(t, page.Done)
	assert.Equal(t, 2, page.LastIndex(2))

	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, "0b5c2e9a-1", rec.ID)
	assert.Equal(t, "EPSG:25832", rec.Geometry.CRS)
	assert.IsType(t, &geom.Polygon{}, rec.Geometry.Geom)
	assert.Equal(t, "mean_temp", rec.Attributes["parameterid"])
	assert.Equal(t, 11.4, rec.Attributes["value"])
	assert.Equal(t, int64(10250), rec.Attributes["cellid"])
	assert.Equal(t, "2025-05-01T00:00:00Z", rec.Attributes["validtime"])

	require.Len(t, page.Dropped, 1)
	assert.Equal(t, "0b5c2e9a-2", page.Dropped[0].FeatureID)
}

func TestOGCAPIPager_NoWindowOmitsDatetime(t *testing.T) {
	f := &stubFetcher{key: "offset", bodies: map[string]string{"2": dmiPage0}}

	_, err := newTestOGCAPI(f, 0).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2", f.queries[0].Get("offset"))
	assert.False(t, f.queries[0].Has("datetime"))
}

func TestOGCAPIPager_LastPageWithoutNextLink(t *testing.T) {
	body := `{"type": "FeatureCollection", "numberReturned": 1,
	  "links": [{"href": "https://dmigw.example.dk/items?offset=4", "rel": "self"}],
	  "features": [{"type": "Feature", "id": 17,
	    "geometry": {"type": "Point", "coordinates": [500000, 6200000]},
	    "properties": {"value": 3}}]}`
	f := &stubFetcher{key: "offset", bodies: map[string]string{"4": body}}

	page, err := newTestOGCAPI(f, 0).FetchPage(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Equal(t, UnknownTotal, page.Total)
	assert.Equal(t, 2, page.EndIndex(2))
	require.Len(t, page.Records, 1)
	assert.Equal(t, "17", page.Records[0].ID)
}

func TestOGCAPIPager_CappedPageFails(t *testing.T) {
	body := `{"type": "FeatureCollection", "numberReturned": 1,
	  "links": [{"href": "https://dmigw.example.dk/items?offset=1", "rel": "next"}],
	  "features": [{"type": "Feature", "id": "a",
	    "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {}}]}`
	f := &stubFetcher{key: "offset", bodies: map[string]string{"0": body}}

	_, err := newTestOGCAPI(f, 0).FetchPage(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, resilience.IsRequestError(err))
	assert.Contains(t, err.Error(), "capped page 0 at 1 features, below page size 2")
}

func TestOGCAPIPager_NotACollection(t *testing.T) {
	f := &stubFetcher{key: "offset", bodies: map[string]string{"0": `{"code": "NotFound", "description": "no such collection"}`}}

	_, err := newTestOGCAPI(f, 0).FetchPage(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, resilience.IsRequestError(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestOGCAPIPager_PagesStopAtNumberMatched(t *testing.T) {
	next := `"links": [{"href": "x", "rel": "next"}]`
	f := &stubFetcher{key: "offset", bodies: map[string]string{
		"0": `{"type": "FeatureCollection", "numberMatched": 3, "numberReturned": 2, ` + next + `, "features": [
		  {"type": "Feature", "id": "a", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {}},
		  {"type": "Feature", "id": "b", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {}}]}`,
		"2": `{"type": "FeatureCollection", "numberMatched": 3, "numberReturned": 1, "links": [], "features": [
		  {"type": "Feature", "id": "c", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {}}]}`,
	}}

	var ids []string
	for page, err := range Pages(context.Background(), newTestOGCAPI(f, 0)) {
		require.NoError(t, err)
		for _, r := range page.Records {
			ids = append(ids, r.ID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, f.queries, 2)
}
