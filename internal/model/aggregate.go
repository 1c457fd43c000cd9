package model

// Stat names a statistic computed per group.
type Stat string

const (
	StatCount    Stat = "count"
	StatMin      Stat = "min"
	StatMax      Stat = "max"
	StatAvg      Stat = "avg"
	StatDistinct Stat = "distinct"
)

// AllStats lists every supported statistic in output column order.
var AllStats = []Stat{StatCount, StatMin, StatMax, StatAvg, StatDistinct}

// AggregateRecord is one row of the silver output: one per distinct group key.
// Min, Max and Avg are nil when no record in the group carried a numeric value.
type AggregateRecord struct {
	Key      []string `json:"key"`
	Bucket   string   `json:"bucket,omitempty"`
	Count    int64    `json:"count"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Avg      *float64 `json:"avg,omitempty"`
	Distinct int64    `json:"distinct"`
	CRS      string   `json:"crs"`
}
