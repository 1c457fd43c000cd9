package model

// RunStatus is the terminal status reported for a run.
type RunStatus string

const (
	RunDone   RunStatus = "done"
	RunFailed RunStatus = "failed"
)

// FetchOutcome classifies how a fetch stage ended.
type FetchOutcome string

const (
	// FetchComplete means every page succeeded.
	FetchComplete FetchOutcome = "complete"
	// FetchDegraded means some pages failed but at least one succeeded.
	FetchDegraded FetchOutcome = "degraded"
	// FetchFatal means no page succeeded.
	FetchFatal FetchOutcome = "fatal"
)

// RunSummary is the machine-readable result of one run. Every dropped
// feature or page is accounted for here.
type RunSummary struct {
	RunID             string       `json:"run_id,omitempty"`
	Source            string       `json:"source"`
	Stage             Stage        `json:"stage"`
	Env               Env          `json:"env"`
	RunTS             string       `json:"run_ts"`
	Status            RunStatus    `json:"status"`
	States            []string     `json:"states"`
	FetchOutcome      FetchOutcome `json:"fetch_outcome,omitempty"`
	PagesFetched      int          `json:"pages_fetched"`
	PagesFailed       int          `json:"pages_failed"`
	FailedPages       []int        `json:"failed_pages,omitempty"`
	// CaughtUpPage is the fetch watermark: every page up to it completed.
	CaughtUpPage      *int         `json:"caught_up_page,omitempty"`
	RecordsFetched    int          `json:"records_fetched"`
	FeaturesDropped   int          `json:"features_dropped"`
	DuplicatesDropped int          `json:"duplicates_dropped"`
	GeometryRejected  int          `json:"geometry_rejected"`
	AggregateRows     int          `json:"aggregate_rows"`
	SilverKey         string       `json:"silver_key,omitempty"`
	Error             string       `json:"error,omitempty"`
}
