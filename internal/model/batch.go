package model

import "time"

// BronzeBatch is the ordered set of records produced by one page fetch.
// It is written to the bronze store as a single unit and then discarded.
type BronzeBatch struct {
	Source  string          `json:"source"`
	RunTS   time.Time       `json:"run_ts"`
	Page    int             `json:"page"`
	Records []FeatureRecord `json:"-"`

	// Dropped counts features discarded while decoding this page.
	Dropped int `json:"dropped"`
}

// Len returns the number of records in the batch.
func (b *BronzeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}
