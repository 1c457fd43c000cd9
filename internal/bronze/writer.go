package bronze

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/blobstore"
	"github.com/sells-group/geo-pipeline/internal/model"
)

// header is the first line of every page blob.
type header struct {
	Source  string    `json:"source"`
	RunTS   time.Time `json:"run_ts"`
	Page    int       `json:"page"`
	Count   int       `json:"count"`
	Dropped int       `json:"dropped"`
}

// Writer persists bronze batches. It holds no per-run state and is safe for
// concurrent use; each batch is a single atomic Put.
type Writer struct {
	store blobstore.Store
	enc   *zstd.Encoder
}

// NewWriter creates a bronze writer over store.
func NewWriter(store blobstore.Store) (*Writer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, eris.Wrap(err, "bronze: create zstd encoder")
	}
	return &Writer{store: store, enc: enc}, nil
}

// WriteBatch encodes and stores one batch. Records are written in batch
// order; no deduplication happens here. Returns the blob key.
func (w *Writer) WriteBatch(ctx context.Context, batch *model.BronzeBatch) (string, error) {
	if batch == nil {
		return "", eris.New("bronze: nil batch")
	}
	runTS := batch.RunTS.UTC().Format(model.PartitionLayout)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(header{
		Source:  batch.Source,
		RunTS:   batch.RunTS.UTC(),
		Page:    batch.Page,
		Count:   len(batch.Records),
		Dropped: batch.Dropped,
	}); err != nil {
		return "", eris.Wrapf(err, "bronze: encode header for page %d", batch.Page)
	}
	for i := range batch.Records {
		if err := enc.Encode(&batch.Records[i]); err != nil {
			return "", eris.Wrapf(err, "bronze: encode record %s on page %d", batch.Records[i].ID, batch.Page)
		}
	}

	key := PageKey(batch.Source, runTS, batch.Page)
	if err := w.store.Put(ctx, key, w.enc.EncodeAll(buf.Bytes(), nil)); err != nil {
		return "", eris.Wrapf(err, "bronze: put page %d", batch.Page)
	}
	return key, nil
}
