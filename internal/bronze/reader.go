package bronze

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geo-pipeline/internal/blobstore"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/resilience"
)

// maxLine bounds a single NDJSON record; large polygons run to megabytes.
const maxLine = 64 << 20

// Reader loads bronze partitions.
type Reader struct {
	store blobstore.Store
	dec   *zstd.Decoder
}

// NewReader creates a bronze reader over store.
func NewReader(store blobstore.Store) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, eris.Wrap(err, "bronze: create zstd decoder")
	}
	return &Reader{store: store, dec: dec}, nil
}

// Partitions returns the run timestamps with bronze data for source, oldest
// first.
func (r *Reader) Partitions(ctx context.Context, source string) ([]time.Time, error) {
	prefix := blobstore.Join(rootPrefix, source) + "/"
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "bronze: list partitions of %s", source)
	}

	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		part, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		ts, err := model.ParsePartitionKey(part)
		if err != nil {
			continue
		}
		if _, dup := seen[ts]; dup {
			continue
		}
		seen[ts] = struct{}{}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Latest returns the newest partition for source, or a RunFatalError when
// none exists.
func (r *Reader) Latest(ctx context.Context, source string) (time.Time, error) {
	parts, err := r.Partitions(ctx, source)
	if err != nil {
		return time.Time{}, err
	}
	if len(parts) == 0 {
		return time.Time{}, resilience.NewRunFatalError("no bronze partition for "+source, nil)
	}
	return parts[len(parts)-1], nil
}

// ReadRun returns every batch of a run ordered by page index. A run with no
// pages is a RunFatalError.
func (r *Reader) ReadRun(ctx context.Context, source string, runTS time.Time) ([]*model.BronzeBatch, error) {
	partition := runTS.UTC().Format(model.PartitionLayout)
	keys, err := r.store.List(ctx, PartitionPrefix(source, partition))
	if err != nil {
		return nil, eris.Wrapf(err, "bronze: list %s/%s", source, partition)
	}

	type pageKey struct {
		page int
		key  string
	}
	var pages []pageKey
	for _, k := range keys {
		if n, ok := parsePageKey(k); ok {
			pages = append(pages, pageKey{page: n, key: k})
		}
	}
	if len(pages) == 0 {
		return nil, resilience.NewRunFatalError("no bronze partition "+source+"/"+partition, nil)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].page < pages[j].page })

	batches := make([]*model.BronzeBatch, 0, len(pages))
	for _, p := range pages {
		batch, err := r.ReadPage(ctx, p.key)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// ReadPage decodes one page blob.
func (r *Reader) ReadPage(ctx context.Context, key string) (*model.BronzeBatch, error) {
	compressed, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "bronze: get %s", key)
	}
	raw, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "bronze: decompress %s", key)
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	if !sc.Scan() {
		return nil, eris.Errorf("bronze: %s has no header", key)
	}
	var h header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return nil, eris.Wrapf(err, "bronze: decode header of %s", key)
	}

	batch := &model.BronzeBatch{
		Source:  h.Source,
		RunTS:   h.RunTS,
		Page:    h.Page,
		Dropped: h.Dropped,
		Records: make([]model.FeatureRecord, 0, h.Count),
	}
	for sc.Scan() {
		var rec model.FeatureRecord
		dec := json.NewDecoder(bytes.NewReader(sc.Bytes()))
		dec.UseNumber()
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "bronze: decode record %d of %s", len(batch.Records), key)
		}
		restoreNumbers(rec.Attributes)
		batch.Records = append(batch.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "bronze: scan %s", key)
	}
	if len(batch.Records) != h.Count {
		return nil, eris.Errorf("bronze: %s holds %d records, header says %d", key, len(batch.Records), h.Count)
	}
	return batch, nil
}

// restoreNumbers turns decoded JSON numbers back into the int64 or float64
// the pager produced. Integers above 2^53 survive the round trip exactly.
func restoreNumbers(attrs map[string]any) {
	for k, v := range attrs {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			attrs[k] = i
		} else if f, err := n.Float64(); err == nil {
			attrs[k] = f
		} else {
			attrs[k] = n.String()
		}
	}
}
