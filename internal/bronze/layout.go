// Package bronze persists raw fetched pages, one compressed NDJSON blob per
// (source, run timestamp, page), and reads run partitions back for the
// transform stage.
package bronze

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/geo-pipeline/internal/blobstore"
)

const (
	rootPrefix = "bronze"
	pageSuffix = ".jsonl.zst"
)

// PartitionPrefix returns the key prefix holding every page of a run.
func PartitionPrefix(source, runTS string) string {
	return blobstore.Join(rootPrefix, source, runTS) + "/"
}

// PageKey returns the blob key for one page.
func PageKey(source, runTS string, page int) string {
	return PartitionPrefix(source, runTS) + fmt.Sprintf("page-%06d%s", page, pageSuffix)
}

// parsePageKey extracts the page index from a page key.
func parsePageKey(key string) (int, bool) {
	i := strings.LastIndex(key, "/page-")
	if i < 0 || !strings.HasSuffix(key, pageSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(key[i+len("/page-"):], pageSuffix))
	if err != nil {
		return 0, false
	}
	return n, true
}
