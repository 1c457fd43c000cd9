package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/runlog"
	"github.com/sells-group/geo-pipeline/internal/source"
)

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2025, 5, 4, 8, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	var buf bytes.Buffer
	formatRunsList(&buf, []runlog.Entry{
		{
			ID:         "0f8fad5b-d9cb-469f-a165-70867728950e",
			Source:     "bnbo_status",
			Stage:      model.StageAll,
			RunTS:      "20250504T080000Z",
			Status:     runlog.StatusDone,
			Summary:    &model.RunSummary{PagesFetched: 2, FeaturesDropped: 1, AggregateRows: 4},
			StartedAt:  started,
			FinishedAt: &finished,
		},
		{ID: "abc", Source: "cadastral", Stage: model.StageBronze, Status: runlog.StatusRunning, StartedAt: started},
	})

	out := buf.String()
	assert.Contains(t, out, "0f8fad5b")
	assert.NotContains(t, out, "d9cb")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "running")
}

func TestFormatSources(t *testing.T) {
	var buf bytes.Buffer
	formatSources(&buf, source.Builtin())

	out := buf.String()
	assert.Contains(t, out, "bnbo_status")
	assert.Contains(t, out, "dai:status_bnbo")
	assert.Contains(t, out, "kulstof2022.shp")
}
