package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geo-pipeline/internal/config"
	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/monitoring"
)

func TestWriteCheck(t *testing.T) {
	var buf bytes.Buffer
	snap := &monitoring.Snapshot{Total: 3, Done: 2, Failed: 1, LookbackHours: 24}
	alerts := []monitoring.Alert{{Type: monitoring.AlertRunFailureRate, Severity: "high"}}
	require.NoError(t, writeCheck(&buf, snap, alerts))

	var out struct {
		Snapshot monitoring.Snapshot `json:"snapshot"`
		Alerts   []monitoring.Alert  `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 3, out.Snapshot.Total)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, monitoring.AlertRunFailureRate, out.Alerts[0].Type)
}

func TestAlertRun(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	mc := config.MonitoringConfig{WebhookURL: ts.URL}
	failed := &model.RunSummary{Source: "wetlands", Status: model.RunFailed, Error: "boom"}

	assert.Equal(t, 1, alertRun(context.Background(), mc, failed))
	assert.Equal(t, 0, alertRun(context.Background(), mc, &model.RunSummary{Status: model.RunDone}))
	assert.Equal(t, 0, alertRun(context.Background(), config.MonitoringConfig{}, failed))
	assert.Equal(t, int32(1), received.Load())
}
