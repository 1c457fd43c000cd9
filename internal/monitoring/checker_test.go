package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geo-pipeline/internal/config"
	"github.com/sells-group/geo-pipeline/internal/runlog"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&mockLedger{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockLedger{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	now := time.Now().UTC()
	var entries []runlog.Entry
	for i := 0; i < 6; i++ {
		status := runlog.StatusFailed
		if i == 0 {
			status = runlog.StatusDone
		}
		entries = append(entries, runlog.Entry{Source: "wetlands", Status: status, StartedAt: now})
	}

	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		FailureRateThreshold: 0.5,
		LookbackWindowHours:  1,
	}
	checker := NewChecker(NewCollector(&mockLedger{entries: entries}), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 1}
	checker := NewChecker(NewCollector(&mockLedger{listErr: assert.AnError}), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.Check(context.Background()))
}
