package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geo-pipeline/internal/config"
	"github.com/sells-group/geo-pipeline/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertDegradedRuns   AlertType = "degraded_runs"
	AlertDropRate       AlertType = "drop_rate"
	AlertRunFailed      AlertType = "run_failed"
	AlertRunDegraded    AlertType = "run_degraded"
)

// minFinishedRuns is the sample size below which the failure rate is not
// alerted on.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots and run summaries against configured
// thresholds and sends alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Done + snap.Failed
	if finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":   snap.FailRate,
				"threshold":      a.cfg.FailureRateThreshold,
				"failed":         snap.Failed,
				"finished":       finished,
				"failed_sources": snap.FailedSources,
			},
			Timestamp: now,
		})
	}

	if snap.Degraded > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertDegradedRuns,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d run(s) finished with missing pages in last %dh (%d pages failed)",
				snap.Degraded, snap.LookbackHours, snap.PagesFailed,
			),
			Details: map[string]any{
				"degraded":     snap.Degraded,
				"pages_failed": snap.PagesFailed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DropRateThreshold > 0 && snap.DropRate > a.cfg.DropRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDropRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Feature drop rate %.1f%% exceeds threshold %.1f%% in last %dh",
				snap.DropRate*100, a.cfg.DropRateThreshold*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"drop_rate":        snap.DropRate,
				"threshold":        a.cfg.DropRateThreshold,
				"features_dropped": snap.FeaturesDropped,
				"records_fetched":  snap.RecordsFetched,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateRun returns the alerts raised by a single finished run.
func (a *Alerter) EvaluateRun(s *model.RunSummary) []Alert {
	if s == nil {
		return nil
	}
	now := time.Now().UTC()
	details := map[string]any{
		"run_id":        s.RunID,
		"stage":         s.Stage,
		"run_ts":        s.RunTS,
		"pages_fetched": s.PagesFetched,
		"pages_failed":  s.PagesFailed,
	}

	switch {
	case s.Status == model.RunFailed:
		return []Alert{{
			Type:      AlertRunFailed,
			Severity:  "high",
			Source:    s.Source,
			Message:   fmt.Sprintf("Run of %s failed: %s", s.Source, s.Error),
			Details:   details,
			Timestamp: now,
		}}
	case s.FetchOutcome == model.FetchDegraded:
		details["failed_pages"] = s.FailedPages
		return []Alert{{
			Type:     AlertRunDegraded,
			Severity: "medium",
			Source:   s.Source,
			Message: fmt.Sprintf("Run of %s is missing %d of %d pages",
				s.Source, s.PagesFailed, s.PagesFetched+s.PagesFailed),
			Details:   details,
			Timestamp: now,
		}}
	}
	return nil
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
