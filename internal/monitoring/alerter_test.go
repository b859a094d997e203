package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		JobsTotal:     100,
		JobsCompleted: 95,
		JobsFailed:    5,
		JobFailRate:   0.05,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		JobFailRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Only 3 finished jobs, below the minimum for a rate alert.
	snap := &MetricsSnapshot{
		JobsTotal:     3,
		JobsCompleted: 1,
		JobsFailed:    2,
		JobFailRate:   0.666,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, StuckPollingMinutes: 60})

	snap := &MetricsSnapshot{
		JobsCompleted:   10,
		JobsFailed:      10,
		JobFailRate:     0.5,
		StuckPolling:    2,
		SweepsTotal:     4,
		SweepsFailed:    1,
		LastSweepStatus: model.CleanupFailed,
		LedgerDrift:     1,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 4)

	types := make(map[AlertType]Alert)
	for _, a := range alerts {
		types[a.Type] = a
	}
	assert.Contains(t, types[AlertStuckPolling].Message, "2 job(s) polling for more than 60 minutes")
	assert.Contains(t, types[AlertSweepFailure].Message, "1 cleanup sweep(s)")
	assert.Equal(t, "critical", types[AlertLedgerDrift].Severity)
	assert.Contains(t, types, AlertJobFailureRate)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertSweepFailure, Severity: "high", Message: "test alert 2"},
	}

	assert.Equal(t, 2, a.SendAlerts(context.Background(), alerts))
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_Skipped(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertLedgerDrift}}))

	a = NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Zero(t, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckPolling, Message: "test"}}))
}
