package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/store/storetest"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(storetest.NewSQLite(t), time.Hour)
	alerter := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

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
	collector := NewCollector(storetest.NewSQLite(t), time.Hour)
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	// Zero interval falls back to the default; a cancelled context returns at once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check(t *testing.T) {
	collector := NewCollector(storetest.NewSQLite(t), time.Hour)
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{LookbackWindowHours: 6})

	snap, alerts, err := checker.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.LookbackHours != 6 || len(alerts) != 0 {
		t.Fatalf("unexpected snapshot %+v alerts %v", snap, alerts)
	}
}
