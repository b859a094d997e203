package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/docflow/internal/config"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RecoversFromTransient(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("503"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	cause := Transient(errors.New("still down"), 502)
	var calls int
	err := Do(context.Background(), fastPolicy(4), func(_ context.Context) error {
		calls++
		return cause
	})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 4 || calls != 4 {
		t.Errorf("expected 4 attempts, got %d (calls %d)", ex.Attempts, calls)
	}
	if !errors.Is(err, cause) {
		t.Error("expected exhausted error to unwrap to the last cause")
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("400 bad request")
	var calls int
	err := Do(context.Background(), fastPolicy(5), func(_ context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Error("permanent errors must not be reported as exhausted")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, Policy{Attempts: 5, Base: time.Hour}, func(_ context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("timeout"), 0)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_CustomRetryableAndOnRetry(t *testing.T) {
	special := errors.New("special")
	var retried []int
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return errors.Is(err, special) }
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	var calls int
	_ = Do(context.Background(), p, func(_ context.Context) error {
		calls++
		return special
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("unexpected OnRetry attempts: %v", retried)
	}
}

func TestDoVal(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), fastPolicy(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Transient(errors.New("reset"), 0)
		}
		return "op-123", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "op-123" {
		t.Errorf("expected op-123, got %q", v)
	}

	v, err = DoVal(context.Background(), fastPolicy(1), func(_ context.Context) (string, error) {
		return "partial", errors.New("boom")
	})
	if err == nil || v != "" {
		t.Errorf("expected zero value and error, got %q, %v", v, err)
	}
}

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}.normalized()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestPolicy_JitterStaysInRange(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}.normalized()
	for i := 0; i < 200; i++ {
		d := p.delay(0)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v outside ±50%% of 1s", d)
		}
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 6, InitialBackoffMs: 20, MaxBackoffMs: 100, Multiplier: 3, JitterFraction: 0})
	if p.Attempts != 6 || p.Base != 20*time.Millisecond || p.Max != 100*time.Millisecond || p.Multiplier != 3 || p.Jitter != 0 {
		t.Errorf("unexpected policy: %+v", p)
	}

	d := FromConfig(config.RetryConfig{JitterFraction: -1})
	if d.Attempts != 3 || d.Base != 500*time.Millisecond || d.Jitter != 0.25 {
		t.Errorf("expected defaults, got %+v", d)
	}
}

func TestLogRetries(t *testing.T) {
	// Uses the global no-op logger; must not panic.
	LogRetries("jobs", "submit")(1, errors.New("x"))
}
