package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient error")
		}
		return nil
	}, WithBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("persistent error")
	}, WithBackoff(time.Millisecond, time.Millisecond))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AuthFaultStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return faults.Auth(errors.New("bad credential"))
	}, WithBackoff(time.Millisecond))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for auth fault, got %d", calls)
	}
}

func TestDo_TerminalFaultStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return faults.Terminal(errors.New("gave up"))
	}, WithBackoff(time.Millisecond))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for terminal fault, got %d", calls)
	}
}

func TestDo_RateLimitUsesSlowSchedule(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), func() error {
		calls++
		return faults.RateLimit(errors.New("limited"))
	},
		WithMaxAttempts(2),
		WithBackoff(time.Millisecond),
		WithRateLimitBackoff(50*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected rate-limit delay of at least 50ms, slept %v", elapsed)
	}
}

func TestDo_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return fmt.Errorf("fail")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry after context cancel), got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	got, err := DoVal(context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestBackoffDelay_ReusesLast(t *testing.T) {
	delays := []time.Duration{time.Second, 2 * time.Second}
	if d := backoffDelay(delays, 5); d != 2*time.Second {
		t.Fatalf("expected last delay reused, got %v", d)
	}
}
