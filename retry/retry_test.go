package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/ftperr"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Name:              "test",
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	}
}

func TestExecuteSucceedsWithoutRetry(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	calls := 0
	result, err := Execute(context.Background(), e, testPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestExecuteRetriesRecoverableUntilSuccess(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	calls := 0
	result, err := Execute(context.Background(), e, testPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, ftperr.New(ftperr.ConnectionClosed, "transient")
		}
		return 7, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 7 {
		t.Fatalf("expected 7, got %d", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteNonRecoverableFailsAfterOneAttempt(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	calls := 0
	_, err := Execute(context.Background(), e, testPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, ftperr.New(ftperr.AuthenticationError, "bad credentials")
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-recoverable error, got %d", calls)
	}
}

func TestExecuteExhaustsMaxAttempts(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	policy := testPolicy()
	policy.MaxAttempts = 3
	calls := 0
	_, err := Execute(context.Background(), e, policy, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, ftperr.New(ftperr.ConnectionTimeout, "always fails")
	}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 calls, got %d", calls)
	}
}

func TestExecuteRecoveryHookSkipsBackoff(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	policy := testPolicy()
	policy.InitialBackoff = time.Hour // would time out the test if actually waited on

	calls := 0
	hookCalls := 0
	start := time.Now()
	_, err := Execute(context.Background(), e, policy, nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, ftperr.New(ftperr.ConnectionClosed, "transient")
		}
		return 1, nil
	}, func(ctx context.Context, cause error) bool {
		hookCalls++
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hookCalls != 1 {
		t.Fatalf("expected hook invoked once, got %d", hookCalls)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected recovered hook to skip backoff, took %v", elapsed)
	}
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Execute(ctx, e, testPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	}, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
	if calls != 0 {
		t.Fatalf("expected op never invoked on an already-cancelled context, got %d calls", calls)
	}
}

func TestExecutePropagatesCircuitOpenImmediately(t *testing.T) {
	e := New(zerolog.New(io.Discard))
	calls := 0
	_, err := Execute(context.Background(), e, testPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, ftperr.New(ftperr.CircuitOpen, "circuit open")
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, err) { // sanity: err is non-nil and comparable
		t.Fatal("unexpected error identity")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call when circuit is already open, got %d", calls)
	}
}
