package breaker

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/ftperr"
)

func testBreaker() *Breaker {
	return New(Config{Name: "test", FailureThreshold: 3, ResetTimeout: 20 * time.Millisecond}, zerolog.New(io.Discard))
}

func TestBreakerStartsClosed(t *testing.T) {
	b := testBreaker()
	if b.State() != "closed" {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreakerTripsOnConsecutiveServerHealthFailures(t *testing.T) {
	b := testBreaker()
	serverErr := ftperr.New(ftperr.ConnectionRefused, "refused")

	for i := 0; i < 3; i++ {
		_, err := Execute(b, func() (int, error) { return 0, serverErr })
		if err == nil {
			t.Fatal("expected error from failing op")
		}
	}

	if b.State() != "open" {
		t.Fatalf("expected open after 3 consecutive failures, got %s", b.State())
	}

	_, err := Execute(b, func() (int, error) { return 1, nil })
	if err == nil {
		t.Fatal("expected CIRCUIT_OPEN error while open")
	}
	if ftperr.KindOf(err) != ftperr.CircuitOpen {
		t.Fatalf("expected CircuitOpen kind, got %v", ftperr.KindOf(err))
	}
}

func TestBreakerIgnoresNonServerHealthFailures(t *testing.T) {
	b := testBreaker()
	appErr := ftperr.New(ftperr.FileNotFound, "no such file")

	for i := 0; i < 5; i++ {
		_, _ = Execute(b, func() (int, error) { return 0, appErr })
	}

	if b.State() != "closed" {
		t.Fatalf("expected non-server-health failures to never trip the breaker, got %s", b.State())
	}
}

func TestBreakerHalfOpensAfterResetTimeoutAndRecovers(t *testing.T) {
	b := testBreaker()
	serverErr := ftperr.New(ftperr.ConnectionTimeout, "timed out")

	for i := 0; i < 3; i++ {
		_, _ = Execute(b, func() (int, error) { return 0, serverErr })
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	result, err := Execute(b, func() (int, error) { return 9, nil })
	if err != nil {
		t.Fatalf("expected trial call through half-open to succeed: %v", err)
	}
	if result != 9 {
		t.Fatalf("expected 9, got %d", result)
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after successful half-open trial, got %s", b.State())
	}
}

func TestRegistryReturnsSameInstancePerName(t *testing.T) {
	r := NewRegistry(zerolog.New(io.Discard))
	a := r.Get(Config{Name: "server", FailureThreshold: 3, ResetTimeout: time.Second})
	b := r.Get(Config{Name: "server", FailureThreshold: 99, ResetTimeout: time.Hour})
	if a != b {
		t.Fatal("expected Registry.Get to return the same *Breaker for a repeated name")
	}

	c := r.Get(Config{Name: "other", FailureThreshold: 3, ResetTimeout: time.Second})
	if a == c {
		t.Fatal("expected distinct names to produce distinct breakers")
	}
}

func TestExecutePropagatesNonBreakerErrors(t *testing.T) {
	b := testBreaker()
	sentinel := errors.New("boom")
	_, err := Execute(b, func() (int, error) { return 0, sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error to propagate unwrapped, got %v", err)
	}
}
