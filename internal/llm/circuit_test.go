package llm

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.Failure()
		if err := cb.Allow(); err != nil {
			t.Fatalf("allow after %d failures: %v", i+1, err)
		}
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("allow = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})

	cb.Failure()
	cb.Success()
	cb.Failure()

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed (success resets the count)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("allow after timeout: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	cb.Success()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("one success should not close, state = %s", cb.State())
	}
	cb.Success()
	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})

	cb.Failure()
	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open again", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: 1})
	cb.Failure()
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("allow = %v", err)
	}
}

func TestCircuitStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Rate Limit Exceeded"), true},
		{"quota", errors.New("quota exceeded for project"), true},
		{"server error", errors.New("HTTP 503 Service Unavailable"), true},
		{"network", errors.New("read tcp: connection reset by peer"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), true},
		{"bad request", errors.New("400 invalid argument"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
