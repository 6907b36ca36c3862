package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/channel"
	"github.com/altiplano-labs/despacho/internal/db"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("should allow probe after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5}, zap.NewNop())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

// --- ProtectedAdapter tests ---

type fakeAdapter struct {
	sendErr   error
	sendCalls int
}

func (f *fakeAdapter) Send(ctx context.Context, dest channel.Destination, title, body string) (*channel.Receipt, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &channel.Receipt{MessageID: "m-1", Status: "accepted"}, nil
}

func (f *fakeAdapter) Channel() db.Channel { return db.ChannelSMS }

func TestProtectedAdapter_PassesThrough(t *testing.T) {
	fake := &fakeAdapter{}
	cb := New(Config{Name: "test", MaxFailures: 5}, zap.NewNop())
	pa := Protect(fake, cb, zap.NewNop())

	receipt, err := pa.Send(context.Background(), channel.Destination{Phone: "70012345"}, "", "hola")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if receipt.MessageID != "m-1" {
		t.Fatalf("message_id = %s", receipt.MessageID)
	}
	if fake.sendCalls != 1 {
		t.Fatalf("calls = %d", fake.sendCalls)
	}
}

func TestProtectedAdapter_FailFastWhenOpen(t *testing.T) {
	fake := &fakeAdapter{sendErr: errors.New("provider down")}
	cb := New(Config{Name: "test", MaxFailures: 2}, zap.NewNop())
	pa := Protect(fake, cb, zap.NewNop())

	ctx := context.Background()
	dest := channel.Destination{Phone: "70012345"}
	pa.Send(ctx, dest, "", "x")
	pa.Send(ctx, dest, "", "x")

	fake.sendCalls = 0
	_, err := pa.Send(ctx, dest, "", "x")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if fake.sendCalls != 0 {
		t.Fatalf("adapter called %d times when circuit open", fake.sendCalls)
	}
}

func TestProtectedAdapter_FullLifecycle(t *testing.T) {
	fake := &fakeAdapter{}
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	pa := Protect(fake, cb, zap.NewNop())

	ctx := context.Background()
	dest := channel.Destination{Phone: "70012345"}

	if _, err := pa.Send(ctx, dest, "", "x"); err != nil {
		t.Fatalf("healthy phase: %v", err)
	}

	fake.sendErr = errors.New("SNS down")
	for i := 0; i < 3; i++ {
		pa.Send(ctx, dest, "", "x")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	fake.sendCalls = 0
	if _, err := pa.Send(ctx, dest, "", "x"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail-fast, got %v", err)
	}
	if fake.sendCalls != 0 {
		t.Fatal("adapter should not be called while open")
	}

	time.Sleep(60 * time.Millisecond)

	fake.sendErr = nil
	if _, err := pa.Send(ctx, dest, "", "x"); err != nil {
		t.Fatalf("recovery probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after recovery, got %s", cb.GetState())
	}
}
