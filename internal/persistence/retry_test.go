package persistence

import (
	"context"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("wrapped: database is locked"), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_NonBusyError(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("not a busy error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry on non-busy), got %d", calls)
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_Exhausted(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return fmt.Errorf("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestRetryOnBusy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnBusy(ctx, 5, func() error {
		return fmt.Errorf("database is locked")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
