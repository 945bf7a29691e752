package sched

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestStartRejectsInvalidExpression(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "garbage", expr: "whenever"},
		{name: "too few fields", expr: "* *"},
		{name: "out of range", expr: "99 * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(tt.expr, func(ctx context.Context) error { return nil }, testLogger())
			err := s.Start(context.Background())
			if !errors.Is(err, ErrInvalidSchedule) {
				t.Errorf("Start(%q) error = %v, want ErrInvalidSchedule", tt.expr, err)
			}
		})
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := NewScheduler("0 3 * * *", func(ctx context.Context) error { return nil }, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded, want error")
	}

	s.Stop()
	// Stop again is a no-op.
	s.Stop()
}

func TestFireRecordsOutcome(t *testing.T) {
	wantErr := errors.New("backup blew up")
	s := NewScheduler("0 3 * * *", func(ctx context.Context) error { return wantErr }, testLogger())

	s.fire(context.Background())

	lastRun, lastErr := s.LastRun()
	if lastRun.IsZero() {
		t.Error("LastRun time not recorded")
	}
	if !errors.Is(lastErr, wantErr) {
		t.Errorf("LastRun error = %v, want %v", lastErr, wantErr)
	}
}

func TestFireSkipsOverlappingRuns(t *testing.T) {
	var running atomic.Int32
	block := make(chan struct{})

	s := NewScheduler("* * * * *", func(ctx context.Context) error {
		running.Add(1)
		<-block
		return nil
	}, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fire(context.Background())
	}()

	// Wait for the first run to be in flight, then fire again.
	deadline := time.After(2 * time.Second)
	for running.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.fire(context.Background())
	if got := running.Load(); got != 1 {
		t.Errorf("concurrent runs = %d, want overlap skipped", got)
	}

	close(block)
	wg.Wait()
}
