package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGetRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run := &Run{
		Kind:        KindBackup,
		StackName:   "shop",
		StartedAt:   time.Now().Add(-time.Minute).Truncate(time.Second).UTC(),
		CompletedAt: time.Now().Truncate(time.Second).UTC(),
		Success:     true,
		Detail:      `{"volumes":5}`,
	}
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("RecordRun() did not assign an ID")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Kind != KindBackup || got.StackName != "shop" || !got.Success || got.Degraded {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
	if got.Detail != run.Detail {
		t.Errorf("Detail = %q, want %q", got.Detail, run.Detail)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetRun(context.Background(), uuid.New())
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	kinds := []Kind{KindBackup, KindRestore, KindDeploy, KindBackup}
	for i, kind := range kinds {
		run := &Run{
			Kind:        kind,
			StackName:   "shop",
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Success:     i%2 == 0,
			Degraded:    i == 1,
			Detail:      fmt.Sprintf(`{"seq":%d}`, i),
		}
		if err := store.RecordRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Errorf("runs not newest first: %v then %v", runs[i-1].StartedAt, runs[i].StartedAt)
		}
	}
	if runs[0].Kind != KindBackup || runs[0].Detail != `{"seq":3}` {
		t.Errorf("newest run = %+v", runs[0])
	}

	// Default limit applies when none given.
	all, err := store.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("len = %d, want all 4", len(all))
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "history.db")
	store, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}
