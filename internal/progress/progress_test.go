package progress

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok := store.Get(ctx, "missing"); ok {
		t.Fatal("expected no record for unknown key")
	}

	store.Set(ctx, "upload-1", Record{Phase: PhaseUploading, Percent: 10})
	record, ok := store.Get(ctx, "upload-1")
	if !ok {
		t.Fatal("expected record after Set")
	}
	if record.Phase != PhaseUploading || record.Percent != 10 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be stamped")
	}

	store.Delete(ctx, "upload-1")
	if _, ok := store.Get(ctx, "upload-1"); ok {
		t.Fatal("expected record removed after Delete")
	}
}

func TestMemoryStoreForgetDeletesAfterGrace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var fire func()
	store.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		fire = fn
		return time.NewTimer(time.Hour)
	}

	store.Set(ctx, "convert-1", Record{Phase: PhaseCompleted, Percent: 100})
	store.Forget(ctx, "convert-1", time.Minute)

	if _, ok := store.Get(ctx, "convert-1"); !ok {
		t.Fatal("record must stay readable during the grace period")
	}
	fire()
	if _, ok := store.Get(ctx, "convert-1"); ok {
		t.Fatal("record must be gone once the grace period elapses")
	}
}

func TestMemoryStoreSetCancelsPendingForget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var fire func()
	store.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		fire = fn
		return time.NewTimer(time.Hour)
	}

	store.Set(ctx, "convert-1", Record{Phase: PhaseError, Error: "boom"})
	store.Forget(ctx, "convert-1", time.Minute)

	// A retry starts writing again before the deletion fires.
	store.Set(ctx, "convert-1", Record{Phase: PhaseDownloading, Percent: 5})
	fire()

	record, ok := store.Get(ctx, "convert-1")
	if !ok {
		t.Fatal("fresh record must survive a stale deletion timer")
	}
	if record.Phase != PhaseDownloading {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestMemoryStoreForgetZeroDeletesImmediately(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "upload-1", Record{Phase: PhaseCompleted, Percent: 100})
	store.Forget(ctx, "upload-1", 0)
	if _, ok := store.Get(ctx, "upload-1"); ok {
		t.Fatal("expected immediate deletion for a zero grace period")
	}
}

func TestRecordTerminal(t *testing.T) {
	cases := []struct {
		phase string
		want  bool
	}{
		{PhaseUploading, false},
		{PhaseDownloading, false},
		{PhaseConverting, false},
		{PhaseCleaning, false},
		{PhaseCompleted, true},
		{PhaseError, true},
	}
	for _, tc := range cases {
		if got := (Record{Phase: tc.phase}).Terminal(); got != tc.want {
			t.Fatalf("Terminal() for %q = %v, want %v", tc.phase, got, tc.want)
		}
	}
}
