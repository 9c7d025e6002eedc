package core

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"planstate/internal/infra/persistence/memory"
	"planstate/pkg/domain"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	store, err := OpenPersistentStore(context.Background(), StorageOptions{Driver: StorageMemory, Clock: newTestClock()})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(context.Background(), StorageOptions{Driver: "cassandra"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOpenPersistentStoreSQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenPersistentStore(ctx, StorageOptions{SQLitePath: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	svc, err := NewService(store, testConfig())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ingest(t, svc, valueEvent(testKey("e-1"), 0, domain.EventEnrollment, "2025-03-01", "0.06", 0))
	if _, err := svc.Run(ctx, fullYearRun()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	reopened, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageSQLite, SQLitePath: path})
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() {
		if closer, ok := reopened.(io.Closer); ok {
			_ = closer.Close()
		}
	})
	svc2, err := NewService(reopened, testConfig())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	state, err := svc2.GetState(ctx, testKey("e-1"), date("2025-12-31"))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.Value.Equal(dec("0.06")) || state.Metadata.Path != QueryPathSnapshot {
		t.Fatalf("expected persisted snapshot state, got %+v", state)
	}
	history, err := svc2.GetHistory(ctx, testKey("e-1"), date("2025-01-01"), date("2025-12-31"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 12 {
		t.Fatalf("expected persisted grid rows, got %d", len(history))
	}
}
