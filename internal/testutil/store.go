package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/agexec/internal/db"
	"github.com/g960059/agexec/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "agexec-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, sessionID string) {
	t.Helper()
	if err := store.CreateSession(ctx, sessionID); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func SeedEvent(t *testing.T, store *db.Store, ctx context.Context, sessionID, eventID, correlationID string, kind model.EventKind) model.RuntimeEvent {
	t.Helper()
	ev := model.RuntimeEvent{
		EventID: eventID,
		Kind:    kind,
		Header: model.Header{
			SessionID:     sessionID,
			CorrelationID: correlationID,
			Timestamp:     time.Now().UTC(),
		},
	}
	if err := store.AppendEvent(ctx, sessionID, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}
