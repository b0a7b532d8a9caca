package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/agexec/internal/model"
)

// MemStore is an in-memory ledger with the same operation set and error
// contract as Store. It backs tests and ephemeral daemon runs where no
// state file is wanted.
type MemStore struct {
	mu        sync.Mutex
	sessions  map[string]model.Session
	order     []string
	events    map[string][]model.RuntimeEvent
	eventIDs  map[string]bool
	snapshots map[string][]model.Snapshot
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[string]model.Session),
		events:    make(map[string][]model.RuntimeEvent),
		eventIDs:  make(map[string]bool),
		snapshots: make(map[string][]model.Snapshot),
	}
}

func (m *MemStore) CreateSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = model.Session{SessionID: sessionID, CreatedAt: now}
	}
	sess.LastActiveAt = now
	m.sessions[sessionID] = sess

	// Move to the back so LatestSessionID tracks the most recent touch.
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, sessionID)
	return nil
}

func (m *MemStore) LatestSessionID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return "", ErrNotFound
	}
	return m.order[len(m.order)-1], nil
}

func (m *MemStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok, nil
}

func (m *MemStore) AppendEvent(_ context.Context, sessionID string, ev model.RuntimeEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	if m.eventIDs[ev.EventID] {
		return ErrDuplicate
	}
	if ev.Header.Timestamp.IsZero() {
		ev.Header.Timestamp = time.Now().UTC()
	}
	ev.Header.SessionID = sessionID
	m.eventIDs[ev.EventID] = true
	m.events[sessionID] = append(m.events[sessionID], ev)
	return nil
}

func (m *MemStore) RecentEvents(_ context.Context, sessionID string, limit int) ([]model.RuntimeEvent, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.RuntimeEvent, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemStore) SaveSnapshot(_ context.Context, sessionID, marker, contextText string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if marker == "" {
		return fmt.Errorf("marker is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	m.snapshots[sessionID] = append(m.snapshots[sessionID], model.Snapshot{
		SnapshotID: uuid.NewString(),
		SessionID:  sessionID,
		Marker:     marker,
		Context:    contextText,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *MemStore) ListSnapshots(_ context.Context, sessionID string) ([]model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[sessionID]
	out := make([]model.Snapshot, len(snaps))
	// Newest first, matching the SQL ordering.
	for i, snap := range snaps {
		out[len(snaps)-1-i] = snap
	}
	return out, nil
}

func (m *MemStore) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for sessionID, evs := range m.events {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.Header.Timestamp.Before(cutoff) {
				removed++
				delete(m.eventIDs, ev.EventID)
				continue
			}
			kept = append(kept, ev)
		}
		m.events[sessionID] = kept
	}
	return removed, nil
}
