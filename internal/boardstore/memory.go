package boardstore

import (
	"context"
	"sort"
	"sync"

	"github.com/DoyleJ11/collab-board/internal/shape"
)

// Memory keeps boards in process memory. Deleted records are kept as
// tombstones so a later Create with the same id behaves like an undo.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]map[string]Record
	feed   *Feed
}

func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]map[string]Record),
		feed:   NewFeed(),
	}
}

func (m *Memory) Create(ctx context.Context, boardID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Deleted = false

	m.mu.Lock()
	m.board(boardID)[rec.ID] = rec
	m.mu.Unlock()

	m.feed.Publish(boardID, Change{Type: ChangeAdded, Record: rec})
	return nil
}

func (m *Memory) CreateBatch(ctx context.Context, boardID string, recs []Record) error {
	if err := validateBatch(recs); err != nil {
		return err
	}

	m.mu.Lock()
	b := m.board(boardID)
	for i := range recs {
		recs[i].Deleted = false
		b[recs[i].ID] = recs[i]
	}
	m.mu.Unlock()

	for _, rec := range recs {
		m.feed.Publish(boardID, Change{Type: ChangeAdded, Record: rec})
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, boardID, id string, patch shape.Patch, updatedBy string, updatedAt int64) error {
	m.mu.Lock()
	b := m.board(boardID)
	rec, ok := b[id]
	if !ok || rec.Deleted {
		m.mu.Unlock()
		return ErrNotFound
	}
	rec.Props = rec.Props.Apply(patch)
	rec.UpdatedBy = updatedBy
	rec.UpdatedAt = updatedAt
	b[id] = rec
	m.mu.Unlock()

	m.feed.Publish(boardID, Change{Type: ChangeModified, Record: rec})
	return nil
}

func (m *Memory) Delete(ctx context.Context, boardID, id string, deletedBy string, deletedAt int64) error {
	m.mu.Lock()
	b := m.board(boardID)
	rec, ok := b[id]
	if !ok || rec.Deleted {
		m.mu.Unlock()
		return ErrNotFound
	}
	rec.Deleted = true
	rec.UpdatedBy = deletedBy
	rec.UpdatedAt = deletedAt
	b[id] = rec
	m.mu.Unlock()

	m.feed.Publish(boardID, Change{Type: ChangeRemoved, Record: rec})
	return nil
}

func (m *Memory) List(ctx context.Context, boardID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.boards[boardID]))
	for _, rec := range m.boards[boardID] {
		if !rec.Deleted {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, boardID string) (<-chan Change, func(), error) {
	return m.feed.Subscribe(ctx, boardID)
}

func (m *Memory) Close() {
	m.feed.Close()
}

// board must be called with m.mu held for writing.
func (m *Memory) board(boardID string) map[string]Record {
	b, ok := m.boards[boardID]
	if !ok {
		b = make(map[string]Record)
		m.boards[boardID] = b
	}
	return b
}
