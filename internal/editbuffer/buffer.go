// Package editbuffer keeps the last in-flight drag position of each shape on
// local disk, so a drag interrupted by a crash or reload is replayed once on
// the next load.
package editbuffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

type Entry struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Buffer is safe for concurrent use. A nil *Buffer is a valid, disabled
// buffer.
type Buffer struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	log     *zap.Logger
}

// Open loads the buffer for one board and user from dir. Unreadable or
// corrupt contents are discarded.
func Open(dir, boardID, userID string, log *zap.Logger) (*Buffer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create edit buffer dir: %w", err)
	}
	b := &Buffer{
		path:    filepath.Join(dir, fmt.Sprintf("%s--%s.json", safeName(boardID), safeName(userID))),
		entries: make(map[string]Entry),
		log:     log,
	}

	raw, err := os.ReadFile(b.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("read edit buffer: %w", err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Warn("discarding corrupt edit buffer", zap.String("path", b.path), zap.Error(err))
		_ = os.Remove(b.path)
		return b, nil
	}
	for id, e := range entries {
		if id == "" || !finite(e.X) || !finite(e.Y) {
			log.Warn("discarding corrupt edit buffer entry", zap.String("shape", id))
			continue
		}
		b.entries[id] = e
	}
	return b, nil
}

func (b *Buffer) Put(shapeID string, x, y float64, updatedAt int64) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[shapeID] = Entry{X: x, Y: y, UpdatedAt: updatedAt}
	return b.save()
}

// Clear drops a shape's entry once its position has been persisted.
func (b *Buffer) Clear(shapeID string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[shapeID]; !ok {
		return nil
	}
	delete(b.entries, shapeID)
	return b.save()
}

// Take returns every buffered entry and empties the buffer, so entries are
// replayed at most once.
func (b *Buffer) Take() map[string]Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = make(map[string]Entry)
	if err := b.save(); err != nil {
		b.log.Warn("edit buffer save failed", zap.Error(err))
	}
	return out
}

// Reset empties the buffer and removes its file. Called on clean unload.
func (b *Buffer) Reset() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Entry)
	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove edit buffer: %w", err)
	}
	return nil
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// save must be called with b.mu held.
func (b *Buffer) save() error {
	if len(b.entries) == 0 {
		if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	raw, err := json.Marshal(b.entries)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func safeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
