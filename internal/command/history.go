package command

import (
	"context"
	"errors"
	"sync"
)

const DefaultHistoryLimit = 100

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// History is a bounded undo/redo stack. Entries below cursor can be undone,
// entries at or above it can be redone.
type History struct {
	mu      sync.Mutex
	entries []Command
	cursor  int
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Execute runs cmd and records it. A failed command is not recorded.
func (h *History) Execute(ctx context.Context, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := cmd.Execute(ctx); err != nil {
		return err
	}
	h.push(cmd)
	return nil
}

func (h *History) Undo(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor == 0 {
		return ErrNothingToUndo
	}
	if err := h.entries[h.cursor-1].Undo(ctx); err != nil {
		return err
	}
	h.cursor--
	return nil
}

func (h *History) Redo(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor == len(h.entries) {
		return ErrNothingToRedo
	}
	if err := h.entries[h.cursor].Execute(ctx); err != nil {
		return err
	}
	h.cursor++
	return nil
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor < len(h.entries)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.cursor = 0
}

// push truncates the redo tail, appends cmd and evicts the oldest entry when
// over the limit. Must be called with h.mu held.
func (h *History) push(cmd Command) {
	clear(h.entries[h.cursor:])
	h.entries = append(h.entries[:h.cursor], cmd)
	if len(h.entries) > h.limit {
		h.entries[0] = nil
		h.entries = h.entries[1:]
	}
	h.cursor = len(h.entries)
}
