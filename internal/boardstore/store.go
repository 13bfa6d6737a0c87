// Package boardstore is the durable, per-board source of truth for shape
// records, plus the change stream clients merge from.
package boardstore

import (
	"context"
	"errors"

	"github.com/DoyleJ11/collab-board/internal/shape"
)

// MaxBatchSize is the largest number of records a single CreateBatch accepts.
const MaxBatchSize = 500

var (
	ErrNotFound      = errors.New("shape not found")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrClosed        = errors.New("store closed")
)

// Record is the persisted form of a shape.
type Record struct {
	shape.Shape
	Deleted bool `json:"deleted"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type   ChangeType `json:"changeType"`
	Record Record     `json:"record"`
}

// Store is implemented by the server-side stores and by the remote client.
type Store interface {
	Create(ctx context.Context, boardID string, rec Record) error
	CreateBatch(ctx context.Context, boardID string, recs []Record) error
	Update(ctx context.Context, boardID, id string, patch shape.Patch, updatedBy string, updatedAt int64) error
	Delete(ctx context.Context, boardID, id string, deletedBy string, deletedAt int64) error
	List(ctx context.Context, boardID string) ([]Record, error)
	// Subscribe streams every change on the board until ctx ends or the
	// returned function is called.
	Subscribe(ctx context.Context, boardID string) (<-chan Change, func(), error)
}

func validateBatch(recs []Record) error {
	if len(recs) > MaxBatchSize {
		return ErrBatchTooLarge
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Chunk splits records into batches no larger than size.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = MaxBatchSize
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
