package command

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Batch runs its children as one history entry: forward on Execute, in
// reverse on Undo. If a child fails either way, the children already handled
// are put back, so the batch stays all-or-nothing and can be retried.
type Batch struct {
	children []Command
}

func NewBatch(children ...Command) *Batch {
	return &Batch{children: children}
}

func (b *Batch) Len() int { return len(b.children) }

func (b *Batch) Execute(ctx context.Context) error {
	for i, c := range b.children {
		if err := c.Execute(ctx); err != nil {
			err = fmt.Errorf("batch step %d: %w", i, err)
			for j := i - 1; j >= 0; j-- {
				if uerr := b.children[j].Undo(ctx); uerr != nil {
					err = multierr.Append(err, fmt.Errorf("rollback step %d: %w", j, uerr))
				}
			}
			return err
		}
	}
	return nil
}

func (b *Batch) Undo(ctx context.Context) error {
	for i := len(b.children) - 1; i >= 0; i-- {
		if err := b.children[i].Undo(ctx); err != nil {
			err = fmt.Errorf("undo batch step %d: %w", i, err)
			for j := i + 1; j < len(b.children); j++ {
				if rerr := b.children[j].Execute(ctx); rerr != nil {
					err = multierr.Append(err, fmt.Errorf("restore step %d: %w", j, rerr))
				}
			}
			return err
		}
	}
	return nil
}
