package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Update is a typed ephemeral event for one user's record.
type Update[T any] struct {
	UserID  string
	Value   T
	Removed bool
}

// Watch decodes the records of one channel on a board. The stream closes when
// ctx ends, the returned function is called, or the underlying watch ends.
func Watch[T any](ctx context.Context, kv KV, boardID string, ch Channel, log *zap.Logger) (<-chan Update[T], func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	events, stopWatch, err := kv.Watch(ctx, Prefix(boardID, ch))
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", ch, err)
	}

	out := make(chan Update[T], watchBuffer)
	quit := make(chan struct{})
	go func() {
		defer close(out)
		for ev := range events {
			_, _, uid, ok := ParseKey(ev.Key)
			if !ok {
				continue
			}
			u := Update[T]{UserID: uid, Removed: ev.Removed}
			if !ev.Removed {
				if err := json.Unmarshal(ev.Value, &u.Value); err != nil {
					log.Warn("ignoring malformed ephemeral record", zap.String("key", ev.Key), zap.Error(err))
					continue
				}
			}
			select {
			case out <- u:
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(quit)
			stopWatch()
		})
	}, nil
}
