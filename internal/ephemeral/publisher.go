package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/throttle"
)

const sendTimeout = 5 * time.Second

// Publisher owns one ephemeral record. Publish is throttled so a burst of
// samples produces one write per window carrying the newest sample.
type Publisher[T any] struct {
	kv  KV
	key string
	log *zap.Logger
	th  *throttle.Throttle[sample[T]]

	mu         sync.Mutex
	active     bool
	epoch      uint64
	cancelHook CancelFunc
}

// sample tags a value with the epoch it was published in, so a send that was
// already on its way when Clear or Stop ran cannot bring the record back.
type sample[T any] struct {
	v     T
	epoch uint64
}

func NewPublisher[T any](kv KV, key string, window time.Duration, log *zap.Logger) *Publisher[T] {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher[T]{kv: kv, key: key, log: log.With(zap.String("key", key))}
	if window > 0 {
		p.th = throttle.New(window, p.send)
	}
	return p
}

func (p *Publisher[T]) Key() string { return p.key }

// Start registers the disconnect hook that removes the record if the client
// goes away without calling Stop.
func (p *Publisher[T]) Start(ctx context.Context) error {
	cancel, err := p.kv.OnDisconnectRemove(ctx, p.key)
	if err != nil {
		return fmt.Errorf("register disconnect hook %s: %w", p.key, err)
	}
	p.mu.Lock()
	p.cancelHook = cancel
	p.active = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	s := sample[T]{v: v, epoch: p.epoch}
	p.mu.Unlock()

	if p.th == nil {
		p.send(s)
		return
	}
	p.th.Call(s)
}

// Flush sends the pending sample now.
func (p *Publisher[T]) Flush() {
	if p.th != nil {
		p.th.Flush()
	}
}

// Cancel drops the pending sample.
func (p *Publisher[T]) Cancel() {
	if p.th != nil {
		p.th.Cancel()
	}
}

// Clear drops any pending sample and removes the record. The publisher stays
// usable.
func (p *Publisher[T]) Clear(ctx context.Context) error {
	p.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	if !p.active {
		return nil
	}
	if err := p.kv.Remove(ctx, p.key); err != nil {
		return fmt.Errorf("remove %s: %w", p.key, err)
	}
	return nil
}

// Stop cancels the disconnect hook and removes the record explicitly, so the
// record is removed exactly once. Later publishes are ignored.
func (p *Publisher[T]) Stop(ctx context.Context) error {
	p.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	p.active = false
	p.epoch++

	var err error
	if p.cancelHook != nil {
		if cerr := p.cancelHook(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("cancel disconnect hook %s: %w", p.key, cerr))
		}
		p.cancelHook = nil
	}
	if rerr := p.kv.Remove(ctx, p.key); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("remove %s: %w", p.key, rerr))
	}
	return err
}

func (p *Publisher[T]) send(s sample[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || s.epoch != p.epoch {
		return
	}

	raw, err := json.Marshal(s.v)
	if err != nil {
		p.log.Warn("ephemeral encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := p.kv.Set(ctx, p.key, raw); err != nil {
		p.log.Warn("ephemeral publish failed", zap.Error(err))
	}
}
