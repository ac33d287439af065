// Package cancel provides the per-run cancellation token shared between the
// controlling flow and at most one background worker.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// Worker is a running unit of work that can be asked to stop early.
type Worker interface {
	Name() string
}

// Token is a cooperative cancellation flag with a single worker slot.
// The zero value is not usable; create one with NewToken.
type Token struct {
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	worker Worker
}

// NewToken creates a token for one run
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel requests termination. Safe to call more than once and from any goroutine.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)

		t.mu.Lock()
		w := t.worker
		t.mu.Unlock()

		if w != nil {
			slog.Info("cancel_requested", "worker", w.Name())
		} else {
			slog.Info("cancel_requested")
		}
	})
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed once Cancel has been called.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrCancelled after cancellation, nil before.
func (t *Token) Err() error {
	if t.Cancelled() {
		return errors.ErrCancelled
	}
	return nil
}

// Register claims the worker slot. Registering while another worker holds
// the slot fails with ErrAlreadyRegistered.
func (t *Token) Register(w Worker) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.worker != nil {
		return errors.Wrap(errors.ErrAlreadyRegistered, t.worker.Name())
	}
	t.worker = w
	slog.Info("worker_registered", "worker", w.Name())
	return nil
}

// Unregister frees the worker slot.
func (t *Token) Unregister() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.worker != nil {
		slog.Info("worker_unregistered", "worker", t.worker.Name())
	}
	t.worker = nil
}

// Registered returns the worker holding the slot, or nil.
func (t *Token) Registered() Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worker
}

// Context derives a context that is cancelled when either parent is done or
// the token is cancelled. The returned stop func releases the watcher.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if t.Cancelled() {
		cancel(errors.ErrCancelled)
		return ctx, func() { cancel(context.Canceled) }
	}
	go func() {
		select {
		case <-t.done:
			cancel(errors.ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
