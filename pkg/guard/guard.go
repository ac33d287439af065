// Package guard pairs a reversible OS setting change with its restoration.
//
// A Handle is returned by an acquire function only when a change was made.
// Release restores the previous state exactly once; nil handles are valid and
// release to a no-op, so teardown code can release unconditionally.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handle records the original state of one setting and how to restore it.
type Handle struct {
	kind     string
	target   string
	previous string
	restore  func(ctx context.Context) error

	once     sync.Once
	released atomic.Bool
	err      error
}

// NewHandle builds a handle. restore is invoked at most once.
func NewHandle(kind, target, previous string, restore func(ctx context.Context) error) *Handle {
	return &Handle{kind: kind, target: target, previous: previous, restore: restore}
}

// Kind names the guarded setting, e.g. "sleep" or "permission".
func (h *Handle) Kind() string {
	if h == nil {
		return ""
	}
	return h.kind
}

// Target is the guarded resource, empty for process-wide settings.
func (h *Handle) Target() string {
	if h == nil {
		return ""
	}
	return h.target
}

// Previous is the opaque state captured at acquisition.
func (h *Handle) Previous() string {
	if h == nil {
		return ""
	}
	return h.previous
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	return h.released.Load()
}

// Release restores the previous state. Later calls return the first result.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.released.Store(true)
		if h.restore == nil {
			return
		}
		h.err = h.restore(ctx)
		if h.err != nil {
			slog.Error("guard_restore_failed", "kind", h.kind, "target", h.target, "previous", h.previous, "error", h.err)
			return
		}
		slog.Info("guard_restored", "kind", h.kind, "target", h.target, "previous", h.previous)
	})
	return h.err
}
