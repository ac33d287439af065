// Package writer copies a finished image onto a block device on a background
// goroutine so the controlling flow stays responsive to cancellation.
package writer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// DefaultChunkSize is the copy unit; cancellation is checked between chunks (4MB).
const DefaultChunkSize = 4 * 1024 * 1024

// Kind is the terminal condition of a write
type Kind string

const (
	KindSuccess   Kind = "success"
	KindMismatch  Kind = "mismatch"
	KindIOFailure Kind = "io_failure"
	KindCancelled Kind = "cancelled"
)

// Result is produced once per write and consumed once by the caller.
type Result struct {
	Kind    Kind
	Err     error
	Written int64
}

// OK reports a successful write.
func (r Result) OK() bool {
	return r.Kind == KindSuccess
}

// Writer starts background copies
type Writer struct {
	token     *cancel.Token
	chunkSize int

	// Progress receives the fraction written after every chunk. May be nil.
	Progress func(fraction float64)

	// OpenDevice opens the destination for writing; defaults to os.OpenFile with O_WRONLY.
	OpenDevice func(path string) (io.WriteCloser, error)

	// Verify, when set, reads the device back after a complete copy.
	// errors.ErrContentMismatch yields KindMismatch.
	Verify func(imagePath, devicePath string) error
}

// New creates a Writer observing token
func New(token *cancel.Token, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{token: token, chunkSize: chunkSize}
}

// Handle tracks one running copy
type Handle struct {
	id       string
	image    string
	device   string
	started  chan struct{}
	done     chan struct{}
	stop     atomic.Bool
	consumed atomic.Bool
	result   Result
}

// Name identifies the worker for cancellation registration.
func (h *Handle) Name() string {
	return "image-writer-" + h.id
}

// Started is closed once the goroutine is running.
func (h *Handle) Started() <-chan struct{} {
	return h.started
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the copy is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for completion and reports whether the copy finished.
func (h *Handle) Join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Stop asks this copy alone to end at the next chunk boundary.
func (h *Handle) Stop() {
	h.stop.Store(true)
}

// Result returns the terminal condition. It fails while the copy is running
// and on any call after the first successful one.
func (h *Handle) Result() (Result, error) {
	if h.Alive() {
		return Result{}, fmt.Errorf("%s still running", h.Name())
	}
	if !h.consumed.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("%s result already consumed", h.Name())
	}
	return h.result, nil
}

// Start begins copying imagePath onto devicePath and returns immediately.
func (w *Writer) Start(imagePath, devicePath string) *Handle {
	h := &Handle{
		id:      uuid.NewString()[:8],
		image:   imagePath,
		device:  devicePath,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		close(h.started)
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.result = Result{Kind: KindIOFailure, Err: fmt.Errorf("writer panic: %v", r)}
			}
		}()
		h.result = w.copy(h)
	}()

	return h
}

func (w *Writer) cancelled(h *Handle) bool {
	return h.stop.Load() || (w.token != nil && w.token.Cancelled())
}

func (w *Writer) open(path string) (io.WriteCloser, error) {
	if w.OpenDevice != nil {
		return w.OpenDevice(path)
	}
	return os.OpenFile(path, os.O_WRONLY, 0)
}

func (w *Writer) copy(h *Handle) Result {
	start := time.Now()
	slog.Info("write_start", "worker", h.Name(), "image", h.image, "device", h.device)

	src, err := os.Open(h.image)
	if err != nil {
		return Result{Kind: KindIOFailure, Err: errors.Wrap(err, "failed to open image")}
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return Result{Kind: KindIOFailure, Err: errors.Wrap(err, "failed to stat image")}
	}
	total := fi.Size()

	dst, err := w.open(h.device)
	if err != nil {
		return Result{Kind: KindIOFailure, Err: errors.Wrap(err, "failed to open device")}
	}

	buf := make([]byte, w.chunkSize)
	var written int64
	result := Result{Kind: KindSuccess}

	for {
		if w.cancelled(h) {
			slog.Warn("write_cancelled", "worker", h.Name(), "written", written, "total", total)
			result = Result{Kind: KindCancelled, Err: errors.ErrCancelled}
			break
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			m, err := dst.Write(buf[:n])
			written += int64(m)
			if err == nil && m != n {
				err = io.ErrShortWrite
			}
			if err != nil {
				slog.Error("write_chunk_failed", "worker", h.Name(), "offset", written, "error", err)
				result = Result{Kind: KindIOFailure, Err: errors.Wrap(err, fmt.Sprintf("write failed at offset %d", written))}
				break
			}
			if w.Progress != nil && total > 0 {
				w.Progress(float64(written) / float64(total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			result = Result{Kind: KindIOFailure, Err: errors.Wrap(readErr, "failed to read image")}
			break
		}
	}

	if s, ok := dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil && result.Kind == KindSuccess {
			result = Result{Kind: KindIOFailure, Err: errors.Wrap(err, "failed to sync device")}
		}
	}
	if err := dst.Close(); err != nil && result.Kind == KindSuccess {
		result = Result{Kind: KindIOFailure, Err: errors.Wrap(err, "failed to close device")}
	}

	if result.Kind == KindSuccess && w.Verify != nil && !w.cancelled(h) {
		if err := w.Verify(h.image, h.device); err != nil {
			kind := KindIOFailure
			if errors.Is(err, errors.ErrContentMismatch) {
				kind = KindMismatch
			}
			result = Result{Kind: kind, Err: err}
		}
	}

	result.Written = written
	slog.Info("write_finished", "worker", h.Name(), "kind", result.Kind,
		"written", humanize.IBytes(uint64(written)), "duration", time.Since(start))
	return result
}
