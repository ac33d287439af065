// Package report renders pipeline progress for humans and mirrors every
// event to slog. It also keeps per-stage timings for the duration summary.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// StageDuration is the wall time spent in one stage.
type StageDuration struct {
	Name     string
	Duration time.Duration
}

// Reporter implements the pipeline Logger. Safe for concurrent use.
type Reporter struct {
	mu sync.Mutex

	out       io.Writer
	now       func() time.Time
	hasDevice bool

	started      time.Time
	current      string
	currentStart time.Time
	stages       []StageDuration
	lastPercent  int
	failed       bool
}

// New creates a Reporter writing human-readable lines to out.
func New(out io.Writer) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{out: out, now: time.Now, lastPercent: -1}
}

func (r *Reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Start resets timings for a new run.
func (r *Reporter) Start(hasDevice bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hasDevice = hasDevice
	r.started = r.now()
	r.current = ""
	r.stages = nil
	r.failed = false
	r.lastPercent = -1

	slog.Info("run_started", "has_device", hasDevice)
	if hasDevice {
		r.printf("Building hotspot image and writing it to the device")
	} else {
		r.printf("Building hotspot image")
	}
}

// closeStage records the running stage. Caller holds mu.
func (r *Reporter) closeStage() {
	if r.current == "" {
		return
	}
	d := r.now().Sub(r.currentStart)
	r.stages = append(r.stages, StageDuration{Name: r.current, Duration: d})
	slog.Info("stage_finished", "stage", r.current, "duration", d)
	r.current = ""
}

// Stage marks the beginning of a named stage and closes the previous one.
func (r *Reporter) Stage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeStage()
	r.current = name
	r.currentStart = r.now()
	r.lastPercent = -1

	slog.Info("stage_started", "stage", name)
	r.printf("--> %s", name)
}

func (r *Reporter) Step(description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Info("step", "stage", r.current, "description", description)
	r.printf("    %s", description)
}

// Progress reports a completion fraction for the running stage. Only whole
// percent changes are rendered.
func (r *Reporter) Progress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pct := int(fraction * 100)
	if pct == r.lastPercent {
		return
	}
	r.lastPercent = pct
	slog.Debug("progress", "stage", r.current, "percent", pct)
	r.printf("    %3d%%", pct)
}

func (r *Reporter) Std(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Info("message", "stage", r.current, "text", message)
	r.printf("%s", message)
}

func (r *Reporter) Err(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Error("message", "stage", r.current, "text", message)
	r.printf("ERROR: %s", message)
}

func (r *Reporter) Succ(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Info("success", "stage", r.current, "text", message)
	r.printf("OK: %s", message)
}

// Failed closes the running stage and reports the terminal failure.
func (r *Reporter) Failed(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeStage()
	r.failed = true
	slog.Error("run_failed", "error", message)
	r.printf("FAILED: %s", message)
}

// Complete closes the running stage and reports success.
func (r *Reporter) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeStage()
	slog.Info("run_completed", "duration", r.now().Sub(r.started))
	r.printf("Done.")
}

// Summary logs the duration of each finished stage in order, then the total.
func (r *Reporter) Summary() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeStage()
	for _, s := range r.stages {
		slog.Info("stage_duration", "stage", s.Name, "duration", s.Duration)
		r.printf("%-10s %s", s.Name, s.Duration.Round(time.Second))
	}
	total := r.now().Sub(r.started)
	slog.Info("run_duration", "duration", total, "failed", r.failed)
	r.printf("%-10s %s", "total", total.Round(time.Second))
}

// Durations returns a copy of the finished stage timings.
func (r *Reporter) Durations() []StageDuration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StageDuration, len(r.stages))
	copy(out, r.stages)
	return out
}
