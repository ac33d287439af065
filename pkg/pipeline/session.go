package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/guard"
	"github.com/kiwix/hotspot-imager/pkg/retry"
	"github.com/kiwix/hotspot-imager/pkg/writer"
)

const (
	mismatchAdvice = "SD-card content is different than that of image.\n" +
		"Please check the content of your card and verify that the card is not damaged " +
		"(often turns read-only silently).\n" +
		"Alternatively, use a third party flashing tool such as Etcher to flash the image " +
		"onto the SD-card and validate the transfer."
	writeAdvice = "Writing your image to your SD-card failed.\n" +
		"Please use a third party tool such as Etcher to flash your image onto your SD-card."
	cancelAdvice = "Writing your image to your SD-card was cancelled.\n" +
		"The card is only partially written; flash the image again before using it."
)

// Session is the state of one run. Its stage methods must be called in
// order: Init, Master, Write, then Finish exactly once. A failed stage makes
// the following ones return the recorded error without doing anything.
type Session struct {
	p     *Pipeline
	req   Request
	token *cancel.Token
	id    string

	mu        sync.Mutex
	state     StageState
	completed StageState
	begun     map[StageState]bool
	err       *errors.InstallError
	aborted   bool

	paths      ImagePaths
	sleepGuard *guard.Handle
	prepared   Prepared
	build      ImageBuildResult
	write      DeviceWriteResult

	stageName  string
	stageStart time.Time
	durations  map[string]time.Duration

	finishOnce sync.Once
	outcome    Outcome
}

// NewSession creates a session for req without running anything.
func (p *Pipeline) NewSession(req Request) *Session {
	token := req.Token
	if token == nil {
		token = cancel.NewToken()
	}
	return &Session{
		p:         p,
		req:       req,
		token:     token,
		id:        uuid.NewString(),
		state:     StateInit,
		begun:     map[StageState]bool{},
		durations: map[string]time.Duration{},
		write:     DeviceWriteResult{Status: WriteSkipped, Device: req.Device},
	}
}

// ID identifies the run.
func (s *Session) ID() string {
	return s.id
}

// State returns the current stage state.
func (s *Session) State() StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the recorded failure, or nil.
func (s *Session) Err() *errors.InstallError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Paths returns the image paths, empty before Init computed them.
func (s *Session) Paths() ImagePaths {
	return s.paths
}

func (s *Session) log() Logger {
	return s.p.deps.Logger
}

// Init validates the request, inhibits sleep, checks the host and prepares devices.
func (s *Session) Init(ctx context.Context) error {
	s.log().Start(s.req.Device != "")
	return s.runStage(ctx, StateInit, "", s.init)
}

// Master fetches and extracts the base image, tests it and renames it to
// its final name.
func (s *Session) Master(ctx context.Context) error {
	return s.runStage(ctx, StateMaster, StateInit, s.master)
}

// Write copies the final image to the requested device and verifies it.
// Without a device the run completes here.
func (s *Session) Write(ctx context.Context) error {
	if s.req.Device == "" {
		if err := s.Err(); err != nil {
			return err
		}
		if s.completed != StateMaster {
			return s.reject(StateDone)
		}
		s.complete()
		return nil
	}

	if err := s.runStage(ctx, StateWrite, StateMaster, s.writeDevice); err != nil {
		return err
	}
	s.complete()
	return nil
}

func (s *Session) reject(state StageState) error {
	ie := errors.New(errors.KindInternal, string(state),
		fmt.Sprintf("stage %s cannot start after %q", state, s.completed), nil)
	s.fail(ie)
	return ie
}

// runStage enters state, runs fn and converts any failure or panic into the
// session's terminal error.
func (s *Session) runStage(ctx context.Context, state, after StageState, fn func(context.Context) error) (err error) {
	if e := s.Err(); e != nil {
		return e
	}
	if s.completed != after || s.begun[state] || (state != StateInit && !canTransition(s.State(), state)) {
		return s.reject(state)
	}

	s.begun[state] = true
	s.enter(state)

	ctx, stop := s.token.Context(ctx)
	defer stop()

	if err := s.token.Err(); err != nil {
		ie := classify(state, err)
		s.fail(ie)
		return ie
	}

	defer func() {
		if r := recover(); r != nil {
			ie := errors.New(errors.KindInternal, string(state), "unexpected fault",
				fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			s.fail(ie)
			err = ie
		}
	}()

	if err := fn(ctx); err != nil {
		ie := classify(state, err)
		s.fail(ie)
		return ie
	}

	s.completed = state
	return nil
}

func classify(state StageState, err error) *errors.InstallError {
	var ie *errors.InstallError
	if errors.As(err, &ie) {
		return ie
	}
	if errors.Is(err, errors.ErrCancelled) || errors.Is(err, context.Canceled) {
		return errors.New(errors.KindCancelled, string(state), "installation cancelled", err)
	}
	return errors.New(errors.KindInternal, string(state), err.Error(), err)
}

// enter moves to state and starts its timer.
func (s *Session) enter(state StageState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.closeTimer()
	s.stageName = string(state)
	s.stageStart = s.p.now()
	s.log().Stage(string(state))
	slog.Info("stage_entered", "run_id", s.id, "stage", state)
}

func (s *Session) closeTimer() {
	if s.stageName == "" {
		return
	}
	s.durations[s.stageName] = s.p.now().Sub(s.stageStart)
	s.stageName = ""
}

func (s *Session) complete() {
	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()

	s.closeTimer()
	slog.Info("run_succeeded", "run_id", s.id, "image", s.build.Path, "device", s.req.Device)
	s.log().Complete()
}

// fail records the first failure, logs it and moves a partially built image
// aside. Later failures are logged only.
func (s *Session) fail(ie *errors.InstallError) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		slog.Warn("secondary_failure", "run_id", s.id, "error", ie)
		return
	}
	from := s.state
	s.err = ie
	s.state = StateFailed
	s.mu.Unlock()

	s.closeTimer()
	slog.Error("stage_failed", "run_id", s.id, "stage", from, "kind", ie.Kind, "error", ie)
	s.log().Failed(ie.Error())
	s.log().Std(trace(ie))

	if (from == StateInit || from == StateMaster) && ie.Kind != errors.KindRenameFailure {
		s.moveToError()
	}
}

// moveToError renames the building image to the error path. Best effort.
func (s *Session) moveToError() {
	if s.paths.Building == "" {
		return
	}
	if fi, err := os.Stat(s.paths.Building); err != nil || !fi.Mode().IsRegular() {
		return
	}
	if err := os.Rename(s.paths.Building, s.paths.Error); err != nil {
		slog.Error("error_rename_failed", "run_id", s.id, "from", s.paths.Building, "to", s.paths.Error, "error", err)
		return
	}
	slog.Info("image_marked_error", "run_id", s.id, "path", s.paths.Error)
}

func trace(err error) string {
	var b strings.Builder
	b.WriteString("\n--- Exception Trace ---\n")
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	b.WriteString("---")
	return b.String()
}

// settle waits d and reports a cancellation requested meanwhile.
func (s *Session) settle(ctx context.Context, d time.Duration) error {
	if err := s.p.sleep(ctx, d); err != nil {
		return err
	}
	return s.token.Err()
}

func (s *Session) retryPolicy() retry.Policy {
	policy := s.p.settings.Retry
	policy.Sleep = s.settle
	policy.OnError = func(attempt int, err error) {
		s.log().Err(fmt.Sprintf("attempt %d failed: %v", attempt, err))
	}
	return policy
}

func (s *Session) init(ctx context.Context) error {
	if err := s.req.Validate(); err != nil {
		return errors.New(errors.KindInvalidRequest, string(StateInit), "invalid installation request", err)
	}

	s.log().Std("Preventing system from sleeping")
	s.sleepGuard = guard.AcquireSleep(ctx, s.p.deps.Inhibitor)

	s.log().Step("Check System Requirements")
	missing, err := s.p.deps.Requirements.Check(ctx, s.req.BuildDir)
	if err != nil {
		return errors.New(errors.KindEnvironmentUnmet, string(StateInit), "system requirements check failed", err)
	}
	if len(missing) > 0 {
		lines := make([]string, len(missing))
		for i, m := range missing {
			lines[i] = " - " + m
		}
		return errors.New(errors.KindEnvironmentUnmet, string(StateInit),
			"Your system does not match system requirements:\n"+strings.Join(lines, "\n"), nil)
	}

	s.log().Step("Ensure user files are present")
	for _, asset := range s.req.Assets() {
		if IsRemote(asset) {
			continue
		}
		if _, err := os.Stat(asset); err != nil {
			return errors.New(errors.KindMissingAsset, string(StateInit),
				fmt.Sprintf("Specified file is not available (%s)", asset), err)
		}
	}

	s.log().Step("Prepare Image file")
	s.paths = NewImagePaths(s.req.BuildDir, s.p.now())
	slog.Info("image_paths", "run_id", s.id, "building", s.paths.Building, "final", s.paths.Final)

	if rec := s.p.deps.Recorder; rec != nil {
		if err := rec.RecordStart(ctx, s.id, s.req.Name, s.paths.Final, s.req.Device); err != nil {
			slog.Warn("record_start_failed", "run_id", s.id, "error", err)
		}
	}

	prepared, err := s.p.deps.Preparer.Prepare(ctx, s.req.Device)
	s.prepared = prepared
	if err != nil {
		if errors.Is(err, errors.ErrCancelled) || errors.Is(err, context.Canceled) {
			return err
		}
		return errors.New(errors.KindEnvironmentUnmet, string(StateInit), "failed to prepare devices", err)
	}
	return nil
}

func (s *Session) master(ctx context.Context) error {
	base := s.p.settings.BaseImage

	s.log().Step("Retrieving base image file")
	rf := s.p.deps.Downloader.Fetch(ctx, base)
	if !rf.Successful {
		s.log().Err(fmt.Sprintf("Failed to download base image.\n%v", rf.Err))
		s.aborted = true
		return errors.New(errors.KindDownloadFailure, string(StateMaster), "failed to download base image", rf.Err)
	}
	if rf.Found {
		s.log().Std("Reusing already downloaded base image ZIP file")
	}
	s.log().Progress(.5)

	s.log().Step("Extracting base image from ZIP file")
	if err := s.p.deps.Downloader.Unzip(rf.Path, base.Member(), s.paths.Building); err != nil {
		return errors.New(errors.KindExtractionFailure, string(StateMaster), "failed to extract base image", err)
	}
	if _, err := os.Stat(s.paths.Building); err != nil {
		return errors.New(errors.KindExtractionFailure, string(StateMaster),
			fmt.Sprintf("image path does not exist: %s", s.paths.Building), err)
	}
	s.log().Std(fmt.Sprintf("Extraction complete: %s", s.paths.Building))
	s.log().Progress(.9)

	s.log().Step("Testing mount procedure")
	if err := s.p.deps.Devices.TestMount(ctx, s.paths.Building, true); err != nil {
		return errors.New(errors.KindMountabilityFailure, string(StateMaster), "thorough mount procedure failed", err)
	}
	s.log().Succ("Image creation successful.")

	if err := s.settle(ctx, s.p.settings.Settle.Master); err != nil {
		return err
	}

	res := s.retryPolicy().Execute(ctx, func(ctx context.Context, attempt int) error {
		return os.Rename(s.paths.Building, s.paths.Final)
	})
	if res.Err != nil {
		if errors.Is(res.Err, errors.ErrCancelled) {
			return res.Err
		}
		return errors.New(errors.KindRenameFailure, string(StateMaster),
			fmt.Sprintf("failed to rename image after %d attempts", res.Attempts), res.Err)
	}
	s.log().Std(fmt.Sprintf("Renamed image file to %s", s.paths.Final))
	s.build = ImageBuildResult{Succeeded: true, Path: s.paths.Final}
	s.log().Progress(1)
	return nil
}

func (s *Session) writeDevice(ctx context.Context) error {
	dev := s.req.Device
	s.log().Step(fmt.Sprintf("Writing image to SD-card (%s)", dev))

	w := writer.New(s.token, s.p.settings.ChunkSize)
	w.Progress = s.log().Progress

	// Without a write settle the device is read back by the writer itself,
	// straight after the copy.
	inline := s.p.settings.Settle.Write == 0
	if inline {
		w.Verify = func(image, device string) error {
			return s.p.deps.Devices.Verify(ctx, image, device)
		}
	}

	h := w.Start(s.paths.Final, dev)
	if err := s.token.Register(h); err != nil {
		h.Stop()
		<-h.Done()
		if res, rerr := h.Result(); rerr == nil {
			slog.Warn("writer_discarded", "run_id", s.id, "worker", h.Name(),
				"kind", res.Kind, "written", res.Written, "error", res.Err)
		}
		return s.writeFailure(errors.KindWriteFailure, err)
	}
	unregister := sync.OnceFunc(s.token.Unregister)
	defer unregister()

	select {
	case <-h.Started():
	case <-time.After(s.p.settings.StartTimeout):
		slog.Warn("writer_start_slow", "run_id", s.id, "worker", h.Name(), "timeout", s.p.settings.StartTimeout)
	}

	for !h.Join(s.p.settings.PollInterval) {
		if ctx.Err() != nil {
			h.Stop()
		}
	}
	unregister()

	res, err := h.Result()
	if err != nil {
		return errors.New(errors.KindInternal, string(StateWrite), "writer result unavailable", err)
	}
	switch res.Kind {
	case writer.KindSuccess:
	case writer.KindCancelled:
		return s.writeFailure(errors.KindCancelled, res.Err)
	case writer.KindMismatch:
		return s.writeFailure(errors.KindWriteVerificationMismatch, res.Err)
	default:
		return s.writeFailure(errors.KindWriteFailure, res.Err)
	}

	if inline {
		s.write = DeviceWriteResult{Status: WriteSucceeded, Device: dev}
		s.log().Succ(fmt.Sprintf("Image written and verified on %s", dev))
		return nil
	}

	s.log().Std("Done writing; preparing for verification.")
	if err := s.settle(ctx, s.p.settings.Settle.Write); err != nil {
		return s.writeFailure(errors.KindCancelled, err)
	}

	s.log().Step("Verifying SD-card content")
	vr := s.retryPolicy().Execute(ctx, func(ctx context.Context, attempt int) error {
		return s.p.deps.Devices.Verify(ctx, s.paths.Final, dev)
	})
	if vr.Err != nil {
		switch {
		case errors.Is(vr.Err, errors.ErrContentMismatch):
			return s.writeFailure(errors.KindWriteVerificationMismatch, vr.Err)
		case errors.Is(vr.Err, errors.ErrCancelled):
			return s.writeFailure(errors.KindCancelled, vr.Err)
		default:
			return s.writeFailure(errors.KindWriteFailure, vr.Err)
		}
	}

	s.write = DeviceWriteResult{Status: WriteSucceeded, Device: dev}
	s.log().Succ(fmt.Sprintf("Image written and verified on %s", dev))
	return nil
}

// writeFailure reports a failed device write. The image file itself was
// produced and is kept.
func (s *Session) writeFailure(kind errors.Kind, cause error) *errors.InstallError {
	s.write = DeviceWriteResult{Status: WriteFailed, Device: s.req.Device, Err: cause}
	s.log().Succ("Image created successfully.")

	var msg string
	switch kind {
	case errors.KindWriteVerificationMismatch:
		s.log().Err(mismatchAdvice)
		msg = "SD-card content verification failed"
	case errors.KindCancelled:
		s.log().Err(cancelAdvice)
		msg = "Writing image to SD-card cancelled"
	default:
		s.log().Err(writeAdvice)
		msg = "Failed to write image to SD-card"
	}
	return errors.New(kind, string(StateWrite), msg, cause)
}

// Finish runs teardown and invokes the completion callback. It runs once;
// later calls return the same outcome.
func (s *Session) Finish(ctx context.Context) Outcome {
	s.finishOnce.Do(func() {
		if !s.State().Terminal() {
			s.fail(errors.New(errors.KindInternal, string(s.State()), "run stopped before completion", nil))
		}

		s.teardown(context.WithoutCancel(ctx))

		s.outcome = Outcome{
			RunID:     s.id,
			State:     s.State(),
			Paths:     s.paths,
			Build:     s.build,
			Write:     s.write,
			Err:       s.Err(),
			Durations: s.durations,
			Aborted:   s.aborted,
		}
		if !s.build.Succeeded && s.outcome.Err != nil {
			s.outcome.Build.Err = s.outcome.Err
		}

		s.record(context.WithoutCancel(ctx))

		slog.Info("run_finished", "run_id", s.id, "state", s.outcome.State, "kind", s.outcome.Kind())
		s.notify(s.outcome.Cause())
	})
	return s.outcome
}

// notify invokes the completion callback. A panicking callback is logged and
// never escapes the run.
func (s *Session) notify(err error) {
	if s.req.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("callback_panicked", "run_id", s.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.req.Done(err)
}

// teardown restores every guard. Restoration errors are logged and never
// replace the recorded outcome.
func (s *Session) teardown(ctx context.Context) {
	s.log().Std("Restoring system sleep policy")
	if err := s.sleepGuard.Release(ctx); err != nil {
		s.log().Err(fmt.Sprintf("failed to restore sleep policy: %v", err))
	}

	if s.prepared.Loop != nil {
		s.log().Step(fmt.Sprintf("Restoring loop device (%s) mode", s.prepared.LoopDevice))
		if err := s.prepared.Loop.Release(ctx); err != nil {
			s.log().Err(fmt.Sprintf("failed to restore loop device mode: %v", err))
		}
	}

	if s.req.Device != "" && s.prepared.Device != nil {
		s.log().Step(fmt.Sprintf("Restoring SD-card device (%s) mode", s.req.Device))
		if err := s.prepared.Device.Release(ctx); err != nil {
			s.log().Err(fmt.Sprintf("failed to restore device mode: %v", err))
		}
	}

	s.log().Summary()
}

func (s *Session) record(ctx context.Context) {
	rec := s.p.deps.Recorder
	if rec == nil {
		return
	}
	result := RecordResult{
		Succeeded: s.outcome.Succeeded(),
		ImagePath: s.outcome.Build.Path,
		Durations: s.durations,
	}
	if ie := s.outcome.Err; ie != nil {
		result.Stage = ie.Stage
		result.Kind = string(ie.Kind)
		result.Message = ie.Error()
	}
	if err := rec.RecordFinish(ctx, s.id, result); err != nil {
		slog.Warn("record_finish_failed", "run_id", s.id, "error", err)
	}
}
