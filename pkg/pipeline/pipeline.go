// Package pipeline drives one installation run through its stages: init,
// master (base image extraction and mount test) and write (copy to a
// removable device). Every run ends with a teardown that restores each
// system setting changed along the way, whatever the exit path.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/device"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/guard"
	"github.com/kiwix/hotspot-imager/pkg/retry"
	"github.com/kiwix/hotspot-imager/pkg/storage"
	"github.com/kiwix/hotspot-imager/pkg/writer"
)

// Settle delays compensate for external tools finishing asynchronously.
// They are observed timings, not computed waits.
const (
	// SettleAfterMaster lets the image helper release its lock on the file.
	SettleAfterMaster = 20 * time.Second
	// SettleAfterErase lets the volume manager pick up a cleaned partition table.
	SettleAfterErase = 15 * time.Second
	// SettleAfterWrite lets the device flush before it is read back.
	SettleAfterWrite = 5 * time.Second
)

const (
	// WriterStartTimeout bounds the wait for the writer goroutine to start.
	WriterStartTimeout = 2 * time.Second
	// WriterPollInterval is how often writer liveness is checked.
	WriterPollInterval = 500 * time.Millisecond
)

// DefaultBaseImage is the base image fetched when none is configured.
var DefaultBaseImage = storage.Content{
	Name: "hotspot-master.img.zip",
	Key:  "images/hotspot-master.img.zip",
}

// Settle groups the tunable settle delays
type Settle struct {
	Master time.Duration
	Erase  time.Duration
	Write  time.Duration
}

// DefaultSettle returns the observed settle delays.
func DefaultSettle() Settle {
	return Settle{Master: SettleAfterMaster, Erase: SettleAfterErase, Write: SettleAfterWrite}
}

// Deps are the collaborators of a Pipeline. Inhibitor and Recorder are optional.
type Deps struct {
	Logger       Logger
	Downloader   Downloader
	Devices      device.Manager
	Preparer     Preparer
	Requirements Requirements
	Inhibitor    guard.Inhibitor
	Recorder     Recorder
}

// Settings tune a Pipeline. Zero values select defaults.
type Settings struct {
	BaseImage    storage.Content
	Settle       Settle
	Retry        retry.Policy
	ChunkSize    int
	StartTimeout time.Duration
	PollInterval time.Duration
}

// Pipeline runs installation requests
type Pipeline struct {
	deps     Deps
	settings Settings

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Pipeline. A nil Preparer selects the strategy for the
// running platform, a nil Requirements the default tool check.
func New(deps Deps, settings Settings) *Pipeline {
	if settings.Settle == (Settle{}) {
		settings.Settle = DefaultSettle()
	}
	if deps.Preparer == nil {
		deps.Preparer = NewPreparer(runtime.GOOS, PreparerDeps{
			Devices:     deps.Devices,
			Logger:      deps.Logger,
			EraseSettle: settings.Settle.Erase,
		})
	}
	if deps.Requirements == nil {
		deps.Requirements = DefaultRequirements(runtime.GOOS)
	}

	if settings.BaseImage.Name == "" {
		settings.BaseImage = DefaultBaseImage
	}
	if settings.Retry.MaxAttempts == 0 {
		settings.Retry = retry.Default()
	}
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = writer.DefaultChunkSize
	}
	if settings.StartTimeout <= 0 {
		settings.StartTimeout = WriterStartTimeout
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = WriterPollInterval
	}

	slog.Info("pipeline_init",
		"preparer", deps.Preparer.Name(),
		"base_image", settings.BaseImage.Key,
		"settle_master", settings.Settle.Master,
		"settle_erase", settings.Settle.Erase,
		"settle_write", settings.Settle.Write,
		"retry_attempts", settings.Retry.MaxAttempts,
	)

	return &Pipeline{
		deps:     deps,
		settings: settings,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Run executes every stage of req in order and returns the single outcome.
// It never panics: faults are converted into a failed outcome and teardown
// runs before the completion callback.
func (p *Pipeline) Run(ctx context.Context, req Request) (out Outcome) {
	s := p.NewSession(req)

	defer func() {
		if r := recover(); r != nil {
			s.fail(errors.New(errors.KindInternal, string(s.State()), "unexpected fault",
				fmt.Errorf("panic: %v\n%s", r, debug.Stack())))
		}
		out = s.Finish(ctx)
	}()

	if err := s.Init(ctx); err != nil {
		return
	}
	if err := s.Master(ctx); err != nil {
		return
	}
	s.Write(ctx)
	return
}

func sleepContext(ctx context.Context, d time.Duration) error {
	return retry.Sleep(ctx, d)
}
