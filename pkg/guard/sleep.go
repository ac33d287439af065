package guard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// KindSleep guards the system sleep policy.
const KindSleep = "sleep"

// Inhibitor prevents the system from sleeping until restore is called
type Inhibitor interface {
	Inhibit(ctx context.Context) (restore func() error, err error)
}

// AcquireSleep inhibits sleep. Sleep inhibition is best effort: when the
// platform mechanism is unavailable it logs and returns a nil handle.
func AcquireSleep(ctx context.Context, inhibitor Inhibitor) *Handle {
	if inhibitor == nil {
		return nil
	}
	restore, err := inhibitor.Inhibit(ctx)
	if err != nil {
		slog.Warn("sleep_inhibit_unavailable", "error", err)
		return nil
	}
	slog.Info("guard_acquired", "kind", KindSleep)
	return NewHandle(KindSleep, "", "allowed", func(context.Context) error {
		return restore()
	})
}

// CommandInhibitor holds a helper process for the lifetime of the guard,
// such as systemd-inhibit or caffeinate.
type CommandInhibitor struct {
	Name string
	Args []string
}

func (c CommandInhibitor) Inhibit(ctx context.Context) (func() error, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, errors.Wrap(err, c.Name+" not found")
	}

	// not CommandContext: the helper must outlive the acquiring context
	cmd := exec.Command(path, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdin")
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start "+c.Name)
	}
	slog.Info("sleep_inhibitor_started", "command", c.Name, "pid", cmd.Process.Pid)

	return func() error {
		killErr := cmd.Process.Kill()
		stdin.Close()
		cmd.Wait()
		if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return errors.Wrap(killErr, "failed to stop "+c.Name)
		}
		return nil
	}, nil
}

// DefaultInhibitor returns the sleep inhibitor for the running platform.
func DefaultInhibitor() Inhibitor {
	return platformInhibitor()
}
