package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/device"
	"github.com/kiwix/hotspot-imager/pkg/guard"
)

// Prepared holds the guards acquired while preparing devices. Either may be
// nil; a partially prepared value is returned alongside an error so teardown
// can still release what was acquired.
type Prepared struct {
	LoopDevice string
	Loop       *guard.Handle
	Device     *guard.Handle
}

// Preparer readies the host and the target device before the image is built.
// One strategy is selected per platform.
type Preparer interface {
	Name() string
	Prepare(ctx context.Context, devicePath string) (Prepared, error)
}

// PreparerDeps are the collaborators shared by every strategy
type PreparerDeps struct {
	Devices device.Manager
	Eraser  device.Eraser
	Logger  Logger
	// Sleep waits for a settle delay; defaults to a context-aware timer.
	Sleep       func(ctx context.Context, d time.Duration) error
	EraseSettle time.Duration
}

// NewPreparer selects the strategy for goos.
func NewPreparer(goos string, deps PreparerDeps) Preparer {
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.EraseSettle == 0 {
		deps.EraseSettle = SettleAfterErase
	}

	switch goos {
	case "linux":
		return &linuxPreparer{deps}
	case "darwin":
		return &darwinPreparer{deps}
	case "windows":
		if deps.Eraser == nil {
			deps.Eraser = &device.DiskpartEraser{}
		}
		return &windowsPreparer{deps}
	default:
		return noopPreparer{}
	}
}

// linuxPreparer makes the next loop device writable for userspace mkfs, and
// the target device writable for the copy.
type linuxPreparer struct{ PreparerDeps }

func (p *linuxPreparer) Name() string { return "linux" }

func (p *linuxPreparer) Prepare(ctx context.Context, devicePath string) (Prepared, error) {
	var out Prepared

	loop, err := p.Devices.NextLoopDevice(ctx)
	if err != nil {
		slog.Warn("loop_device_lookup_failed", "error", err)
	}
	out.LoopDevice = loop
	if loop != "" && !p.Devices.CanWrite(loop) {
		p.Logger.Step(fmt.Sprintf("Change loop device mode (%s)", loop))
		h, err := guard.AcquireWritable(ctx, p.Devices, loop)
		if err != nil {
			return out, err
		}
		out.Loop = h
	}

	if devicePath == "" {
		return out, nil
	}

	p.Logger.Step(fmt.Sprintf("Change SD-card device mode (%s)", devicePath))
	h, err := guard.ForceWritable(ctx, p.Devices, devicePath, device.DefaultDeviceMode)
	if err != nil {
		return out, err
	}
	out.Device = h
	return out, nil
}

// darwinPreparer unmounts every volume of the disk before changing its mode.
type darwinPreparer struct{ PreparerDeps }

func (p *darwinPreparer) Name() string { return "darwin" }

func (p *darwinPreparer) Prepare(ctx context.Context, devicePath string) (Prepared, error) {
	if devicePath == "" {
		return Prepared{}, nil
	}

	p.Logger.Step(fmt.Sprintf("Change SD-card device mode (%s)", devicePath))
	if err := p.Devices.Unmount(ctx, devicePath); err != nil {
		return Prepared{}, err
	}
	h, err := guard.ForceWritable(ctx, p.Devices, devicePath, device.DefaultDeviceMode)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{Device: h}, nil
}

// windowsPreparer cleans the partition table with diskpart, then waits for
// the volume manager to catch up.
type windowsPreparer struct{ PreparerDeps }

func (p *windowsPreparer) Name() string { return "windows" }

func (p *windowsPreparer) Prepare(ctx context.Context, devicePath string) (Prepared, error) {
	if devicePath == "" {
		return Prepared{}, nil
	}

	p.Logger.Step(fmt.Sprintf("Format SD card %s", devicePath))
	idx, err := device.PhysicalDriveIndex(devicePath)
	if err != nil {
		return Prepared{}, err
	}

	p.Logger.Std(fmt.Sprintf("diskpart select disk %d and clean", idx))
	if err := p.Eraser.Erase(ctx, idx); err != nil {
		return Prepared{}, err
	}

	p.Logger.Std(fmt.Sprintf("sleeping for %s to acknowledge diskpart changes", p.EraseSettle))
	return Prepared{}, p.Sleep(ctx, p.EraseSettle)
}

type noopPreparer struct{}

func (noopPreparer) Name() string { return "noop" }

func (noopPreparer) Prepare(ctx context.Context, devicePath string) (Prepared, error) {
	return Prepared{}, nil
}
