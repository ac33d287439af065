package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

var physicalDrive = regexp.MustCompile(`^\\\\\.\\PHYSICALDRIVE(\d+)$`)

// Eraser wipes the partition table of a removable disk before writing
type Eraser interface {
	Erase(ctx context.Context, diskIndex int) error
}

// PhysicalDriveIndex extracts N from a `\\.\PHYSICALDRIVEN` device path.
func PhysicalDriveIndex(devicePath string) (int, error) {
	m := physicalDrive.FindStringSubmatch(devicePath)
	if m == nil {
		return 0, fmt.Errorf("error while getting physical drive number from %q", devicePath)
	}
	return strconv.Atoi(m[1])
}

// DiskpartEraser pipes select/clean commands to diskpart.
type DiskpartEraser struct {
	// Command builds the diskpart invocation; defaults to exec.CommandContext.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd
	// Output receives diskpart's combined output. May be nil.
	Output io.Writer
}

// Script returns the commands sent to diskpart for diskIndex.
func Script(diskIndex int) string {
	return fmt.Sprintf("select disk %d\nclean\n", diskIndex)
}

func (e *DiskpartEraser) Erase(ctx context.Context, diskIndex int) error {
	command := e.Command
	if command == nil {
		command = exec.CommandContext
	}

	slog.Info("diskpart_clean", "disk", diskIndex)

	cmd := command(ctx, "diskpart")
	cmd.Stdin = strings.NewReader(Script(diskIndex))
	out, err := cmd.CombinedOutput()
	if e.Output != nil {
		e.Output.Write(out)
	}
	if err != nil {
		slog.Error("diskpart_failed", "disk", diskIndex, "output", string(out), "error", err)
		return errors.Wrap(err, "diskpart clean failed")
	}
	return nil
}
