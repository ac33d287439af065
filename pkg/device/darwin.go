//go:build darwin

package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"golang.org/x/sys/unix"
)

// DarwinManager implements Manager with diskutil and hdiutil
type DarwinManager struct {
	permissions
}

// NewManager creates the macOS device manager
func NewManager() Manager {
	slog.Info("device_manager_init", "platform", "darwin")
	return &DarwinManager{}
}

// NextLoopDevice returns "": macOS has no loop devices.
func (m *DarwinManager) NextLoopDevice(ctx context.Context) (string, error) {
	return "", nil
}

func (m *DarwinManager) CanWrite(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

func (m *DarwinManager) Unmount(ctx context.Context, devicePath string) error {
	slog.Info("unmount_disk", "device", devicePath)
	out, err := exec.CommandContext(ctx, "diskutil", "unmountDisk", devicePath).CombinedOutput()
	if err != nil {
		slog.Error("unmount_disk_failed", "device", devicePath, "output", string(out), "error", err)
		return errors.Wrap(err, "diskutil unmountDisk failed")
	}
	return nil
}

// TestMount attaches the raw image without mounting and checks that the data
// partition node appears. macOS cannot mount the data filesystem itself.
func (m *DarwinManager) TestMount(ctx context.Context, imagePath string, thorough bool) error {
	slog.Info("mount_test_start", "image", imagePath, "thorough", thorough)

	if err := checkDataPartition(imagePath); err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, "hdiutil", "attach",
		"-imagekey", "diskimage-class=CRawDiskImage", "-nomount", imagePath).CombinedOutput()
	if err != nil {
		slog.Error("hdiutil_attach_failed", "image", imagePath, "output", string(out), "error", err)
		return errors.Wrap(err, "failed to attach image")
	}

	disk := firstField(out)
	if disk == "" {
		return fmt.Errorf("hdiutil attach returned no device")
	}
	defer func() {
		if out, err := exec.Command("hdiutil", "detach", disk).CombinedOutput(); err != nil {
			slog.Error("hdiutil_detach_failed", "device", disk, "output", string(out), "error", err)
		}
	}()

	partition := fmt.Sprintf("%ss%d", disk, DataPartition)
	if _, err := os.Stat(partition); err != nil {
		return errors.Wrap(err, "data partition not exposed")
	}

	slog.Info("mount_test_complete", "image", imagePath, "partition", partition)
	return nil
}

func (m *DarwinManager) Verify(ctx context.Context, imagePath, devicePath string) error {
	return verifyContent(ctx, imagePath, devicePath)
}

func (m *DarwinManager) Size(path string) (int64, error) {
	return fileSize(path)
}

func firstField(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && strings.HasPrefix(fields[0], "/dev/") {
			return fields[0]
		}
	}
	return ""
}
