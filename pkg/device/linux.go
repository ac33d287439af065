//go:build linux

package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"golang.org/x/sys/unix"
)

// LinuxManager implements Manager with losetup and mount
type LinuxManager struct {
	permissions
}

// NewManager creates the Linux device manager
func NewManager() Manager {
	slog.Info("device_manager_init", "platform", "linux")
	return &LinuxManager{}
}

func (m *LinuxManager) NextLoopDevice(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "losetup", "-f").Output()
	if err != nil {
		slog.Error("loop_device_lookup_failed", "error", err)
		return "", errors.Wrap(err, "failed to find free loop device")
	}
	loop := strings.TrimSpace(string(out))
	slog.Info("loop_device_found", "device", loop)
	return loop, nil
}

func (m *LinuxManager) CanWrite(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// Unmount is a no-op on Linux: removable disks are written without unmounting.
func (m *LinuxManager) Unmount(ctx context.Context, devicePath string) error {
	return nil
}

func (m *LinuxManager) TestMount(ctx context.Context, imagePath string, thorough bool) error {
	slog.Info("mount_test_start", "image", imagePath, "thorough", thorough)

	if err := checkDataPartition(imagePath); err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, "losetup", "-f", "--show", "-P", imagePath).CombinedOutput()
	if err != nil {
		slog.Error("loop_attach_failed", "image", imagePath, "output", string(out), "error", err)
		return errors.Wrap(err, "failed to attach image to loop device")
	}
	loop := string(bytes.TrimSpace(out))
	defer func() {
		if out, err := exec.Command("losetup", "-d", loop).CombinedOutput(); err != nil {
			slog.Error("loop_detach_failed", "device", loop, "output", string(out), "error", err)
		}
	}()

	partition := fmt.Sprintf("%sp%d", loop, DataPartition)
	mountDir, err := os.MkdirTemp("", "hotspot-mount-")
	if err != nil {
		return errors.Wrap(err, "failed to create mount dir")
	}
	defer os.RemoveAll(mountDir)

	args := []string{partition, mountDir}
	if !thorough {
		args = append([]string{"-o", "ro"}, args...)
	}
	if out, err := exec.CommandContext(ctx, "mount", args...).CombinedOutput(); err != nil {
		slog.Error("mount_failed", "partition", partition, "output", string(out), "error", err)
		return errors.Wrap(err, "failed to mount data partition")
	}
	defer func() {
		if out, err := exec.Command("umount", mountDir).CombinedOutput(); err != nil {
			slog.Error("unmount_failed", "mount_path", mountDir, "output", string(out), "error", err)
		}
	}()

	if thorough {
		if err := probeWrite(filepath.Join(mountDir, probeFileName)); err != nil {
			return err
		}
	}

	slog.Info("mount_test_complete", "image", imagePath, "partition", partition)
	return nil
}

func (m *LinuxManager) Verify(ctx context.Context, imagePath, devicePath string) error {
	return verifyContent(ctx, imagePath, devicePath)
}

func (m *LinuxManager) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat")
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return fi.Size(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open device")
	}
	defer f.Close()

	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, errors.Wrap(err, "BLKGETSIZE64 failed")
	}
	return int64(size), nil
}
