//go:build !linux && !darwin

package device

import (
	"context"
	"log/slog"
	"runtime"
)

// StubManager covers platforms without loop devices or a native mount test
type StubManager struct {
	permissions
}

// NewManager creates a stub manager on platforms other than Linux and macOS
func NewManager() Manager {
	slog.Info("device_manager_init", "platform", runtime.GOOS)
	return &StubManager{}
}

func (m *StubManager) NextLoopDevice(ctx context.Context) (string, error) {
	return "", nil
}

func (m *StubManager) CanWrite(path string) bool {
	return true
}

func (m *StubManager) Unmount(ctx context.Context, devicePath string) error {
	return nil
}

// TestMount only validates the partition table on this platform.
func (m *StubManager) TestMount(ctx context.Context, imagePath string, thorough bool) error {
	slog.Warn("mount_test_partition_table_only", "image", imagePath, "platform", runtime.GOOS)
	return checkDataPartition(imagePath)
}

func (m *StubManager) Verify(ctx context.Context, imagePath, devicePath string) error {
	return verifyContent(ctx, imagePath, devicePath)
}

func (m *StubManager) Size(path string) (int64, error) {
	return fileSize(path)
}
