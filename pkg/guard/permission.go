package guard

import (
	"context"
	"log/slog"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// KindPermission guards the write permission of a device node.
const KindPermission = "permission"

// PermissionManager is the part of device.Manager needed for permission guards
type PermissionManager interface {
	CanWrite(path string) bool
	AllowWrite(ctx context.Context, path string) (string, error)
	RestoreMode(ctx context.Context, path, mode string) error
}

// AcquireWritable makes path writable. It returns nil when path is already
// writable, otherwise a handle restoring the captured mode.
func AcquireWritable(ctx context.Context, mgr PermissionManager, path string) (*Handle, error) {
	if mgr.CanWrite(path) {
		slog.Info("guard_not_needed", "kind", KindPermission, "target", path)
		return nil, nil
	}
	return ForceWritable(ctx, mgr, path, "")
}

// ForceWritable changes the mode of path unconditionally. The handle restores
// restoreMode when set, the captured mode otherwise.
func ForceWritable(ctx context.Context, mgr PermissionManager, path, restoreMode string) (*Handle, error) {
	previous, err := mgr.AllowWrite(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allow write on "+path)
	}

	target := previous
	if restoreMode != "" {
		target = restoreMode
	}
	slog.Info("guard_acquired", "kind", KindPermission, "target", path, "previous", previous, "restore_to", target)

	return NewHandle(KindPermission, path, target, func(ctx context.Context) error {
		return mgr.RestoreMode(ctx, path, target)
	}), nil
}
