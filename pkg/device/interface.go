// Package device wraps the OS-level operations performed on loop devices and
// removable block devices: permission changes, mount tests and post-write
// verification.
package device

import "context"

// Manager is the mount/device collaborator used by the installation pipeline
type Manager interface {
	// NextLoopDevice returns the next free loop device, or "" if the platform has none
	NextLoopDevice(ctx context.Context) (string, error)

	// CanWrite reports whether the current process may write to path
	CanWrite(path string) bool

	// AllowWrite makes path writable and returns its previous mode as an octal string
	AllowWrite(ctx context.Context, path string) (string, error)

	// RestoreMode sets path back to an octal mode returned by AllowWrite
	RestoreMode(ctx context.Context, path, mode string) error

	// Unmount releases any mounted volumes of a removable disk
	Unmount(ctx context.Context, devicePath string) error

	// TestMount checks that the data partition of image can be mounted.
	// A thorough test also writes and reads back a probe file.
	TestMount(ctx context.Context, imagePath string, thorough bool) error

	// Verify compares the first len(image) bytes of devicePath with image
	Verify(ctx context.Context, imagePath, devicePath string) error

	// Size returns the capacity of a block device or the size of a regular file
	Size(path string) (int64, error)
}
