package device

import "os"

// Default values for device operations.
const (
	// DataPartition is the partition number of the writable data partition in a hotspot image
	DataPartition = 3
	// VerifyChunkSize is the read size used when comparing device content (4MB)
	VerifyChunkSize = 4 * 1024 * 1024
	// DefaultDeviceMode is the mode removable disks are restored to
	DefaultDeviceMode = "0660"
	// WritableMode is applied by AllowWrite
	WritableMode os.FileMode = 0o666
	// probeFileName is written to the data partition during a thorough mount test
	probeFileName = ".hotspot-mount-probe"
)
