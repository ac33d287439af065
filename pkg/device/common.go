package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// permissions implements the mode handling shared by every platform
type permissions struct{}

func (permissions) AllowWrite(ctx context.Context, path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		slog.Error("device_stat_failed", "path", path, "error", err)
		return "", errors.Wrap(err, "failed to stat device")
	}

	previous := FormatMode(fi.Mode())
	slog.Info("device_allow_write", "path", path, "previous_mode", previous)

	if err := os.Chmod(path, WritableMode); err != nil {
		slog.Error("device_chmod_failed", "path", path, "error", err)
		return "", errors.Wrap(err, "failed to change device mode")
	}
	return previous, nil
}

func (permissions) RestoreMode(ctx context.Context, path, mode string) error {
	perm, err := ParseMode(mode)
	if err != nil {
		return err
	}

	slog.Info("device_restore_mode", "path", path, "mode", mode)
	if err := os.Chmod(path, perm); err != nil {
		slog.Error("device_restore_mode_failed", "path", path, "mode", mode, "error", err)
		return errors.Wrap(err, "failed to restore device mode")
	}
	return nil
}

// FormatMode renders the permission bits of m as a 4-digit octal string
func FormatMode(m os.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

// ParseMode parses an octal mode string such as "0660"
func ParseMode(mode string) (os.FileMode, error) {
	v, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("invalid mode %q", mode))
	}
	return os.FileMode(v).Perm(), nil
}

// verifyContent reads image and device side by side and fails with
// ErrContentMismatch at the first differing chunk.
func verifyContent(ctx context.Context, imagePath, devicePath string) error {
	img, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to open image")
	}
	defer img.Close()

	dev, err := os.Open(devicePath)
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	fi, err := img.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat image")
	}

	slog.Info("verify_start", "image", imagePath, "device", devicePath, "size", humanize.IBytes(uint64(fi.Size())))

	imgBuf := make([]byte, VerifyChunkSize)
	devBuf := make([]byte, VerifyChunkSize)
	var offset int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(img, imgBuf)
		if n > 0 {
			m, err := io.ReadFull(dev, devBuf[:n])
			if err != nil {
				slog.Error("verify_device_short_read", "offset", offset, "read", m, "want", n, "error", err)
				return errors.Wrap(errors.ErrContentMismatch, fmt.Sprintf("device ended at offset %d", offset+int64(m)))
			}
			if !bytes.Equal(imgBuf[:n], devBuf[:n]) {
				slog.Error("verify_mismatch", "offset", offset)
				return errors.Wrap(errors.ErrContentMismatch, fmt.Sprintf("chunk at offset %d", offset))
			}
			offset += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return errors.Wrap(readErr, "failed to read image")
		}
	}

	slog.Info("verify_complete", "device", devicePath, "bytes", offset)
	return nil
}

// fileSize returns the size reported by seeking to the end, which works for
// regular files and for block devices on most platforms.
func fileSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open")
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to seek")
	}
	return size, nil
}
