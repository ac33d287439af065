// Package security bounds what the base image archive may unpack onto the
// build host.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
)

var (
	// ErrUnsafePath reports an archive member that would land outside the destination.
	ErrUnsafePath = errors.New("security: unsafe member path")
	// ErrTooLarge reports a member bigger than the configured limit.
	ErrTooLarge = errors.New("security: member too large")
	// ErrCompressionRatio reports a member expanding beyond the allowed ratio.
	ErrCompressionRatio = errors.New("security: compression ratio exceeded")
	// ErrNotImage reports a member that is not a raw disk image.
	ErrNotImage = errors.New("security: member is not a disk image")
)

// Validator guards extraction of base image archives
type Validator struct {
	maxFileSize         int64
	maxCompressionRatio float64
}

// NewValidator returns a validator accepting members up to maxFileSize bytes
// expanding at most maxCompressionRatio times.
func NewValidator(maxFileSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size", humanize.IBytes(uint64(max(maxFileSize, 0))),
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects absolute and escaping member names. Archive names
// always use forward slashes; backslashes are treated as separators too.
func (v *Validator) ValidatePath(member string) error {
	name := strings.ReplaceAll(member, `\`, "/")
	if path.IsAbs(name) || (len(name) > 1 && name[1] == ':') {
		slog.Error("security_path_rejected", "member", member, "reason", "absolute")
		return fmt.Errorf("%w: %s is absolute", ErrUnsafePath, member)
	}
	if clean := path.Clean(name); clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_rejected", "member", member, "reason", "traversal")
		return fmt.Errorf("%w: %s leaves the destination", ErrUnsafePath, member)
	}
	return nil
}

// ValidateFileSize rejects members above the size limit
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_size_rejected",
			"size", humanize.IBytes(uint64(size)),
			"limit", humanize.IBytes(uint64(v.maxFileSize)))
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, v.maxFileSize)
	}
	return nil
}

// ValidateCompressionRatio rejects members that expand too much. An empty
// member is fine; a non-empty one stored in zero bytes is not.
func (v *Validator) ValidateCompressionRatio(compressed, uncompressed int64) error {
	if compressed == 0 {
		if uncompressed == 0 {
			return nil
		}
		return fmt.Errorf("%w: %d bytes stored in none", ErrCompressionRatio, uncompressed)
	}

	ratio := float64(uncompressed) / float64(compressed)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_ratio_rejected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed", humanize.IBytes(uint64(compressed)),
			"uncompressed", humanize.IBytes(uint64(uncompressed)))
		return fmt.Errorf("%w: %.2f > %.2f", ErrCompressionRatio, ratio, v.maxCompressionRatio)
	}
	return nil
}

// ValidateImageName accepts only raw disk image members
func (v *Validator) ValidateImageName(member string) error {
	if !strings.EqualFold(path.Ext(member), ".img") {
		return fmt.Errorf("%w: %s", ErrNotImage, member)
	}
	return nil
}

// ValidateMember runs every check for the image member of an archive
func (v *Validator) ValidateMember(name string, compressed, uncompressed int64) error {
	if err := v.ValidatePath(name); err != nil {
		return err
	}
	if err := v.ValidateImageName(name); err != nil {
		return err
	}
	if err := v.ValidateFileSize(uncompressed); err != nil {
		return err
	}
	if err := v.ValidateCompressionRatio(compressed, uncompressed); err != nil {
		return err
	}
	slog.Info("security_member_accepted", "member", name, "size", humanize.IBytes(uint64(uncompressed)))
	return nil
}
