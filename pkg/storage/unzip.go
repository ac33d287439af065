package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/kiwix/hotspot-imager/pkg/security"
	"github.com/klauspost/compress/zip"
)

// Unzip extracts a single member of a ZIP archive to destPath with security
// validation. member matches either the full entry name or its base name.
func Unzip(archivePath, member, destPath string, validator *security.Validator) error {
	slog.Info("unzip_start", "archive", archivePath, "member", member, "dest", destPath)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	var entry *zip.File
	for _, f := range r.File {
		if f.Name == member || path.Base(f.Name) == member {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("member %q not found in %s", member, archivePath)
	}

	compressed := int64(entry.CompressedSize64)
	uncompressed := int64(entry.UncompressedSize64)
	if err := validator.ValidateMember(entry.Name, compressed, uncompressed); err != nil {
		return fmt.Errorf("invalid member in zip: %w", err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open member: %w", err)
	}
	defer src.Close()

	outFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(outFile, io.LimitReader(src, uncompressed+1))
	if err != nil {
		outFile.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if written != uncompressed {
		return fmt.Errorf("extracted %d bytes, archive declares %d", written, uncompressed)
	}

	slog.Info("unzip_complete", "dest", destPath, "size", humanize.IBytes(uint64(written)))
	return nil
}
