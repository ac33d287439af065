package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string, dirs ...string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for durable builds)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to create %s", dir))
		}
	}

	return nil
}

// printOutcome writes the user-facing result of a run
func printOutcome(w io.Writer, out pipeline.Outcome) {
	fmt.Fprintf(w, "\nrun:    %s\n", out.RunID)
	fmt.Fprintf(w, "state:  %s\n", out.State)
	if out.Build.Path != "" {
		fmt.Fprintf(w, "image:  %s\n", out.Build.Path)
	}
	if out.Write.Status != pipeline.WriteSkipped {
		fmt.Fprintf(w, "device: %s (%s)\n", out.Write.Device, out.Write.Status)
	}
	if out.Err != nil {
		fmt.Fprintf(w, "error:  %s: %v\n", out.Kind(), out.Err)
	}
}
