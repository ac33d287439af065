package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kiwix/hotspot-imager/internal/config"
	"github.com/kiwix/hotspot-imager/pkg/db"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	buildingSuffix = ".BUILDING.img"
	errorSuffix    = ".ERROR.img"
)

var (
	cleanupErrors   bool
	cleanupBuilding bool
	cleanupDryRun   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove failed and abandoned images from the build directory",
	Long: `Remove leftover images from the build directory:
  --errors      Remove images moved aside after a failed build (*.ERROR.img)
  --building    Remove partial images no running build owns (*.BUILDING.img)`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupErrors, "errors", false, "Remove error images")
	cleanupCmd.Flags().BoolVar(&cleanupBuilding, "building", false, "Remove stale building images")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only print what would be removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupErrors && !cleanupBuilding {
		return fmt.Errorf("must specify --errors, --building, or both")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	running, err := repo.List(db.StatusRunning)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	owned := make(map[string]bool, len(running))
	for _, b := range running {
		if b.ImagePath != "" {
			owned[buildingPath(b.ImagePath)] = true
		}
	}

	files, err := leftoverImages(cfg.BuildDir, cleanupErrors, cleanupBuilding, owned)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(files) == 0 {
		fmt.Fprintln(w, "Nothing to clean")
		return nil
	}

	var freed uint64
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if cleanupDryRun {
			fmt.Fprintf(w, "would remove %s (%s)\n", f, humanize.Bytes(uint64(fi.Size())))
			continue
		}
		if err := os.Remove(f); err != nil {
			fmt.Fprintf(w, "failed to remove %s: %v\n", f, err)
			continue
		}
		freed += uint64(fi.Size())
		fmt.Fprintf(w, "removed %s\n", f)
	}

	if !cleanupDryRun {
		fmt.Fprintf(w, "Freed %s\n", humanize.Bytes(freed))
	}
	return nil
}

// buildingPath maps a final image path to its in-progress name
func buildingPath(final string) string {
	return strings.TrimSuffix(final, ".img") + buildingSuffix
}

// leftoverImages lists the error and building images of dir selected by the
// flags. Building images listed in owned are kept.
func leftoverImages(dir string, errorImages, buildingImages bool, owned map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read build directory")
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "hotspot-") {
			continue
		}
		p := filepath.Join(dir, name)
		switch {
		case errorImages && strings.HasSuffix(name, errorSuffix):
			files = append(files, p)
		case buildingImages && strings.HasSuffix(name, buildingSuffix) && !owned[p]:
			files = append(files, p)
		}
	}
	return files, nil
}
