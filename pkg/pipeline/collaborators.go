package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/storage"
)

// Logger receives human-facing progress. Calls never block the pipeline.
type Logger interface {
	Start(hasDevice bool)
	Stage(name string)
	Step(description string)
	Progress(fraction float64)
	Std(message string)
	Err(message string)
	Succ(message string)
	Failed(message string)
	Complete()
	Summary()
}

// Downloader fetches the base image and extracts it
type Downloader interface {
	Fetch(ctx context.Context, content storage.Content) storage.FetchResult
	Unzip(archivePath, member, destPath string) error
}

// Recorder persists build history. Errors are logged and never fail a run.
type Recorder interface {
	RecordStart(ctx context.Context, runID, name, imagePath, device string) error
	RecordFinish(ctx context.Context, runID string, result RecordResult) error
}

// RecordResult is what a Recorder stores once the outcome is known
type RecordResult struct {
	Succeeded bool
	ImagePath string
	Stage     string
	Kind      string
	Message   string
	Durations map[string]time.Duration
}

// Requirements checks that the host can build images
type Requirements interface {
	// Check returns a human-readable entry for every unmet requirement.
	Check(ctx context.Context, buildDir string) ([]string, error)
}

// ToolRequirements verifies required executables and a writable build directory.
type ToolRequirements struct {
	Tools    []string
	LookPath func(file string) (string, error)
}

// DefaultRequirements lists the helper tools used on goos.
func DefaultRequirements(goos string) *ToolRequirements {
	var tools []string
	switch goos {
	case "linux":
		tools = []string{"losetup", "mount", "umount"}
	case "darwin":
		tools = []string{"hdiutil", "diskutil"}
	case "windows":
		tools = []string{"diskpart"}
	}
	return &ToolRequirements{Tools: tools}
}

func (r *ToolRequirements) Check(ctx context.Context, buildDir string) ([]string, error) {
	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var missing []string
	for _, tool := range r.Tools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, fmt.Sprintf("%s executable (%s)", tool, runtime.GOOS))
		}
	}

	if err := checkWritableDir(buildDir); err != nil {
		missing = append(missing, fmt.Sprintf("writable build directory %s: %v", buildDir, err))
	}
	return missing, nil
}

func checkWritableDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory")
	}
	f, err := os.CreateTemp(dir, ".sysreq-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
