package pipeline

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// StageState is the position of a run in the pipeline
type StageState string

const (
	StateInit   StageState = "init"
	StateMaster StageState = "master"
	StateWrite  StageState = "write"
	StateDone   StageState = "done"
	StateFailed StageState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s StageState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// order ranks the forward states
var order = map[StageState]int{StateInit: 0, StateMaster: 1, StateWrite: 2, StateDone: 3}

// canTransition allows strictly forward moves, and any non-terminal state to Failed.
func canTransition(from, to StageState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return order[to] > order[from]
}

// AdminAccount is the management login configured on the hotspot
type AdminAccount struct {
	Login    string `validate:"omitempty,alphanum,max=32"`
	Password string `validate:"required_with=Login"`
}

// Request is the immutable input of one installation run.
type Request struct {
	Name         string       `validate:"required,max=64"`
	Timezone     string       `validate:"omitempty"`
	Language     string       `validate:"omitempty,min=2,max=8"`
	WifiPassword string       `validate:"omitempty,min=8,max=63"`
	Admin        AdminAccount

	// Modules lists the enabled optional content packages.
	Modules        []string `validate:"dive,required"`
	EduPiResources string
	ZimInstall     []string

	Size int64 `validate:"gte=0"`

	// Device is the block device to write to; empty builds the image only.
	Device string

	Favicon string
	Logo    string
	CSS     string

	BuildDir string `validate:"required"`
	QemuRAM  string `validate:"omitempty,memsize"`

	Token *cancel.Token `validate:"required"`

	// Done is invoked exactly once, after teardown, with nil on success.
	Done func(error) `validate:"-"`
}

var requestValidate *validator.Validate

var memSize = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("memsize", func(fl validator.FieldLevel) bool {
		return memSize.MatchString(fl.Field().String())
	})
}

// Validate checks field constraints. It does not touch the filesystem.
func (r *Request) Validate() error {
	return requestValidate.Struct(r)
}

// Assets returns the user supplied files referenced by the request.
func (r *Request) Assets() []string {
	var out []string
	for _, p := range []string{r.EduPiResources, r.Favicon, r.Logo, r.CSS} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsRemote reports whether p is fetched over the network rather than read locally.
func IsRemote(p string) bool {
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
		return u.Host != ""
	}
	return false
}

// ImagePaths are the three names one build can take, derived from one timestamp.
type ImagePaths struct {
	Building string
	Final    string
	Error    string
}

// timestampLayout renders as YYYY_MM_DD-HH_MM_SS
const timestampLayout = "2006_01_02-15_04_05"

// NewImagePaths derives the paths for a build started at t.
func NewImagePaths(buildDir string, t time.Time) ImagePaths {
	stamp := t.Format(timestampLayout)
	return ImagePaths{
		Building: filepath.Join(buildDir, "hotspot-"+stamp+".BUILDING.img"),
		Final:    filepath.Join(buildDir, "hotspot-"+stamp+".img"),
		Error:    filepath.Join(buildDir, "hotspot-"+stamp+".ERROR.img"),
	}
}

// Existing returns the paths currently present on disk.
func (p ImagePaths) Existing() []string {
	var out []string
	for _, path := range []string{p.Building, p.Final, p.Error} {
		if path == "" {
			continue
		}
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			out = append(out, path)
		}
	}
	return out
}

// ImageBuildResult is the first phase: was an image file produced.
type ImageBuildResult struct {
	Succeeded bool
	Path      string
	Err       error
}

// WriteStatus is the state of the optional device write
type WriteStatus string

const (
	WriteSkipped   WriteStatus = "skipped"
	WriteSucceeded WriteStatus = "succeeded"
	WriteFailed    WriteStatus = "failed"
)

// DeviceWriteResult is the second phase: was the image written and verified.
type DeviceWriteResult struct {
	Status WriteStatus
	Device string
	Err    error
}

// Outcome is the single terminal result of a run.
type Outcome struct {
	RunID     string
	State     StageState
	Paths     ImagePaths
	Build     ImageBuildResult
	Write     DeviceWriteResult
	Err       *errors.InstallError
	Durations map[string]time.Duration

	// Aborted marks a hard download failure.
	Aborted bool
}

// Succeeded reports whether the run produced an image and, when requested,
// wrote and verified it.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.State == StateDone
}

// Cause returns the terminal error as a plain error, nil on success.
func (o Outcome) Cause() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

// Kind returns the error kind, empty on success.
func (o Outcome) Kind() errors.Kind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// ExitCode is the process status for this outcome.
func (o Outcome) ExitCode() int {
	if o.Succeeded() {
		return 0
	}
	return 1
}
