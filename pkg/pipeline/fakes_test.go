package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/storage"
	"github.com/stretchr/testify/require"
)

// fakeLogger records every call as "method:argument"
type fakeLogger struct {
	mu         sync.Mutex
	calls      []string
	stage      string
	onProgress func(stage string, fraction float64)
}

func (l *fakeLogger) add(method, arg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, method+":"+arg)
}

func (l *fakeLogger) Start(hasDevice bool) { l.add("start", fmt.Sprint(hasDevice)) }
func (l *fakeLogger) Stage(name string) {
	l.mu.Lock()
	l.stage = name
	l.mu.Unlock()
	l.add("stage", name)
}
func (l *fakeLogger) Step(d string) { l.add("step", d) }
func (l *fakeLogger) Progress(f float64) {
	l.mu.Lock()
	stage, hook := l.stage, l.onProgress
	l.mu.Unlock()
	if hook != nil {
		hook(stage, f)
	}
}
func (l *fakeLogger) Std(m string)    { l.add("std", m) }
func (l *fakeLogger) Err(m string)    { l.add("err", m) }
func (l *fakeLogger) Succ(m string)   { l.add("succ", m) }
func (l *fakeLogger) Failed(m string) { l.add("failed", m) }
func (l *fakeLogger) Complete()       { l.add("complete", "") }
func (l *fakeLogger) Summary()        { l.add("summary", "") }

func (l *fakeLogger) has(prefix string) bool {
	return l.count(prefix) > 0
}

func (l *fakeLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (l *fakeLogger) index(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// fakeDownloader serves the base image from memory
type fakeDownloader struct {
	result  storage.FetchResult
	payload []byte
	unzip   error
	fetches int
}

func (d *fakeDownloader) Fetch(ctx context.Context, content storage.Content) storage.FetchResult {
	d.fetches++
	return d.result
}

func (d *fakeDownloader) Unzip(archivePath, member, destPath string) error {
	if d.unzip != nil {
		return d.unzip
	}
	return os.WriteFile(destPath, d.payload, 0o644)
}

// fakeDevices is an in-memory device.Manager over regular files
type fakeDevices struct {
	mu        sync.Mutex
	loop      string
	writable  map[string]bool
	modes     map[string]string
	restored  map[string][]string
	unmounted []string

	mountErr   error
	mountPanic bool
	onMount    func()

	// verifyErrs are returned by successive Verify calls; afterwards the
	// real content comparison runs.
	verifyErrs []error
	verifies   int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		writable: map[string]bool{},
		modes:    map[string]string{},
		restored: map[string][]string{},
	}
}

func (d *fakeDevices) NextLoopDevice(ctx context.Context) (string, error) { return d.loop, nil }

func (d *fakeDevices) CanWrite(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writable[path]
}

func (d *fakeDevices) AllowWrite(ctx context.Context, path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.modes[path]
	if prev == "" {
		prev = "0600"
	}
	d.modes[path] = "0666"
	d.writable[path] = true
	return prev, nil
}

func (d *fakeDevices) RestoreMode(ctx context.Context, path, mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[path] = mode
	d.restored[path] = append(d.restored[path], mode)
	return nil
}

func (d *fakeDevices) Unmount(ctx context.Context, devicePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmounted = append(d.unmounted, devicePath)
	return nil
}

func (d *fakeDevices) TestMount(ctx context.Context, imagePath string, thorough bool) error {
	if !thorough {
		return fmt.Errorf("expected a thorough mount test")
	}
	if d.mountPanic {
		panic("mount helper crashed")
	}
	if d.onMount != nil {
		d.onMount()
	}
	return d.mountErr
}

func (d *fakeDevices) Verify(ctx context.Context, imagePath, devicePath string) error {
	d.mu.Lock()
	i := d.verifies
	d.verifies++
	d.mu.Unlock()
	if i < len(d.verifyErrs) {
		return d.verifyErrs[i]
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	dev, err := os.ReadFile(devicePath)
	if err != nil {
		return err
	}
	if len(dev) < len(img) || !bytes.Equal(img, dev[:len(img)]) {
		return errors.ErrContentMismatch
	}
	return nil
}

func (d *fakeDevices) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

type fakeRequirements struct{ missing []string }

func (r fakeRequirements) Check(ctx context.Context, buildDir string) ([]string, error) {
	return r.missing, nil
}

type fakeInhibitor struct {
	mu       sync.Mutex
	active   bool
	restores int
}

func (i *fakeInhibitor) Inhibit(ctx context.Context) (func() error, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active = true
	return func() error {
		i.mu.Lock()
		defer i.mu.Unlock()
		i.active = false
		i.restores++
		return nil
	}, nil
}

// sleepRecorder replaces every settle and backoff wait
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type fakeRecorder struct {
	started  []string
	finished map[string]RecordResult
}

func (r *fakeRecorder) RecordStart(ctx context.Context, runID, name, imagePath, device string) error {
	r.started = append(r.started, runID)
	return nil
}

func (r *fakeRecorder) RecordFinish(ctx context.Context, runID string, result RecordResult) error {
	if r.finished == nil {
		r.finished = map[string]RecordResult{}
	}
	r.finished[runID] = result
	return nil
}

// harness wires a Pipeline to fakes in a temporary build directory
type harness struct {
	t          *testing.T
	dir        string
	log        *fakeLogger
	downloader *fakeDownloader
	devices    *fakeDevices
	inhibitor  *fakeInhibitor
	sleeper    *sleepRecorder
	recorder   *fakeRecorder
	reqs       fakeRequirements
	chunkSize  int
	goos       string
	settle     Settle

	callbacks []error
	cbMu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:   t,
		dir: t.TempDir(),
		log: &fakeLogger{},
		downloader: &fakeDownloader{
			result:  storage.FetchResult{Successful: true, Path: "/cache/hotspot-master.img.zip"},
			payload: bytes.Repeat([]byte("hotspot!"), 4096),
		},
		devices:   newFakeDevices(),
		inhibitor: &fakeInhibitor{},
		sleeper:   &sleepRecorder{},
		recorder:  &fakeRecorder{},
		chunkSize: 1024,
		goos:      "linux",
	}
}

func (h *harness) pipeline() *Pipeline {
	p := New(Deps{
		Logger:     h.log,
		Downloader: h.downloader,
		Devices:    h.devices,
		Preparer: NewPreparer(h.goos, PreparerDeps{
			Devices: h.devices,
			Logger:  h.log,
			Sleep:   h.sleeper.Sleep,
		}),
		Requirements: h.reqs,
		Inhibitor:    h.inhibitor,
		Recorder:     h.recorder,
	}, Settings{
		Settle:       h.settle,
		ChunkSize:    h.chunkSize,
		PollInterval: 5 * time.Millisecond,
	})
	p.sleep = h.sleeper.Sleep
	p.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }
	return p
}

func (h *harness) request() Request {
	return Request{
		Name:     "kiwix",
		BuildDir: h.dir,
		Token:    cancel.NewToken(),
		Done: func(err error) {
			h.cbMu.Lock()
			defer h.cbMu.Unlock()
			h.callbacks = append(h.callbacks, err)
		},
	}
}

// sdcard creates an empty regular file standing in for a block device
func (h *harness) sdcard() string {
	h.t.Helper()
	path := h.dir + "/sdcard.dev"
	require.NoError(h.t, os.WriteFile(path, nil, 0o600))
	return path
}
