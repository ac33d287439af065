package guard

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePerms is an in-memory PermissionManager
type fakePerms struct {
	mu       sync.Mutex
	modes    map[string]string
	writable map[string]bool
	restores int
}

func newFakePerms() *fakePerms {
	return &fakePerms{modes: map[string]string{}, writable: map[string]bool{}}
}

func (f *fakePerms) CanWrite(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable[path]
}

func (f *fakePerms) AllowWrite(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.modes[path]
	if !ok {
		return "", fmt.Errorf("no such device %s", path)
	}
	f.modes[path] = "0666"
	f.writable[path] = true
	return prev, nil
}

func (f *fakePerms) RestoreMode(ctx context.Context, path, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	f.modes[path] = mode
	f.writable[path] = false
	return nil
}

func TestAcquireWritable_NoChangeNeeded(t *testing.T) {
	perms := newFakePerms()
	perms.modes["/dev/loop0"] = "0666"
	perms.writable["/dev/loop0"] = true

	h, err := AcquireWritable(context.Background(), perms, "/dev/loop0")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.NoError(t, h.Release(context.Background()), "nil handle releases to a no-op")
	assert.Equal(t, 0, perms.restores)
}

func TestAcquireWritable_RestoresPreviousMode(t *testing.T) {
	perms := newFakePerms()
	perms.modes["/dev/loop3"] = "0660"

	h, err := AcquireWritable(context.Background(), perms, "/dev/loop3")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "0660", h.Previous())
	assert.Equal(t, "/dev/loop3", h.Target())
	assert.Equal(t, "0666", perms.modes["/dev/loop3"])

	require.NoError(t, h.Release(context.Background()))
	require.NoError(t, h.Release(context.Background()))

	assert.True(t, h.Released())
	assert.Equal(t, "0660", perms.modes["/dev/loop3"])
	assert.Equal(t, 1, perms.restores, "restore runs exactly once")
}

func TestForceWritable_RestoreModeOverride(t *testing.T) {
	perms := newFakePerms()
	perms.modes["/dev/sdb"] = "0600"
	perms.writable["/dev/sdb"] = true

	h, err := ForceWritable(context.Background(), perms, "/dev/sdb", "0660")
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, "0660", perms.modes["/dev/sdb"])
}

func TestForceWritable_AcquireFailure(t *testing.T) {
	h, err := ForceWritable(context.Background(), newFakePerms(), "/dev/missing", "")
	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestRelease_RunsWhenOperationPanics(t *testing.T) {
	perms := newFakePerms()
	perms.modes["/dev/sdc"] = "0640"

	func() {
		defer func() { recover() }()

		h, err := AcquireWritable(context.Background(), perms, "/dev/sdc")
		require.NoError(t, err)
		defer h.Release(context.Background())

		panic("unexpected fault while writing")
	}()

	assert.Equal(t, "0640", perms.modes["/dev/sdc"])
	assert.Equal(t, 1, perms.restores)
}

type fakeInhibitor struct {
	err      error
	restored bool
}

func (f *fakeInhibitor) Inhibit(ctx context.Context) (func() error, error) {
	if f.err != nil {
		return nil, f.err
	}
	return func() error { f.restored = true; return nil }, nil
}

func TestAcquireSleep(t *testing.T) {
	inh := &fakeInhibitor{}
	h := AcquireSleep(context.Background(), inh)
	require.NotNil(t, h)
	assert.Equal(t, KindSleep, h.Kind())

	require.NoError(t, h.Release(context.Background()))
	assert.True(t, inh.restored)
}

func TestAcquireSleep_Unavailable(t *testing.T) {
	assert.Nil(t, AcquireSleep(context.Background(), &fakeInhibitor{err: fmt.Errorf("no dbus")}))
	assert.Nil(t, AcquireSleep(context.Background(), nil))
}

func TestCommandInhibitor_StopsHelper(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	restore, err := CommandInhibitor{Name: "cat"}.Inhibit(context.Background())
	require.NoError(t, err)
	assert.NoError(t, restore())
}

func TestCommandInhibitor_MissingBinary(t *testing.T) {
	_, err := CommandInhibitor{Name: "definitely-not-a-real-inhibitor"}.Inhibit(context.Background())
	assert.Error(t, err)
}
