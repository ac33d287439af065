package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewImagePaths(t *testing.T) {
	at := time.Date(2018, 7, 4, 9, 3, 1, 0, time.UTC)
	paths := NewImagePaths("/build", at)

	assert.Equal(t, "/build/hotspot-2018_07_04-09_03_01.BUILDING.img", paths.Building)
	assert.Equal(t, "/build/hotspot-2018_07_04-09_03_01.img", paths.Final)
	assert.Equal(t, "/build/hotspot-2018_07_04-09_03_01.ERROR.img", paths.Error)
}

func TestImagePaths_Existing(t *testing.T) {
	dir := t.TempDir()
	paths := NewImagePaths(dir, time.Now())
	assert.Empty(t, paths.Existing())

	require.NoError(t, os.WriteFile(paths.Building, []byte("x"), 0o644))
	assert.Equal(t, []string{paths.Building}, paths.Existing())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to StageState
		want     bool
	}{
		{StateInit, StateMaster, true},
		{StateMaster, StateWrite, true},
		{StateMaster, StateDone, true},
		{StateWrite, StateDone, true},
		{StateWrite, StateMaster, false},
		{StateMaster, StateMaster, false},
		{StateInit, StateFailed, true},
		{StateWrite, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateInit, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	valid := func() Request {
		return Request{Name: "kiwix", BuildDir: "/tmp", Token: cancel.NewToken(), QemuRAM: "2G"}
	}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
	}{
		{"valid", func(r *Request) {}, false},
		{"missing name", func(r *Request) { r.Name = "" }, true},
		{"missing build dir", func(r *Request) { r.BuildDir = "" }, true},
		{"missing token", func(r *Request) { r.Token = nil }, true},
		{"short wifi password", func(r *Request) { r.WifiPassword = "abc" }, true},
		{"wpa wifi password", func(r *Request) { r.WifiPassword = "hotspot-password" }, false},
		{"bad memory size", func(r *Request) { r.QemuRAM = "two gigs" }, true},
		{"memory in megabytes", func(r *Request) { r.QemuRAM = "1536M" }, false},
		{"negative size", func(r *Request) { r.Size = -1 }, true},
		{"admin without password", func(r *Request) { r.Admin = AdminAccount{Login: "admin"} }, true},
		{"admin with password", func(r *Request) { r.Admin = AdminAccount{Login: "admin", Password: "secret"} }, false},
		{"empty module name", func(r *Request) { r.Modules = []string{"kalite", ""} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.org/logo.png"))
	assert.True(t, IsRemote("http://example.org/edupi.zip"))
	assert.False(t, IsRemote("/home/user/logo.png"))
	assert.False(t, IsRemote(`C:\Users\logo.png`))
	assert.False(t, IsRemote("file:///tmp/logo.png"))
}

func TestOutcome(t *testing.T) {
	ok := Outcome{State: StateDone}
	assert.True(t, ok.Succeeded())
	assert.Equal(t, 0, ok.ExitCode())
	assert.NoError(t, ok.Cause())

	failed := Outcome{State: StateFailed, Err: errors.New(errors.KindRenameFailure, "master", "rename", nil)}
	assert.False(t, failed.Succeeded())
	assert.Equal(t, 1, failed.ExitCode())
	assert.Equal(t, errors.KindRenameFailure, failed.Kind())
	assert.Error(t, failed.Cause())
}

func TestToolRequirements(t *testing.T) {
	dir := t.TempDir()
	r := &ToolRequirements{
		Tools: []string{"losetup", "mount"},
		LookPath: func(file string) (string, error) {
			if file == "mount" {
				return "/bin/mount", nil
			}
			return "", fmt.Errorf("not found")
		},
	}

	missing, err := r.Check(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Contains(t, missing[0], "losetup")

	missing, err = r.Check(context.Background(), filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Len(t, missing, 2)
}

func TestDefaultRequirements(t *testing.T) {
	assert.Contains(t, DefaultRequirements("linux").Tools, "losetup")
	assert.Contains(t, DefaultRequirements("windows").Tools, "diskpart")
	assert.Empty(t, DefaultRequirements("plan9").Tools)
}
