package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/pipeline"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	b := &Build{
		RunID:  "run-1",
		Name:   "kiwix",
		Device: "/dev/sdb",
		Status: StatusRunning,
	}

	if err := repo.Create(b); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected ID to be assigned")
	}

	retrieved, err := repo.GetByRunID("run-1")
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}

	if retrieved.Name != b.Name || retrieved.Device != b.Device || retrieved.Status != StatusRunning {
		t.Errorf("retrieved build mismatch: got %+v, want %+v", retrieved, b)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	b, err := repo.GetByRunID("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil build, got %+v", b)
	}
}

func TestRepository_RecordLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.RecordStart(ctx, "run-2", "kiwix", "/build/hotspot.img", ""); err != nil {
		t.Fatalf("record start failed: %v", err)
	}

	err := repo.RecordFinish(ctx, "run-2", pipeline.RecordResult{
		Succeeded: false,
		Stage:     "master",
		Kind:      "mountability_failure",
		Message:   "thorough mount procedure failed",
		Durations: map[string]time.Duration{"init": 1500 * time.Millisecond, "master": 3 * time.Second},
	})
	if err != nil {
		t.Fatalf("record finish failed: %v", err)
	}

	b, _ := repo.GetByRunID("run-2")
	if b.Status != StatusFailed {
		t.Errorf("status not updated: got %s, want %s", b.Status, StatusFailed)
	}
	if b.Stage != "master" || b.ErrorKind != "mountability_failure" {
		t.Errorf("failure details not stored: %+v", b)
	}
	if b.InitMS != 1500 || b.MasterMS != 3000 || b.WriteMS != 0 {
		t.Errorf("durations not stored: init=%d master=%d write=%d", b.InitMS, b.MasterMS, b.WriteMS)
	}
	if b.ImagePath != "/build/hotspot.img" {
		t.Errorf("image path overwritten: %s", b.ImagePath)
	}
}

func TestRepository_RecordFinishUnknownRun(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.RecordFinish(context.Background(), "ghost", pipeline.RecordResult{Succeeded: true})
	if err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Build{RunID: "a", Name: "one", Status: StatusSucceeded})
	repo.Create(&Build{RunID: "b", Name: "two", Status: StatusFailed})
	repo.Create(&Build{RunID: "c", Name: "three", Status: StatusFailed})

	builds, err := repo.List("")
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 3 {
		t.Errorf("expected 3 builds, got %d", len(builds))
	}
	if builds[0].RunID != "c" {
		t.Errorf("expected newest first, got %s", builds[0].RunID)
	}

	failed, err := repo.List(StatusFailed)
	if err != nil {
		t.Fatalf("failed to list failed builds: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("expected 2 failed builds, got %d", len(failed))
	}
}

func TestRepository_FailStale(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Build{RunID: "crashed", Name: "x", Status: StatusRunning})
	repo.Create(&Build{RunID: "done", Name: "y", Status: StatusSucceeded})

	n, err := repo.FailStale(context.Background())
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale build, got %d", n)
	}

	b, _ := repo.GetByRunID("crashed")
	if b.Status != StatusFailed || b.ErrorKind != "internal" {
		t.Errorf("stale build not failed: %+v", b)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)

	b := &Build{RunID: "gone", Name: "x", Status: StatusFailed}
	repo.Create(b)

	if err := repo.Delete(b.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got, _ := repo.GetByRunID("gone"); got != nil {
		t.Errorf("build still present: %+v", got)
	}
}
