// Package fsm drives installation runs through superfly/fsm so that each
// stage transition is persisted. The stage bodies themselves live on
// pipeline.Session; this package only sequences them.
package fsm

import (
	"context"
	"log/slog"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
	"github.com/superfly/fsm"
)

// Register registers the build FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[BuildRequest, BuildResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[BuildRequest, BuildResponse](manager, "hotspot-build").
		Start(StateInit, m.handleInit).
		To(StateMaster, m.handleMaster).
		To(StateWrite, m.handleWrite).
		To(StateDone, m.handleDone).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run starts s through the registered FSM, waits for it and finishes the
// session whatever happened. The returned outcome is the session's.
func (m *Machine) Run(ctx context.Context, manager *fsm.Manager, start fsm.Start[BuildRequest, BuildResponse], s *pipeline.Session) (out pipeline.Outcome) {
	m.add(s)
	defer m.remove(s.ID())
	defer func() { out = s.Finish(ctx) }()

	req := &BuildRequest{RunID: s.ID()}
	resp := &BuildResponse{RunID: s.ID()}

	version, err := start(ctx, s.ID(), fsm.NewRequest(req, resp))
	if err != nil {
		slog.Error("fsm_start_failed", "run_id", s.ID(), "error", err)
		return
	}

	slog.Info("fsm_started", "run_id", s.ID(), "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		// Aborted runs end here too; the session holds the real cause.
		slog.Info("fsm_stopped", "run_id", s.ID(), "error", err)
		return
	}

	slog.Info("fsm_complete", "run_id", s.ID(), "state", resp.State)
	return
}
