package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
	"github.com/superfly/fsm"
)

// Machine maps run ids to their live sessions
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*pipeline.Session
}

// NewMachine creates an empty machine
func NewMachine() *Machine {
	return &Machine{sessions: map[string]*pipeline.Session{}}
}

func (m *Machine) add(s *pipeline.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
}

func (m *Machine) remove(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, runID)
}

func (m *Machine) lookup(runID string) (*pipeline.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[runID]
	if !ok {
		return nil, fmt.Errorf("no live session for run %q", runID)
	}
	return s, nil
}

func (m *Machine) handleInit(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return m.runStage(ctx, req, StateInit, (*pipeline.Session).Init)
}

func (m *Machine) handleMaster(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return m.runStage(ctx, req, StateMaster, (*pipeline.Session).Master)
}

func (m *Machine) handleWrite(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return m.runStage(ctx, req, StateWrite, (*pipeline.Session).Write)
}

// handleDone confirms the session reached its terminal success state
func (m *Machine) handleDone(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return m.runStage(ctx, req, StateDone, func(s *pipeline.Session, ctx context.Context) error {
		if st := s.State(); st != pipeline.StateDone {
			return fmt.Errorf("run ended in state %s", st)
		}
		return nil
	})
}

// runStage runs one session stage. Stages are never retried: any failure
// aborts the FSM.
func (m *Machine) runStage(
	ctx context.Context,
	req *fsm.Request[BuildRequest, BuildResponse],
	state string,
	stage func(*pipeline.Session, context.Context) error,
) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID)

	resp := req.W.Msg
	if resp == nil {
		resp = &BuildResponse{RunID: req.Msg.RunID}
	}

	s, err := m.lookup(req.Msg.RunID)
	if err != nil {
		slog.Error("session_lookup_failed", "run_id", req.Msg.RunID, "state", state, "error", err)
		resp.State = StateFailed
		resp.ErrorMessage = err.Error()
		return nil, fsm.Abort(err)
	}

	if err := stage(s, ctx); err != nil {
		resp.State = StateFailed
		resp.Kind = string(errors.KindOf(err))
		resp.ErrorMessage = err.Error()
		slog.Error("fsm_stage_failed", "run_id", s.ID(), "state", state, "kind", resp.Kind)
		return nil, fsm.Abort(err)
	}

	resp.State = string(s.State())
	if p := s.Paths(); p.Final != "" {
		resp.ImagePath = p.Final
	}

	return fsm.NewResponse(resp), nil
}
