package fsm

import (
	"context"
	"io"
	"testing"

	"github.com/kiwix/hotspot-imager/pkg/cancel"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
	"github.com/kiwix/hotspot-imager/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

func newSession(t *testing.T, req pipeline.Request) *pipeline.Session {
	t.Helper()
	p := pipeline.New(pipeline.Deps{Logger: report.New(io.Discard)}, pipeline.Settings{})
	return p.NewSession(req)
}

func TestMachine_UnknownRunAborts(t *testing.T) {
	m := NewMachine()

	resp := &BuildResponse{RunID: "ghost"}
	_, err := m.handleInit(context.Background(), fsm.NewRequest(&BuildRequest{RunID: "ghost"}, resp))

	require.Error(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Contains(t, resp.ErrorMessage, "ghost")
}

func TestMachine_FailedStageAborts(t *testing.T) {
	m := NewMachine()
	s := newSession(t, pipeline.Request{BuildDir: t.TempDir(), Token: cancel.NewToken()})
	m.add(s)

	resp := &BuildResponse{RunID: s.ID()}
	_, err := m.handleInit(context.Background(), fsm.NewRequest(&BuildRequest{RunID: s.ID()}, resp))

	require.Error(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Equal(t, string(errors.KindInvalidRequest), resp.Kind)

	// Later stages see the recorded failure and never run.
	_, err = m.handleMaster(context.Background(), fsm.NewRequest(&BuildRequest{RunID: s.ID()}, resp))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	out := s.Finish(context.Background())
	assert.Equal(t, pipeline.StateFailed, out.State)
	assert.Equal(t, errors.KindInvalidRequest, out.Kind())
}

func TestMachine_DoneRequiresTerminalSuccess(t *testing.T) {
	m := NewMachine()
	s := newSession(t, pipeline.Request{Name: "kiwix", BuildDir: t.TempDir(), Token: cancel.NewToken()})
	m.add(s)

	resp := &BuildResponse{RunID: s.ID()}
	_, err := m.handleDone(context.Background(), fsm.NewRequest(&BuildRequest{RunID: s.ID()}, resp))

	require.Error(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Contains(t, resp.ErrorMessage, "init")
}

func TestMachine_RemoveForgetsSession(t *testing.T) {
	m := NewMachine()
	s := newSession(t, pipeline.Request{Name: "kiwix", BuildDir: t.TempDir(), Token: cancel.NewToken()})

	m.add(s)
	got, err := m.lookup(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	m.remove(s.ID())
	_, err = m.lookup(s.ID())
	assert.Error(t, err)
}
