package orchestrator

import (
	"context"
	"testing"

	"github.com/devlinpx/browserflow/dbopen"
	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/config"
	"github.com/devlinpx/browserflow/internal/queue"
	"github.com/devlinpx/browserflow/internal/store"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.NewSQLStore(db, nil)
	cfg := &config.Config{}
	cfg.Queue.SettleWait = 0

	return New(cfg, st, nil)
}

func TestNew_BuildsWithoutStartingBrowser(t *testing.T) {
	o := newTestOrchestrator(t)
	if o.queue == nil || o.executor == nil || o.parser == nil {
		t.Fatal("expected subsystems to be wired")
	}
}

func TestSubmit_EnqueuesBeforeStart(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Submit("click Sign in")

	if st := o.QueueStatus(); st.Remaining != 1 {
		t.Errorf("queue remaining = %d, want 1", st.Remaining)
	}
}

func TestStartRecording_StopRecording_PersistsScript(t *testing.T) {
	o := newTestOrchestrator(t)
	o.StartRecording(context.Background(), "my flow", "a recorded flow")
	o.recorder.Commit("go to example.test", action.Action{Kind: action.KindNavigate, URL: "https://example.test"}, "")

	script, err := o.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if script.Name != "my flow" {
		t.Fatalf("script.Name = %q", script.Name)
	}

	loaded, err := o.store.Load(context.Background(), "my flow")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Steps) != 1 {
		t.Errorf("got %d steps, want 1", len(loaded.Steps))
	}
}

func TestStopRecording_WithoutStartErrors(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.StopRecording(context.Background()); err == nil {
		t.Error("expected error stopping a recording that never started")
	}
}

func TestPauseResumeStop_ForwardToQueue(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Pause()
	o.Resume()
	o.Stop()

	if st := o.QueueStatus(); st.State != queue.StateStopped {
		t.Errorf("state = %v, want stopped", st.State)
	}
}
