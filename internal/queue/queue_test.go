package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/broadcaster"
	"github.com/devlinpx/browserflow/internal/executor"
	"github.com/devlinpx/browserflow/internal/pagectx"
	"github.com/devlinpx/browserflow/internal/parser"
)

func TestTransitions_Table(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		want  State
		ok    bool
	}{
		{StateIdle, EventStart, StateProcessing, true},
		{StateIdle, EventEnqueue, StateIdle, true},
		{StateIdle, EventPause, StateIdle, false},
		{StateProcessing, EventPause, StatePaused, true},
		{StateProcessing, EventEmptyQueue, StateIdle, true},
		{StatePaused, EventResume, StateProcessing, true},
		{StatePaused, EventStart, StatePaused, false},
		{StateProcessing, EventStop, StateStopped, true},
		{StateStopped, EventEnqueue, StateStopped, true},
		{StateStopped, EventStart, StateStopped, false},
	}
	for _, c := range cases {
		got, ok := next(c.from, c.event)
		if ok != c.ok {
			t.Errorf("next(%v,%v) ok=%v, want %v", c.from, c.event, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("next(%v,%v) = %v, want %v", c.from, c.event, got, c.want)
		}
	}
}

type nopDriver struct{}

func (nopDriver) Describe(ctx context.Context) (*pagectx.Context, error) {
	return &pagectx.Context{}, nil
}

type nopExecDriver struct{ clicks int }

func (d *nopExecDriver) Goto(ctx context.Context, url string) error { return nil }

type failingNavigateDriver struct{}

func (failingNavigateDriver) Goto(ctx context.Context, url string) error {
	return errors.New("boom: network error")
}
func (failingNavigateDriver) Click(ctx context.Context, selectors []string) error { return nil }
func (failingNavigateDriver) Fill(ctx context.Context, selectors []string, text string) error {
	return nil
}
func (failingNavigateDriver) Select(ctx context.Context, selectors []string, value string) error {
	return nil
}
func (failingNavigateDriver) Describe(ctx context.Context) (*pagectx.Context, error) {
	return &pagectx.Context{}, nil
}
func (d *nopExecDriver) Click(ctx context.Context, selectors []string) error {
	d.clicks++
	return nil
}
func (d *nopExecDriver) Fill(ctx context.Context, selectors []string, text string) error { return nil }
func (d *nopExecDriver) Select(ctx context.Context, selectors []string, value string) error {
	return nil
}
func (d *nopExecDriver) Describe(ctx context.Context) (*pagectx.Context, error) {
	return &pagectx.Context{}, nil
}

func newTestQueue() *Queue {
	p := parser.New(nil)
	e := executor.New(&nopExecDriver{})
	return New(p, e, nopDriver{}, WithSettleWait(10*time.Millisecond))
}

func TestQueue_EnqueueAndDrain(t *testing.T) {
	q := newTestQueue()
	done := make(chan action.Action, 1)
	q.OnStepCommitted(func(a action.Action, _ string) { done <- a })

	q.Enqueue("go to example.test")
	q.Start(context.Background())

	select {
	case a := <-done:
		if a.Kind != action.KindNavigate {
			t.Errorf("Kind = %v", a.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for step to commit")
	}
	q.Stop()
}

func TestQueue_PauseStopsProcessingNewItems(t *testing.T) {
	q := newTestQueue()
	var commits int
	ch := make(chan struct{}, 10)
	q.OnStepCommitted(func(action.Action, string) { commits++; ch <- struct{}{} })

	q.Enqueue("go to example.test")
	q.Start(context.Background())
	<-ch // first item drains

	q.Pause()
	q.Enqueue("click Sign in")

	select {
	case <-ch:
		t.Fatal("expected no further commits while paused")
	case <-time.After(150 * time.Millisecond):
	}

	if q.State() != StatePaused {
		t.Errorf("State() = %v, want paused", q.State())
	}
	q.Stop()
}

func TestQueue_StopClearsItems(t *testing.T) {
	q := newTestQueue()
	q.Enqueue("click a")
	q.Enqueue("click b")
	q.Stop()

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after stop", q.Len())
	}
	if q.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", q.State())
	}
}

func TestQueue_EnqueueRejectedWhenStopped(t *testing.T) {
	q := newTestQueue()
	q.Enqueue("click a")
	q.Stop()

	if err := q.Enqueue("click b"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() error = %v, want ErrStopped", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (rejected item must not be appended)", q.Len())
	}

	q.Clear()
	if q.State() != StateIdle {
		t.Fatalf("State() after Clear = %v, want idle", q.State())
	}
	if err := q.Enqueue("click c"); err != nil {
		t.Errorf("Enqueue() after Clear = %v, want nil (clear lifts the reject)", err)
	}
}

func TestQueue_EnqueueAfterDrainResumesProcessing(t *testing.T) {
	q := newTestQueue()
	done := make(chan action.Action, 2)
	q.OnStepCommitted(func(a action.Action, _ string) { done <- a })

	q.Enqueue("go to example.test")
	q.Start(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first step to commit")
	}

	deadline := time.After(2 * time.Second)
	for q.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("state never reached idle after drain, stuck at %v", q.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	q.Enqueue("go to example.test/two")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second step to commit after re-enqueue from idle")
	}
	q.Stop()
}

func TestQueue_PauseWhileIdleIsNoOp(t *testing.T) {
	q := newTestQueue()
	if q.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", q.State())
	}
	q.Pause()
	if q.State() != StateIdle {
		t.Errorf("State() = %v, want idle (pause while idle must be a no-op)", q.State())
	}
}

func TestSynthesizeLoginSequence_SkipsMissingCredential(t *testing.T) {
	vars := map[string]action.Variable{
		"LOGIN_URL":      {Name: "LOGIN_URL", Value: "https://example.test/login"},
		"LOGIN_PASSWORD": {Name: "LOGIN_PASSWORD", Value: "s3cret"},
	}
	steps := synthesizeLoginSequence(vars)
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3 (nav, password, click): %v", len(steps), steps)
	}
}

func TestSynthesizeLoginSequence_PrefersCPFOverEmail(t *testing.T) {
	vars := map[string]action.Variable{
		"LOGIN_CPF":   {Name: "LOGIN_CPF", Value: "381.151.977-85"},
		"LOGIN_EMAIL": {Name: "LOGIN_EMAIL", Value: "a@b.test"},
	}
	steps := synthesizeLoginSequence(vars)
	found := false
	for _, s := range steps {
		if s == "Type 381.151.977-85 in cpf field" {
			found = true
		}
		if s == "Type a@b.test in email field" {
			t.Error("email step should not appear when cpf is present")
		}
	}
	if !found {
		t.Errorf("expected cpf step, got %v", steps)
	}
}

func TestQueue_SetVariables_EnqueuesSynthesizedSteps(t *testing.T) {
	q := newTestQueue()
	steps := q.SetVariables([]action.Variable{
		{Name: "LOGIN_URL", Value: "https://example.test/login"},
		{Name: "LOGIN_USERNAME", Value: "alice"},
		{Name: "LOGIN_PASSWORD", Value: "s3cret"},
	})
	if len(steps) != 4 {
		t.Fatalf("got %d synthesized steps, want 4: %v", len(steps), steps)
	}
	if q.Len() != 4 {
		t.Errorf("Len() = %d, want 4", q.Len())
	}
}

func TestQueue_CriticalFailurePausesAndRetainsItem(t *testing.T) {
	p := parser.New(nil)
	e := executor.New(failingNavigateDriver{})
	q := New(p, e, nopDriver{}, WithSettleWait(10*time.Millisecond))

	q.Enqueue("go to example.test")
	q.Start(context.Background())

	deadline := time.After(10 * time.Second)
	for q.State() != StatePaused {
		select {
		case <-deadline:
			t.Fatalf("state never reached paused, stuck at %v", q.State())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (failed item retained for resume)", q.Len())
	}
	q.Stop()
}

func TestQueue_ClearResetsStatus(t *testing.T) {
	q := newTestQueue()
	q.Enqueue("click a")
	q.Enqueue("click b")
	q.Clear()

	st := q.Status()
	if st.Remaining != 0 || st.CurrentIndex != 0 {
		t.Errorf("Status() = %+v, want remaining 0 and currentIndex 0", st)
	}
	if st.NextInstruction != "" {
		t.Errorf("NextInstruction = %q, want empty", st.NextInstruction)
	}
}

func TestQueue_StatusRedactsNextInstruction(t *testing.T) {
	q := newTestQueue()
	q.SetVariables([]action.Variable{
		{Name: "LOGIN_PASSWORD", Value: "Akad@2025", Sensitive: true},
	})
	q.Enqueue("Type Akad@2025 in password field")

	st := q.Status()
	if st.NextInstruction == "" {
		t.Fatal("expected a next instruction")
	}
	if want := "Type ***REDACTED*** in password field"; st.NextInstruction != want {
		t.Errorf("NextInstruction = %q, want %q", st.NextInstruction, want)
	}
}

func TestQueue_PauseResumePublishEvents(t *testing.T) {
	events := broadcaster.New(nil, nil)
	p := parser.New(nil)
	e := executor.New(&nopExecDriver{})
	q := New(p, e, nopDriver{}, WithBroadcaster(events), WithSettleWait(10*time.Millisecond))

	_, ch, unsub := events.Subscribe()
	defer unsub()

	// Force processing so pause is a real transition.
	q.mu.Lock()
	q.state = StateProcessing
	q.mu.Unlock()

	q.Pause()
	if ev := <-ch; ev.Kind != broadcaster.KindAutomationPaused {
		t.Fatalf("event = %s, want automation_paused", ev.Kind)
	}
	q.Resume()
	if ev := <-ch; ev.Kind != broadcaster.KindAutomationResumed {
		t.Fatalf("event = %s, want automation_resumed", ev.Kind)
	}

	// Pause while idle is a no-op and must not publish.
	q.mu.Lock()
	q.state = StateIdle
	q.mu.Unlock()
	q.Pause()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s after no-op pause", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_DrainPublishesCompletion(t *testing.T) {
	events := broadcaster.New(nil, nil)
	p := parser.New(nil)
	e := executor.New(&nopExecDriver{})
	q := New(p, e, nopDriver{}, WithBroadcaster(events), WithSettleWait(time.Millisecond))

	_, ch, unsub := events.Subscribe()
	defer unsub()

	q.Enqueue("go to example.test")
	q.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == broadcaster.KindScriptExecutionComplete {
				q.Stop()
				return
			}
		case <-deadline:
			t.Fatal("never saw a completion event after the queue drained")
		}
	}
}

func TestQueue_StepEventsCarryProgress(t *testing.T) {
	events := broadcaster.New(nil, nil)
	p := parser.New(nil)
	e := executor.New(&nopExecDriver{})
	q := New(p, e, nopDriver{}, WithBroadcaster(events), WithSettleWait(time.Millisecond))

	_, ch, unsub := events.Subscribe()
	defer unsub()

	q.Enqueue("click first")
	q.Enqueue("click second")
	q.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind != broadcaster.KindScriptExecutionStep {
				continue
			}
			step, _ := ev.Payload["step"].(int)
			total, _ := ev.Payload["total"].(int)
			if step < 1 || total < step {
				t.Fatalf("step/total = %d/%d", step, total)
			}
			if step == 2 {
				q.Stop()
				return
			}
		case <-deadline:
			t.Fatal("never saw the second step event")
		}
	}
}
