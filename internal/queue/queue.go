// Package queue implements the Action Queue & State Machine: a FIFO of
// pending instructions, an explicit state machine governing whether the
// queue is allowed to drain, and the processing loop that resolves each
// item against the Parser, runs it through the Executor, and commits it
// to the Recording Buffer on success.
package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/broadcaster"
	"github.com/devlinpx/browserflow/internal/executor"
	"github.com/devlinpx/browserflow/internal/pagectx"
	"github.com/devlinpx/browserflow/internal/parser"
	"github.com/devlinpx/browserflow/internal/recording"
	"github.com/devlinpx/browserflow/internal/selector"
)

// State is one node of the queue's explicit state machine.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
)

// Event drives a State transition.
type Event string

const (
	EventEnqueue    Event = "enqueue"
	EventStart      Event = "start"
	EventPause      Event = "pause"
	EventResume     Event = "resume"
	EventStop       Event = "stop"
	EventEmptyQueue Event = "empty_queue"
	EventError      Event = "error"
)

// transitions is the explicit state table: transitions[state][event] is
// the resulting state, or "" if the event is a no-op in that state.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventEnqueue: StateIdle,
		EventStart:   StateProcessing,
		EventStop:    StateStopped,
	},
	StateProcessing: {
		EventEnqueue:    StateProcessing,
		EventPause:      StatePaused,
		EventStop:       StateStopped,
		EventEmptyQueue: StateIdle,
		EventError:      StatePaused,
	},
	StatePaused: {
		EventEnqueue: StatePaused,
		EventResume:  StateProcessing,
		EventStop:    StateStopped,
	},
	StateStopped: {
		EventEnqueue: StateStopped,
	},
}

// next returns the resulting state for (s, ev), and whether the event
// is valid in s at all.
func next(s State, ev Event) (State, bool) {
	row, ok := transitions[s]
	if !ok {
		return s, false
	}
	to, ok := row[ev]
	if !ok || to == "" {
		return s, false
	}
	return to, true
}

// ExecutionContext carries the per-instruction state threaded through a
// single Parse-then-Execute pass: the raw instruction text, which
// attempt this is, and the variable map resolved so far. It is cleared
// at the end of each instruction rather than accumulated across them.
type ExecutionContext struct {
	Instruction string
	Attempt     int
	Variables   map[string]action.Variable
}

// Driver is the minimal live-page access the queue needs to resolve
// instructions against current content before handing an action to the
// Executor.
type Driver interface {
	Describe(ctx context.Context) (*pagectx.Context, error)
}

// Queue is the FIFO + state machine described above. Zero value is not
// usable; construct with New.
type Queue struct {
	mu    sync.Mutex
	state State
	items []action.QueueItem
	vars  map[string]action.Variable

	// currentIndex counts items popped since the batch entered
	// processing; totalAtStart is the batch size, grown by enqueues that
	// land mid-batch. Both reset when the queue drains to idle.
	currentIndex int
	totalAtStart int

	parser   *parser.Parser
	executor *executor.Executor
	driver   Driver
	recorder *recording.Buffer
	events   *broadcaster.Router
	log      *slog.Logger

	settleWait  time.Duration
	onCommitted []func(action.Action, string)

	running bool
	wake    chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder installs the Recording Buffer that successful steps are
// committed to.
func WithRecorder(r *recording.Buffer) Option { return func(q *Queue) { q.recorder = r } }

// WithBroadcaster installs the event Router used to publish
// script_step/action_executed/error/queue_status and the other queue events.
func WithBroadcaster(r *broadcaster.Router) Option { return func(q *Queue) { q.events = r } }

// WithLogger overrides slog.Default().
func WithLogger(log *slog.Logger) Option { return func(q *Queue) { q.log = log } }

// WithSettleWait overrides the default 500ms inter-step wait.
func WithSettleWait(d time.Duration) Option { return func(q *Queue) { q.settleWait = d } }

const defaultSettleWait = 500 * time.Millisecond

// New creates an idle Queue around p, e, and driver.
func New(p *parser.Parser, e *executor.Executor, driver Driver, opts ...Option) *Queue {
	q := &Queue{
		state:      StateIdle,
		parser:     p,
		executor:   e,
		driver:     driver,
		log:        slog.Default(),
		settleWait: defaultSettleWait,
		vars:       make(map[string]action.Variable),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnStepCommitted registers a hook invoked after each step's action
// executes successfully, with the optional base64 screenshot captured
// alongside it. Hooks run in addition to the Recording Buffer installed
// with WithRecorder, which the queue commits to directly.
func (q *Queue) OnStepCommitted(fn func(action.Action, string)) {
	q.mu.Lock()
	q.onCommitted = append(q.onCommitted, fn)
	q.mu.Unlock()
}

// State reports the queue's current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Status is the queue's observable state: the machine state, how many items
// remain, how far into the current batch the loop is, and what runs
// next. NextInstruction is redacted before it leaves the queue.
type Status struct {
	State           State  `json:"state"`
	Remaining       int    `json:"remaining"`
	CurrentIndex    int    `json:"currentIndex"`
	NextInstruction string `json:"nextInstruction,omitempty"`
}

// Status reports the queue's current observable state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		State:        q.state,
		Remaining:    len(q.items),
		CurrentIndex: q.currentIndex,
	}
	if len(q.items) > 0 {
		st.NextInstruction = redactWith(q.vars, q.items[0].Instruction)
	}
	return st
}

// fire applies ev to the state machine and returns whether it took
// effect; an event with no entry for the current state is ignored,
// never a panic.
func (q *Queue) fire(ev Event) bool {
	to, ok := next(q.state, ev)
	if !ok {
		return false
	}
	if to != q.state {
		q.log.Debug("queue: transition", "from", q.state, "event", ev, "to", to)
	}
	q.state = to
	return true
}

// ErrStopped is returned by Enqueue/EnqueueSteps when the queue is
// stopped: enqueue fails in this state and the caller must Clear (or
// send the "clear" control word) before enqueuing again.
var ErrStopped = errors.New("queue: stopped; clear before enqueuing")

// Enqueue appends instruction as a pending item with Origin
// OriginSingle, to be resolved by the Parser when the queue drains it.
// It fails with ErrStopped, without appending, if the queue is stopped.
func (q *Queue) Enqueue(instruction string) error {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		q.publishError(instruction, ErrStopped)
		return ErrStopped
	}
	q.items = append(q.items, action.QueueItem{Instruction: instruction, Origin: action.OriginSingle, AddedAt: time.Now()})
	q.fire(EventEnqueue)
	q.noteEnqueued(1)
	q.mu.Unlock()
	q.notify()
	return nil
}

// EnqueueSteps appends pre-split multi-step instructions at the head of
// the queue (ahead of whatever is already pending), preserving their
// order, so a multi-step expansion runs in place rather than behind
// items enqueued later. It fails with ErrStopped,
// without appending, if the queue is stopped.
func (q *Queue) EnqueueSteps(steps []string) error {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		q.publishError(strings.Join(steps, "; "), ErrStopped)
		return ErrStopped
	}
	items := make([]action.QueueItem, len(steps))
	now := time.Now()
	for i, s := range steps {
		items[i] = action.QueueItem{Instruction: s, Origin: action.OriginMultiStep, AddedAt: now}
	}
	q.items = append(items, q.items...)
	q.fire(EventEnqueue)
	q.noteEnqueued(len(items))
	q.mu.Unlock()
	q.notify()
	return nil
}

// noteEnqueued updates the batch counters after n items landed, and
// fires EventStart when the enqueue found the queue idle: there is no
// client-facing "start" control word, so without this the run loop — already parked
// waiting on q.wake since it last drained to idle — would wake up, see
// state still idle, and go back to sleep forever. idle->enqueue->idle
// and idle->start->processing are both individually valid table
// transitions; this just composes them instead of requiring a second
// call the caller has no way to make. Must be called with q.mu held.
func (q *Queue) noteEnqueued(n int) {
	if q.state == StateIdle {
		q.fire(EventStart)
		q.currentIndex = 0
		q.totalAtStart = len(q.items)
		return
	}
	q.totalAtStart += n
}

// SetVariables merges resolved variables (typically from a Parser
// ResultVariables classification) into the queue's variable map and
// synthesizes the canonical login sequence when enough variables are
// present to do so.
func (q *Queue) SetVariables(vars []action.Variable) []string {
	q.mu.Lock()
	for _, v := range vars {
		q.vars[v.Name] = v
	}
	synthesized := synthesizeLoginSequence(q.vars)
	q.mu.Unlock()
	if len(synthesized) > 0 {
		q.EnqueueSteps(synthesized)
	}
	return synthesized
}

// synthesizeLoginSequence builds the canonical 4-step order: Navigate,
// then a credential field (cpf, then email, then username, in that
// priority), then password, then the login button — skipping any step
// whose backing variable is absent.
func synthesizeLoginSequence(vars map[string]action.Variable) []string {
	var steps []string

	if v, ok := lookupAny(vars, "LOGIN_URL", "TARGET_URL", "URL"); ok {
		steps = append(steps, fmt.Sprintf("Navigate to %s", v.Value))
	}
	if v, ok := lookupAny(vars, "LOGIN_CPF", "CPF"); ok {
		steps = append(steps, fmt.Sprintf("Type %s in cpf field", v.Value))
	} else if v, ok := lookupAny(vars, "LOGIN_EMAIL", "EMAIL"); ok {
		steps = append(steps, fmt.Sprintf("Type %s in email field", v.Value))
	} else if v, ok := lookupAny(vars, "LOGIN_USERNAME", "USERNAME"); ok {
		steps = append(steps, fmt.Sprintf("Type %s in username field", v.Value))
	}
	if v, ok := lookupAny(vars, "LOGIN_PASSWORD", "PASSWORD"); ok {
		steps = append(steps, fmt.Sprintf("Type %s in password field", v.Value))
	}
	if len(steps) > 1 {
		steps = append(steps, "Click the login button")
	}
	return steps
}

func lookupAny(vars map[string]action.Variable, names ...string) (action.Variable, bool) {
	for _, n := range names {
		if v, ok := vars[n]; ok && v.Value != "" {
			return v, true
		}
	}
	return action.Variable{}, false
}

// Start transitions idle -> processing and launches the drain loop the
// first time it's called; subsequent calls just wake the existing loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.state == StateIdle && q.fire(EventStart) {
		q.currentIndex = 0
		q.totalAtStart = len(q.items)
	} else {
		q.fire(EventStart)
	}
	alreadyRunning := q.running
	q.running = true
	q.mu.Unlock()

	if !alreadyRunning {
		go q.run(ctx)
	} else {
		q.notify()
	}
}

// Pause transitions processing -> paused; the in-flight step still
// finishes, but no further items are popped until Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	paused := q.fire(EventPause)
	q.mu.Unlock()
	if paused {
		q.publish(broadcaster.KindAutomationPaused, map[string]any{"message": "Automation paused."})
	}
}

// Resume transitions paused -> processing and wakes the drain loop.
func (q *Queue) Resume() {
	q.mu.Lock()
	resumed := q.fire(EventResume)
	q.mu.Unlock()
	if resumed {
		q.publish(broadcaster.KindAutomationResumed, map[string]any{"message": "Automation resumed."})
	}
	q.notify()
}

// Stop transitions any state -> stopped and discards pending items.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.fire(EventStop)
	q.items = nil
	q.mu.Unlock()
	q.notify()
}

// Clear empties the pending items without changing state, except that
// it lifts a stopped queue back to idle: clear is the one escape from
// stopped, since enqueues are rejected there.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.currentIndex = 0
	q.totalAtStart = 0
	if q.state == StateStopped {
		q.state = StateIdle
	}
	q.mu.Unlock()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the drain loop: pop -> resolve -> execute -> broadcast ->
// commit -> settle, until the queue empties or Stop fires.
func (q *Queue) run(ctx context.Context) {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		state := q.state
		q.mu.Unlock()

		if state == StateStopped {
			return
		}
		if state != StateProcessing {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		item, ok := q.pop()
		if !ok {
			q.mu.Lock()
			drained := q.fire(EventEmptyQueue)
			processed := q.currentIndex
			if drained {
				q.currentIndex = 0
				q.totalAtStart = 0
			}
			q.mu.Unlock()
			if drained && processed > 0 {
				q.publish(broadcaster.KindScriptExecutionComplete, map[string]any{
					"message": "Queue completed.",
					"steps":   processed,
				})
			}
			q.publishStatus()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		q.processItem(ctx, item)

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.settleWait):
		}
	}
}

func (q *Queue) pop() (action.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return action.QueueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.currentIndex++
	return item, true
}

func (q *Queue) processItem(ctx context.Context, item action.QueueItem) {
	q.mu.Lock()
	step, total := q.currentIndex, q.totalAtStart
	q.mu.Unlock()
	q.publish(broadcaster.KindScriptExecutionStep, map[string]any{
		"instruction": q.redact(item.Instruction),
		"step":        step,
		"total":       total,
	})

	act := item.Action
	var page *pagectx.Context
	if act == nil {
		if q.driver != nil {
			page, _ = q.driver.Describe(ctx)
		}
		res, err := q.parser.Parse(ctx, item.Instruction, page)
		if err != nil {
			q.publishError(item.Instruction, err)
			return
		}
		switch res.Kind {
		case parser.ResultSingle:
			act = res.Action
		case parser.ResultMultiStep:
			q.EnqueueSteps(res.Steps)
			return
		case parser.ResultVariables:
			synthesized := q.SetVariables(res.Variables)
			names := make([]string, 0, len(res.Variables))
			for _, v := range res.Variables {
				names = append(names, v.Name)
			}
			q.publish(broadcaster.KindChatResponse, map[string]any{
				"message": fmt.Sprintf("Variables defined: %s. Queued %d steps.", strings.Join(names, ", "), len(synthesized)),
			})
			return
		case parser.ResultControl:
			q.applyControl(res.Control)
			return
		case parser.ResultGuidance:
			q.publish(broadcaster.KindChatResponse, map[string]any{"message": res.Response})
			return
		default:
			return
		}

		if act != nil && page != nil {
			q.resolveSelector(act, page)
		}
	}

	if act.Kind == action.KindType && act.Text == "" {
		text, ok := q.resolveTypeText(act.SearchContext)
		if !ok {
			q.publishError(item.Instruction, fmt.Errorf("queue: no value available for the %q field", act.SearchContext))
			return
		}
		act.Text = text
	}

	out, err := q.executor.Execute(ctx, *act)
	if err != nil {
		q.publishError(item.Instruction, err)
		if isCriticalFailure(*act) {
			item.Action = act
			q.mu.Lock()
			q.items = append([]action.QueueItem{item}, q.items...)
			q.currentIndex--
			q.fire(EventError)
			q.mu.Unlock()
		}
		return
	}

	screenshotB64 := ""
	if out.Screenshot != nil {
		screenshotB64 = base64.StdEncoding.EncodeToString(out.Screenshot.JPEG)
	}
	if out.Warning != "" {
		q.log.Warn("queue: step warning", "instruction", q.redact(item.Instruction), "warning", out.Warning)
		q.publish(broadcaster.KindWarning, map[string]any{"instruction": q.redact(item.Instruction), "warning": out.Warning})
	}

	q.mu.Lock()
	hooks := append([]func(action.Action, string){}, q.onCommitted...)
	q.mu.Unlock()
	for _, hook := range hooks {
		hook(out.Action, screenshotB64)
	}
	if q.recorder != nil {
		q.recorder.Commit(item.Instruction, out.Action, screenshotB64)
	}

	if out.Action.Kind == action.KindNavigate {
		q.publish(broadcaster.KindNavigationCompleted, map[string]any{
			"message": "Navigation completed.",
			"url":     out.Action.URL,
		})
	}
	if out.Screenshot != nil {
		frameURL := out.Action.URL
		if frameURL == "" && page != nil {
			frameURL = page.URL
		}
		q.publish(broadcaster.KindScreenshot, map[string]any{
			"data":      screenshotB64,
			"url":       frameURL,
			"timestamp": time.Now().UnixMilli(),
			"hash":      out.Screenshot.Hash,
			"forced":    out.Screenshot.Forced,
		})
	}

	q.publish(broadcaster.KindActionExecuted, map[string]any{
		"instruction": q.redact(item.Instruction),
		"kind":        string(out.Action.Kind),
		"attempts":    out.Attempts,
	})
}

// resolveTypeText fills a type action's missing text from the current
// variable map: a password-like field takes the first variable
// whose name mentions password; a cpf/email field takes the first
// cpf/email/login variable; anything else matches the field name
// itself. Names are scanned in sorted order so resolution is stable.
func (q *Queue) resolveTypeText(fieldCtx string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lower := strings.ToLower(fieldCtx)
	var fragments []string
	switch {
	case strings.Contains(lower, "password"):
		fragments = []string{"PASSWORD"}
	case strings.Contains(lower, "cpf"), strings.Contains(lower, "email"):
		fragments = []string{"CPF", "EMAIL", "LOGIN"}
	case lower != "":
		fragments = []string{strings.ToUpper(lower)}
	default:
		return "", false
	}

	names := make([]string, 0, len(q.vars))
	for name := range q.vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, frag := range fragments {
		for _, name := range names {
			if strings.Contains(name, frag) && q.vars[name].Value != "" {
				return q.vars[name].Value, true
			}
		}
	}
	return "", false
}

// redact masks any sensitive variable value appearing in s before it is
// logged or broadcast.
func (q *Queue) redact(s string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return redactWith(q.vars, s)
}

func redactWith(vars map[string]action.Variable, s string) string {
	for _, v := range vars {
		if (v.Sensitive || action.IsSensitiveName(v.Name)) && v.Value != "" {
			s = strings.ReplaceAll(s, v.Value, "***REDACTED***")
		}
	}
	return s
}

func (q *Queue) publishStatus() {
	st := q.Status()
	q.publish(broadcaster.KindQueueStatus, map[string]any{
		"state":           string(st.State),
		"remaining":       st.Remaining,
		"currentIndex":    st.CurrentIndex,
		"nextInstruction": st.NextInstruction,
	})
}

func (q *Queue) resolveSelector(act *action.Action, page *pagectx.Context) {
	if act.Kind != action.KindClick && act.Kind != action.KindType && act.Kind != action.KindSelect {
		return
	}
	if act.Selector != "" {
		return
	}
	desc := act.SearchText
	if desc == "" {
		desc = act.SearchContext
	}
	res := selector.Resolve(desc, page)
	if res.Primary == "" {
		return
	}
	act.Selector = res.Primary
	act.FallbackSelectors = res.Fallbacks
	act.Confidence = res.Confidence
}

// isCriticalFailure reports whether a failure should halt the whole
// queue: a failed
// navigate, or a click whose target reads as a login/submit control, is
// fatal to the whole queue and pauses it with the item retained for a
// retry on resume. A failed fill/type is continuable: it's logged and
// the queue moves on to the next item.
func isCriticalFailure(act action.Action) bool {
	switch act.Kind {
	case action.KindNavigate:
		return true
	case action.KindClick:
		text := strings.ToLower(act.SearchText + " " + act.Selector)
		return strings.Contains(text, "login") || strings.Contains(text, "submit") || strings.Contains(text, "sign in")
	default:
		return false
	}
}

// ApplyControl applies a control command to the state machine. The
// transport layer calls it directly for control words so they take
// effect between loop iterations instead of waiting behind pending
// items; the processing loop also routes popped control instructions
// here.
func (q *Queue) ApplyControl(kind parser.ControlKind) {
	q.applyControl(kind)
}

func (q *Queue) applyControl(kind parser.ControlKind) {
	switch kind {
	case parser.ControlStop:
		q.Stop()
	case parser.ControlPause:
		q.Pause()
	case parser.ControlResume:
		q.Resume()
	case parser.ControlClear:
		q.Clear()
	case parser.ControlStatus:
		q.publishStatus()
	}
}

func (q *Queue) publish(kind broadcaster.Kind, payload map[string]any) {
	if q.events != nil {
		q.events.Publish(kind, payload)
	}
}

func (q *Queue) publishError(instruction string, err error) {
	instruction = q.redact(instruction)
	q.log.Error("queue: step failed", "instruction", instruction, "error", err)
	q.publish(broadcaster.KindError, map[string]any{"instruction": instruction, "error": q.redact(err.Error())})
}
