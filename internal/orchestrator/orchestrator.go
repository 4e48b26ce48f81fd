// Package orchestrator wires the Parser, Action Queue, Executor,
// Recording Buffer, Screenshot Differ, and Event Broadcaster into the
// single top-level object a transport layer drives.
//
// One struct owns every subsystem; Start launches the browser and
// begins work, Close tears everything down.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/broadcaster"
	"github.com/devlinpx/browserflow/internal/browserdriver"
	"github.com/devlinpx/browserflow/internal/config"
	"github.com/devlinpx/browserflow/internal/executor"
	"github.com/devlinpx/browserflow/internal/llm"
	"github.com/devlinpx/browserflow/internal/manual"
	"github.com/devlinpx/browserflow/internal/parser"
	"github.com/devlinpx/browserflow/internal/queue"
	"github.com/devlinpx/browserflow/internal/recording"
	"github.com/devlinpx/browserflow/internal/screenshot"
	"github.com/devlinpx/browserflow/internal/store"
)

// Orchestrator composes the automation subsystems described above into
// the single object a WebSocket handler or CLI drives.
type Orchestrator struct {
	cfg       *config.Config
	log       *slog.Logger
	mgr       *browserdriver.Manager
	driver    *browserdriver.Driver
	parser    *parser.Parser
	executor  *executor.Executor
	queue     *queue.Queue
	recorder  *recording.Buffer
	events    *broadcaster.Router
	differ    *screenshot.Differ
	streamer  *screenshot.Streamer
	manual    *manual.Controller
	store     store.Store
	llmClient *llm.Client
}

// New builds an Orchestrator from cfg and a Store (typically backed by
// dbopen.Open + store.NewSQLStore). logger defaults to slog.Default().
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := browserdriver.NewManager(browserdriver.Config{
		RemoteURL:       cfg.Browser.Remote,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Logger:          logger,
	})
	driver := browserdriver.New(mgr)
	driver.SetJPEGQuality(cfg.Screenshot.Quality)

	var llmClient *llm.Client
	var p *parser.Parser
	var fallback executor.LLMFallback
	if cfg.LLM.APIKey != "" {
		llmClient = llm.New(llm.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model})
		p = parser.New(llmClient)
		fallback = llmClient
	} else {
		p = parser.New(nil)
	}

	events := broadcaster.New(nil, logger)
	differ := screenshot.New(driver)
	recorder := recording.New()

	publishFrame := func(frame screenshot.Frame, pageURL string) {
		events.Publish(broadcaster.KindScreenshot, map[string]any{
			"data":      base64.StdEncoding.EncodeToString(frame.JPEG),
			"url":       pageURL,
			"timestamp": time.Now().UnixMilli(),
			"hash":      frame.Hash,
			"forced":    frame.Forced,
		})
	}
	streamer := screenshot.NewStreamer(differ, cfg.Screenshot.Cadence, driver.URL, publishFrame, logger)

	execOpts := []executor.Option{
		executor.WithScreenshotDiffer(differ),
		executor.WithLogger(logger),
	}
	if fallback != nil {
		execOpts = append(execOpts, executor.WithFallback(fallback))
	}
	ex := executor.New(driver, execOpts...)

	q := queue.New(p, ex, driver,
		queue.WithRecorder(recorder),
		queue.WithBroadcaster(events),
		queue.WithLogger(logger),
		queue.WithSettleWait(cfg.Queue.SettleWait),
	)

	manualCtl := manual.NewController(driver, differ, events, publishFrame, func() bool {
		st := q.State()
		return st == queue.StateIdle || st == queue.StatePaused
	}, logger)

	return &Orchestrator{
		cfg:       cfg,
		log:       logger,
		mgr:       mgr,
		driver:    driver,
		parser:    p,
		executor:  ex,
		queue:     q,
		recorder:  recorder,
		events:    events,
		differ:    differ,
		streamer:  streamer,
		manual:    manualCtl,
		store:     st,
		llmClient: llmClient,
	}
}

// Start launches the browser, the queue's drain loop, and the
// screenshot cadence stream.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.mgr.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start browser: %w", err)
	}
	o.queue.Start(ctx)
	go o.streamer.Run(ctx)
	return nil
}

// Close tears down the browser.
func (o *Orchestrator) Close() error {
	return o.mgr.Close()
}

// Submit routes a free-text instruction: control words act on the
// queue immediately, between loop iterations, rather than waiting in
// line behind pending work; everything else is enqueued for the
// processing loop. Enqueuing fails with queue.ErrStopped if the queue
// is stopped and hasn't been cleared yet.
func (o *Orchestrator) Submit(instruction string) error {
	if kind, ok := parser.ParseControl(instruction); ok {
		o.queue.ApplyControl(kind)
		return nil
	}
	return o.queue.Enqueue(instruction)
}

// Navigate enqueues a direct navigation, going through the same queue
// as any other instruction so the single-cursor ownership rule holds.
func (o *Orchestrator) Navigate(url string) error {
	return o.queue.Enqueue("Navigate to " + parser.NormalizeURL(url))
}

// Pause, Resume, Stop, and Clear forward to the underlying Queue's
// state machine, typically invoked directly by a transport handler as
// well as reachable through the Parser's control-word classification.
func (o *Orchestrator) Pause()  { o.queue.Pause() }
func (o *Orchestrator) Resume() { o.queue.Resume() }
func (o *Orchestrator) Stop()   { o.queue.Stop() }
func (o *Orchestrator) Clear()  { o.queue.Clear() }

// QueueStatus reports the queue's observable state for queue_status
// broadcasts and status polling.
func (o *Orchestrator) QueueStatus() queue.Status {
	return o.queue.Status()
}

// Analytics reports the Executor's cumulative LLM-fallback counters.
func (o *Orchestrator) Analytics() executor.FallbackAnalytics {
	return o.executor.FallbackAnalytics()
}

// StartRecording begins accumulating committed steps into a new Script,
// anchored at the page the browser is currently on.
func (o *Orchestrator) StartRecording(ctx context.Context, name, description string) {
	startURL := o.driver.URL(ctx)
	o.recorder.Start(name, description, startURL)
	o.events.Publish(broadcaster.KindRecordingStarted, map[string]any{
		"message": fmt.Sprintf("Recording %q started.", name),
		"name":    name,
	})
}

// StopRecording ends the active recording and persists it to the
// Store under the script's name, returning the saved Script.
func (o *Orchestrator) StopRecording(ctx context.Context) (action.Script, error) {
	script, ok := o.recorder.Stop()
	if !ok {
		return action.Script{}, fmt.Errorf("orchestrator: no active recording")
	}
	if err := o.store.Save(ctx, script); err != nil {
		return action.Script{}, fmt.Errorf("orchestrator: save script: %w", err)
	}
	o.events.Publish(broadcaster.KindRecordingStopped, map[string]any{
		"message": fmt.Sprintf("Recording %q saved with %d steps.", script.Name, len(script.Steps)),
		"script":  script,
	})
	return script, nil
}

// ReplayScript loads a stored script by name, substitutes vars into
// each step's instruction, and enqueues the resolved steps.
func (o *Orchestrator) ReplayScript(ctx context.Context, name string, vars map[string]action.Variable) error {
	script, err := o.store.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("orchestrator: load script: %w", err)
	}

	steps := make([]string, 0, len(script.Steps))
	for _, step := range script.Steps {
		resolved, unresolved, err := parser.Substitute(step.Instruction, vars)
		if err != nil {
			return fmt.Errorf("orchestrator: replay %s: unresolved variables %v: %w", name, unresolved, err)
		}
		steps = append(steps, resolved)
	}

	o.events.Publish(broadcaster.KindScriptExecutionStarted, map[string]any{
		"message":    fmt.Sprintf("Executing script %q (%d steps).", script.Name, len(steps)),
		"scriptName": script.Name,
		"steps":      len(steps),
	})
	if err := o.queue.EnqueueSteps(steps); err != nil {
		return fmt.Errorf("orchestrator: replay %s: %w", name, err)
	}
	return nil
}

// ScriptVariables reports the declared variables of a stored script so
// a client can prompt for fresh bindings before replay.
func (o *Orchestrator) ScriptVariables(ctx context.Context, name string) ([]action.Variable, error) {
	script, err := o.store.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: script variables %s: %w", name, err)
	}
	o.events.Publish(broadcaster.KindScriptVariables, map[string]any{
		"scriptName": script.Name,
		"variables":  script.Variables,
	})
	return script.Variables, nil
}

// ListScripts reports every stored script's summary.
func (o *Orchestrator) ListScripts(ctx context.Context) ([]store.ScriptSummary, error) {
	return o.store.List(ctx)
}

// DeleteScript removes a stored script by name.
func (o *Orchestrator) DeleteScript(ctx context.Context, name string) error {
	if err := o.store.Delete(ctx, name); err != nil {
		return err
	}
	o.events.Publish(broadcaster.KindScriptDeleted, map[string]any{
		"message":    fmt.Sprintf("Script %q deleted.", name),
		"scriptName": name,
	})
	return nil
}

// PageInfo reports the current page's URL, title, and interactive
// element count, both returned and broadcast as a page_info event.
func (o *Orchestrator) PageInfo(ctx context.Context) (map[string]any, error) {
	page, err := o.driver.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: page info: %w", err)
	}
	info := map[string]any{
		"url":      page.URL,
		"title":    page.Title,
		"elements": len(page.Elements),
	}
	o.events.Publish(broadcaster.KindPageInfo, map[string]any{"info": info})
	return info, nil
}

// ToggleManualMode flips manual mode, returning the new enabled state.
// Enabling fails while the queue is processing.
func (o *Orchestrator) ToggleManualMode(ctx context.Context) (bool, error) {
	return o.manual.Toggle(ctx)
}

// ManualClick dispatches a coordinate click while manual mode is on.
func (o *Orchestrator) ManualClick(ctx context.Context, x, y float64) error {
	return o.manual.Click(ctx, x, y)
}

// SyncBrowserState reconciles the orchestrator's last known page
// snapshot with whatever the page looks like now, broadcasting the
// observed changes.
func (o *Orchestrator) SyncBrowserState(ctx context.Context) (manual.Snapshot, []string, error) {
	return o.manual.Sync(ctx)
}

// Subscribe registers a new event subscriber, used by the transport
// layer to fan events out to a client connection.
func (o *Orchestrator) Subscribe() (id string, events <-chan broadcaster.Event, unsubscribe func()) {
	return o.events.Subscribe()
}
