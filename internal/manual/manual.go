// Package manual lets a client drive the browser directly while the
// automation queue is idle or paused: coordinate clicks on the streamed
// frame, an explicit browser-state sync, and a snapshot anchor so the
// orchestrator can tell what changed out of band when automation takes
// the page back.
package manual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devlinpx/browserflow/internal/broadcaster"
	"github.com/devlinpx/browserflow/internal/pagectx"
	"github.com/devlinpx/browserflow/internal/screenshot"
)

// Driver is the page access the controller needs: a structured page
// description for snapshots and a coordinate click for manual input.
type Driver interface {
	Describe(ctx context.Context) (*pagectx.Context, error)
	ClickAt(ctx context.Context, x, y float64) error
}

// Snapshot anchors the page state at a point in time so later syncs can
// report what the operator changed while manual mode was on.
type Snapshot struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	CapturedAt     time.Time `json:"captured_at"`
	ScreenshotHash string    `json:"screenshot_hash,omitempty"`
}

// ErrBusy is returned when manual mode is requested while the queue is
// actively processing; the operator must pause or let it drain first.
var ErrBusy = errors.New("manual: automation is processing; pause it or wait for the queue to drain")

// ErrDisabled is returned by Click when manual mode is not enabled.
var ErrDisabled = errors.New("manual: manual mode is not enabled")

// Controller owns the manual-mode flag and the last known page
// snapshot. The allowed callback reports whether the queue currently
// permits manual access (idle or paused); the controller itself never
// touches queue state.
type Controller struct {
	mu      sync.Mutex
	enabled bool
	last    Snapshot

	driver  Driver
	differ  *screenshot.Differ
	events  *broadcaster.Router
	publish screenshot.Publisher
	allowed func() bool
	log     *slog.Logger
}

// NewController wires a Controller. publish may be nil when no frame
// surface exists (tests); events may be nil likewise.
func NewController(driver Driver, differ *screenshot.Differ, events *broadcaster.Router, publish screenshot.Publisher, allowed func() bool, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if allowed == nil {
		allowed = func() bool { return true }
	}
	return &Controller{
		driver:  driver,
		differ:  differ,
		events:  events,
		publish: publish,
		allowed: allowed,
		log:     log,
	}
}

// Enabled reports whether manual mode is currently on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// LastSnapshot returns the most recent anchor, which is the zero
// Snapshot until manual mode has been enabled or Sync has run.
func (c *Controller) LastSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Toggle flips manual mode and returns the new enabled state. Enabling
// fails with ErrBusy while the queue is processing; disabling always
// succeeds and reports the changes observed since the enable-time
// snapshot.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	if c.Enabled() {
		return false, c.disable(ctx)
	}
	if err := c.enable(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) enable(ctx context.Context) error {
	if !c.allowed() {
		return ErrBusy
	}

	snap, err := c.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("manual: enable: %w", err)
	}

	c.mu.Lock()
	c.enabled = true
	c.last = snap
	c.mu.Unlock()

	c.log.Info("manual: enabled", "url", snap.URL)
	c.emit(broadcaster.KindManualModeEnabled, map[string]any{
		"message": "Manual mode enabled. Toggle it again to leave manual mode.",
		"state":   snap,
	})
	return nil
}

func (c *Controller) disable(ctx context.Context) error {
	snap, err := c.snapshot(ctx)
	if err != nil {
		// The page may be gone; disable anyway so the queue isn't locked out.
		c.log.Warn("manual: disable snapshot failed", "error", err)
	}

	c.mu.Lock()
	changes := diff(c.last, snap)
	c.enabled = false
	if err == nil {
		c.last = snap
	}
	c.mu.Unlock()

	c.log.Info("manual: disabled", "changes", len(changes))
	c.emit(broadcaster.KindManualModeDisabled, map[string]any{
		"message": "Manual mode disabled. Automation may resume.",
		"changes": changes,
	})
	return nil
}

// Click dispatches a coordinate click while manual mode is on, then
// forces a frame broadcast so every observer sees the result without
// waiting for the cadence tick.
func (c *Controller) Click(ctx context.Context, x, y float64) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if err := c.driver.ClickAt(ctx, x, y); err != nil {
		return err
	}
	c.forceFrame(ctx)
	return nil
}

// Sync re-reads the page, reports what changed relative to the last
// known snapshot, and advances the anchor. It works regardless of the
// manual-mode flag so a client can reconcile after any out-of-band
// change.
func (c *Controller) Sync(ctx context.Context) (Snapshot, []string, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("manual: sync: %w", err)
	}

	c.mu.Lock()
	changes := diff(c.last, snap)
	c.last = snap
	c.mu.Unlock()

	c.emit(broadcaster.KindBrowserStateSynced, map[string]any{
		"message": "Browser state synced.",
		"state":   snap,
		"changes": changes,
	})
	return snap, changes, nil
}

// snapshot reads the page's URL/title and the differ's current hash
// without consuming a capture slot.
func (c *Controller) snapshot(ctx context.Context) (Snapshot, error) {
	page, err := c.driver.Describe(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		URL:        page.URL,
		Title:      page.Title,
		CapturedAt: time.Now().UTC(),
	}
	if c.differ != nil {
		snap.ScreenshotHash = c.differ.LastHash()
	}
	return snap, nil
}

// forceFrame pushes one capture past the differ's suppression, carrying
// forced=true, per the force-broadcast rule for manual clicks.
func (c *Controller) forceFrame(ctx context.Context) {
	if c.differ == nil || c.publish == nil {
		return
	}
	frame, ok, err := c.differ.Capture(true)
	if err != nil || !ok {
		return
	}
	url := ""
	if page, derr := c.driver.Describe(ctx); derr == nil {
		url = page.URL
	}
	c.publish(frame, url)
}

func (c *Controller) emit(kind broadcaster.Kind, payload map[string]any) {
	if c.events != nil {
		c.events.Publish(kind, payload)
	}
}

// diff lists the human-readable differences between two snapshots.
func diff(before, after Snapshot) []string {
	changes := []string{}
	if before.URL != after.URL && after.URL != "" {
		changes = append(changes, fmt.Sprintf("url changed: %s -> %s", before.URL, after.URL))
	}
	if before.Title != after.Title && after.Title != "" {
		changes = append(changes, fmt.Sprintf("title changed: %q -> %q", before.Title, after.Title))
	}
	if before.ScreenshotHash != after.ScreenshotHash && after.ScreenshotHash != "" && before.ScreenshotHash != "" {
		changes = append(changes, "page content changed")
	}
	return changes
}
