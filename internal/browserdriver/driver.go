// Driver turns executor.Driver calls into operations against a single
// live Rod page, and builds the pagectx.Context snapshot the Selector
// Engine and Executor's LLM fallback both consume.
package browserdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/devlinpx/browserflow/internal/executor"
	"github.com/devlinpx/browserflow/internal/pagectx"
)

const navigateTimeout = 30 * time.Second

// Settle-wait budgets for the three readiness tiers, tried in
// order from strictest to loosest after Navigate returns: each tier
// gets its own timeout, and only exhausting all three fails Goto.
const (
	networkIdleTimeout      = 30 * time.Second
	domContentLoadedTimeout = 20 * time.Second
	loadTimeout             = 15 * time.Second
)

// Driver is a executor.Driver and screenshot.Capturer backed by one
// live browser tab. Not safe for concurrent use from multiple
// goroutines beyond the single orchestrator loop that owns it.
type Driver struct {
	mgr     *Manager
	page    *rod.Page
	quality int
}

const defaultJPEGQuality = 60

// New creates a Driver around a started Manager. The first Goto call
// lazily opens the stealth page.
func New(mgr *Manager) *Driver {
	return &Driver{mgr: mgr, quality: defaultJPEGQuality}
}

// SetJPEGQuality overrides the screenshot JPEG quality (1-100).
func (d *Driver) SetJPEGQuality(q int) {
	if q > 0 && q <= 100 {
		d.quality = q
	}
}

var _ executor.Driver = (*Driver)(nil)

func (d *Driver) ensurePage() (*rod.Page, error) {
	if d.page != nil {
		return d.page, nil
	}
	b := d.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browserdriver: no active browser")
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browserdriver: create page: %w", err)
	}
	d.page = page
	return page, nil
}

// Goto navigates the tab to url, opening it lazily on first use, then
// waits for the page to settle, degrading through three readiness
// tiers.
func (d *Driver) Goto(ctx context.Context, url string) error {
	page, err := d.ensurePage()
	if err != nil {
		return err
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browserdriver: navigate %s: %w", url, err)
	}
	return d.waitSettled(ctx, page, url)
}

// waitSettled degrades through three readiness tiers, each on its own
// budget: network-idle first (the strictest signal that the page is
// done loading resources), then DOMContentLoaded, and finally the
// page's own load event. A tier that times out just falls through to
// the next one; Goto only fails if every tier does.
func (d *Driver) waitSettled(ctx context.Context, page *rod.Page, url string) error {
	idleCtx, cancel := context.WithTimeout(ctx, networkIdleTimeout)
	defer cancel()
	if err := page.Context(idleCtx).WaitIdle(time.Second); err == nil {
		return nil
	}

	domCtx, cancel2 := context.WithTimeout(ctx, domContentLoadedTimeout)
	defer cancel2()
	if err := waitReadyState(domCtx, page, "interactive"); err == nil {
		return nil
	}

	loadCtx, cancel3 := context.WithTimeout(ctx, loadTimeout)
	defer cancel3()
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		return fmt.Errorf("browserdriver: wait load %s: %w", url, err)
	}
	return nil
}

// waitReadyState polls document.readyState until it reaches want (or
// "complete", which always satisfies an earlier tier too).
func waitReadyState(ctx context.Context, page *rod.Page, want string) error {
	for {
		res, err := page.Context(ctx).Eval(`() => document.readyState`)
		if err != nil {
			return err
		}
		if state := res.Value.Str(); state == want || state == "complete" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Click tries each selector in order until one resolves to a visible,
// clickable element.
func (d *Driver) Click(ctx context.Context, selectors []string) error {
	page, err := d.ensurePage()
	if err != nil {
		return err
	}
	el, sel, err := firstMatch(ctx, page, selectors)
	if err != nil {
		return fmt.Errorf("browserdriver: click: no selector matched %v: %w", selectors, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browserdriver: click %s: %w", sel, err)
	}
	return nil
}

// Fill locates the element and types text into it, clearing any
// existing value first.
func (d *Driver) Fill(ctx context.Context, selectors []string, text string) error {
	page, err := d.ensurePage()
	if err != nil {
		return err
	}
	el, sel, err := firstMatch(ctx, page, selectors)
	if err != nil {
		return fmt.Errorf("browserdriver: fill: no selector matched %v: %w", selectors, err)
	}
	if err := el.SelectAllText(); err == nil {
		el.Input("")
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("browserdriver: fill %s: %w", sel, err)
	}
	return nil
}

// Select sets a <select> element's value.
func (d *Driver) Select(ctx context.Context, selectors []string, value string) error {
	page, err := d.ensurePage()
	if err != nil {
		return err
	}
	el, sel, err := firstMatch(ctx, page, selectors)
	if err != nil {
		return fmt.Errorf("browserdriver: select: no selector matched %v: %w", selectors, err)
	}
	if err := el.Select([]string{fmt.Sprintf("option[value=%q]", value)}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("browserdriver: select %s=%s: %w", sel, value, err)
	}
	return nil
}

func firstMatch(ctx context.Context, page *rod.Page, selectors []string) (*rod.Element, string, error) {
	var lastErr error
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		el, err := page.Context(ctx).Timeout(5 * time.Second).Element(sel)
		if err == nil {
			return el, sel, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no non-empty selector provided")
	}
	return nil, "", lastErr
}

// CaptureJPEG implements screenshot.Capturer.
func (d *Driver) CaptureJPEG() ([]byte, error) {
	page, err := d.ensurePage()
	if err != nil {
		return nil, err
	}
	format := proto.PageCaptureScreenshotFormatJpeg
	quality := d.quality
	return page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  format,
		Quality: &quality,
	})
}

// ClickAt dispatches a trusted mouse click at viewport coordinates,
// used by manual mode when the client clicks directly on the streamed
// frame rather than naming an element.
func (d *Driver) ClickAt(ctx context.Context, x, y float64) error {
	page, err := d.ensurePage()
	if err != nil {
		return err
	}
	page = page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return fmt.Errorf("browserdriver: move to (%.0f,%.0f): %w", x, y, err)
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browserdriver: click at (%.0f,%.0f): %w", x, y, err)
	}
	return nil
}

// URL reports the current page URL, or "" when no page is open yet.
func (d *Driver) URL(ctx context.Context) string {
	if d.page == nil {
		return ""
	}
	res, err := d.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Value.Str())
}

// Title reports the current page title, or "" when no page is open yet.
func (d *Driver) Title(ctx context.Context) string {
	if d.page == nil {
		return ""
	}
	res, err := d.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// describeScript enumerates candidate interactive/visible elements and
// reports them in the shape pagectx.Element expects. It intentionally
// stays conservative about which elements it reports (visible,
// reasonably sized) since the Selector Engine scores whatever this
// returns.
const describeScript = `() => {
	const out = [];
	const all = document.querySelectorAll('button, input, select, textarea, a, [role], [onclick]');
	for (const el of all) {
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) continue;
		const style = window.getComputedStyle(el);
		const visible = style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
		if (!visible) continue;

		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;

		out.push({
			tag: el.tagName.toLowerCase(),
			attrs: attrs,
			text: (el.innerText || el.textContent || '').trim().slice(0, 200),
			value: el.value || '',
			x: rect.left,
			y: rect.top,
			visible: true,
			clickable: style.cursor === 'pointer' || ['BUTTON', 'A', 'INPUT', 'SELECT'].includes(el.tagName),
		});
	}
	return JSON.stringify(out);
}`

type jsElement struct {
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs"`
	Text      string            `json:"text"`
	Value     string            `json:"value"`
	X         float64           `json:"x"`
	Y         float64           `json:"y"`
	Visible   bool              `json:"visible"`
	Clickable bool              `json:"clickable"`
}

// Describe snapshots the current page into a pagectx.Context.
func (d *Driver) Describe(ctx context.Context) (*pagectx.Context, error) {
	page, err := d.ensurePage()
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)

	res, err := page.Eval(describeScript)
	if err != nil {
		return nil, fmt.Errorf("browserdriver: describe: %w", err)
	}

	var raw []jsElement
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("browserdriver: describe: decode: %w", err)
	}

	elements := make([]pagectx.Element, 0, len(raw))
	for _, r := range raw {
		elements = append(elements, pagectx.Element{
			Tag:         r.Tag,
			Attrs:       r.Attrs,
			TextContent: r.Text,
			Value:       r.Value,
			X:           r.X,
			Y:           r.Y,
			Visible:     r.Visible,
			Clickable:   r.Clickable,
		})
	}

	titleRes, _ := page.Eval(`() => document.title`)
	urlRes, _ := page.Eval(`() => location.href`)

	return &pagectx.Context{
		URL:      strings.TrimSpace(valueOf(urlRes)),
		Title:    valueOf(titleRes),
		Elements: elements,
	}, nil
}

func valueOf(res *proto.RuntimeRemoteObject) string {
	if res == nil {
		return ""
	}
	return res.Value.Str()
}

// Close releases the underlying page handle.
func (d *Driver) Close() error {
	if d.page == nil {
		return nil
	}
	err := d.page.Close()
	d.page = nil
	return err
}
