// Package executor implements the Action Executor: it dispatches a
// resolved action.Action to the browser driver, retries transient
// failures with linear backoff, and — only on the last attempt, and
// only for errors the Selector Engine itself can't recover from — asks
// an LLM fallback to locate the element from a fresh page description.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/pagectx"
	"github.com/devlinpx/browserflow/internal/screenshot"
	"github.com/devlinpx/browserflow/internal/selector"
)

// Classification buckets the driver-level causes of an execution
// failure so the retry loop and the fallback decision can reason about
// them without string matching.
type Classification string

const (
	ClassNotFound    Classification = "not_found"    // selector matched nothing
	ClassTimeout     Classification = "timeout"      // navigation/wait deadline exceeded
	ClassStructural  Classification = "structural"    // page structure changed under us
	ClassInteraction Classification = "interaction"   // element found but not clickable/fillable
	ClassNavigation  Classification = "navigation"    // Goto itself failed
	ClassUnknown     Classification = "unknown"
)

// fallbackEligible reports whether a failure of this class should be
// retried with LLM assistance on the final attempt.
func (c Classification) fallbackEligible() bool {
	return c == ClassStructural || c == ClassInteraction || c == ClassNotFound
}

// ExecutionError wraps a driver failure with its Classification and
// the attempt number it occurred on.
type ExecutionError struct {
	Class   Classification
	Attempt int
	Action  action.Action
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor: attempt %d: %s: %v", e.Attempt, e.Class, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Driver is the subset of browser control the Executor needs. The
// concrete implementation lives in internal/browserdriver; tests use a
// fake.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Click(ctx context.Context, selectors []string) error
	Fill(ctx context.Context, selectors []string, text string) error
	Select(ctx context.Context, selectors []string, value string) error
	Describe(ctx context.Context) (*pagectx.Context, error)
}

// Classifier lets a Driver implementation map its own errors onto a
// Classification; Executor falls back to ClassUnknown when nil or when
// the driver doesn't recognize the error.
type Classifier interface {
	Classify(err error) Classification
}

// LLMFallback resolves an action that the Selector Engine and driver
// both failed to execute, given a fresh page description.
type LLMFallback interface {
	Locate(ctx context.Context, description string, page *pagectx.Context) (selectorString string, err error)
}

const (
	maxAttempts  = 3
	maxBackoff   = 5 * time.Second
	backoffUnit  = time.Second
)

// Executor dispatches actions with retry and optional LLM fallback.
type Executor struct {
	driver   Driver
	fallback LLMFallback
	differ   *screenshot.Differ
	log      *slog.Logger

	analyticsMu     sync.Mutex
	fallbackUsed    int
	fallbackSuccess int
	fallbackFailure int
	fallbackErrors  map[string]int
}

// Option configures an Executor.
type Option func(*Executor)

// WithFallback installs an LLM fallback used on the final retry for
// recoverable classifications.
func WithFallback(f LLMFallback) Option { return func(e *Executor) { e.fallback = f } }

// WithScreenshotDiffer installs a Differ whose Capture is consulted
// after a successful action (mirroring the force-after-interaction
// rule from the screenshot package).
func WithScreenshotDiffer(d *screenshot.Differ) Option {
	return func(e *Executor) { e.differ = d }
}

// WithLogger overrides the default slog.Default().
func WithLogger(log *slog.Logger) Option { return func(e *Executor) { e.log = log } }

// New creates an Executor around driver.
func New(driver Driver, opts ...Option) *Executor {
	e := &Executor{driver: driver, log: slog.Default(), fallbackErrors: make(map[string]int)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is the result of a successful Execute call.
type Outcome struct {
	Action       action.Action
	Attempts     int
	UsedFallback bool
	Screenshot   *screenshot.Frame

	// Warning carries a non-fatal post-condition message (currently just
	// the navigate host-mismatch check) for the Queue to broadcast
	// alongside the otherwise-successful outcome.
	Warning string
}

// FallbackAnalytics reports fallback usage: how often the LLM
// fallback was invoked, how often the resulting selector went on to
// execute successfully, and which original errors triggered it most.
type FallbackAnalytics struct {
	TotalFallbacks int
	SuccessCount   int
	FailureCount   int
	SuccessRate    float64
	TopErrors      []string
}

const topErrorsLimit = 5

// FallbackAnalytics reports the Executor's cumulative fallback counters:
// fallback_used, fallback_success, and fallback_failure, plus a derived
// success rate and the most frequent original errors that triggered a
// fallback. Counts only ever increase; SuccessRate is 0 when no
// fallback has run yet rather than NaN.
func (e *Executor) FallbackAnalytics() FallbackAnalytics {
	e.analyticsMu.Lock()
	defer e.analyticsMu.Unlock()

	a := FallbackAnalytics{
		TotalFallbacks: e.fallbackUsed,
		SuccessCount:   e.fallbackSuccess,
		FailureCount:   e.fallbackFailure,
	}
	if e.fallbackUsed > 0 {
		a.SuccessRate = float64(e.fallbackSuccess) / float64(e.fallbackUsed)
	}

	type count struct {
		msg string
		n   int
	}
	counts := make([]count, 0, len(e.fallbackErrors))
	for msg, n := range e.fallbackErrors {
		counts = append(counts, count{msg, n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].msg < counts[j].msg
	})
	if len(counts) > topErrorsLimit {
		counts = counts[:topErrorsLimit]
	}
	for _, c := range counts {
		a.TopErrors = append(a.TopErrors, c.msg)
	}
	return a
}

func (e *Executor) recordFallbackAttempt(origErr error) {
	e.analyticsMu.Lock()
	defer e.analyticsMu.Unlock()
	e.fallbackUsed++
	if origErr != nil {
		e.fallbackErrors[origErr.Error()]++
	}
}

func (e *Executor) recordFallbackOutcome(success bool) {
	e.analyticsMu.Lock()
	defer e.analyticsMu.Unlock()
	if success {
		e.fallbackSuccess++
	} else {
		e.fallbackFailure++
	}
}

// Execute runs act against the driver, retrying up to maxAttempts
// times with linear backoff. If act is a click/type/select and every
// attempt fails with a fallback-eligible classification, the final
// attempt consults the LLM fallback (when configured) for a fresh
// selector before giving up.
func (e *Executor) Execute(ctx context.Context, act action.Action) (Outcome, error) {
	var lastErr error
	triedFallback := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return Outcome{}, err
			}
		}

		current := act
		if attempt == maxAttempts && lastErr != nil {
			if ee := asExecutionError(lastErr); ee != nil && ee.Class.fallbackEligible() && e.fallback != nil {
				e.recordFallbackAttempt(ee.Err)
				triedFallback = true
				if resolved, ferr := e.resolveWithFallback(ctx, act); ferr == nil {
					current = resolved
				} else {
					e.log.Warn("executor: LLM fallback failed", "error", ferr)
				}
			}
		}

		err := e.dispatch(ctx, current, attempt)
		if err == nil {
			if triedFallback {
				e.recordFallbackOutcome(true)
			}
			outcome := Outcome{Action: current, Attempts: attempt, UsedFallback: current.Selector != act.Selector}
			if current.Kind == action.KindNavigate {
				outcome.Warning = e.checkNavigateHost(ctx, current.URL)
			}
			if e.differ != nil {
				if frame, ok, ferr := e.differ.Capture(screenshot.ForceAfter(string(current.Kind))); ferr == nil && ok {
					outcome.Screenshot = &frame
				}
			}
			return outcome, nil
		}
		lastErr = err
		e.log.Warn("executor: attempt failed", "attempt", attempt, "kind", act.Kind, "error", err)
	}

	if triedFallback {
		e.recordFallbackOutcome(false)
	}
	return Outcome{}, lastErr
}

// checkNavigateHost validates a completed navigation: the
// final page's hostname must contain the navigated-to hostname, modulo
// a "www." prefix on either side. A mismatch (redirect off-host) is
// reported as a warning string rather than failing the action —
// navigation itself already succeeded.
func (e *Executor) checkNavigateHost(ctx context.Context, navigatedURL string) string {
	wantHost := normalizeHost(navigatedURL)
	if wantHost == "" {
		return ""
	}
	page, err := e.driver.Describe(ctx)
	if err != nil || page == nil || page.URL == "" {
		return ""
	}
	gotHost := normalizeHost(page.URL)
	if gotHost == "" || strings.Contains(gotHost, wantHost) || strings.Contains(wantHost, gotHost) {
		return ""
	}
	return fmt.Sprintf("executor: navigated to %s, expected host containing %s, redirected to %s", navigatedURL, wantHost, page.URL)
}

func normalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func (e *Executor) resolveWithFallback(ctx context.Context, act action.Action) (action.Action, error) {
	page, err := e.driver.Describe(ctx)
	if err != nil {
		return act, err
	}
	if e.differ != nil && len(page.Screenshot) == 0 {
		if frame, ok, ferr := e.differ.Capture(true); ferr == nil && ok {
			page.Screenshot = frame.JPEG
		}
	}
	desc := act.SearchText
	if desc == "" {
		desc = act.Selector
	}
	sel, err := e.fallback.Locate(ctx, desc, page)
	if err != nil {
		return act, err
	}
	resolved := act
	resolved.Selector = sel
	return resolved, nil
}

func (e *Executor) dispatch(ctx context.Context, act action.Action, attempt int) error {
	selectors := candidateSelectors(act)

	var err error
	switch act.Kind {
	case action.KindNavigate:
		err = e.driver.Goto(ctx, act.URL)
		if err != nil {
			return e.classify(act, attempt, ClassNavigation, err)
		}
		return nil
	case action.KindClick:
		err = e.driver.Click(ctx, selectors)
		if err != nil && act.SearchText != "" {
			if terr := e.textClick(ctx, act.SearchText); terr == nil {
				err = nil
			}
		}
	case action.KindType:
		err = e.driver.Fill(ctx, selectors, act.Text)
	case action.KindSelect:
		err = e.driver.Select(ctx, selectors, act.Value)
	case action.KindWait:
		return sleepCtx(ctx, time.Duration(act.DurationMs)*time.Millisecond)
	case action.KindScreenshot:
		return nil
	default:
		return fmt.Errorf("executor: unknown action kind %q", act.Kind)
	}

	if err == nil {
		return nil
	}
	return e.classify(act, attempt, e.classOf(err), err)
}

func candidateSelectors(act action.Action) []string {
	sels := make([]string, 0, 1+len(act.FallbackSelectors))
	if act.Selector != "" {
		sels = append(sels, act.Selector)
	}
	sels = append(sels, act.FallbackSelectors...)
	if len(sels) == 0 && act.Kind == action.KindType {
		sels = append(sels, canonicalInputSelectors(act.SearchContext)...)
	}
	return sels
}

// canonicalInputSelectors maps a type action's field context onto the
// conventional input selectors for that field, used when no selector
// was resolved from the page.
func canonicalInputSelectors(searchContext string) []string {
	switch strings.ToLower(searchContext) {
	case "username":
		return []string{`input[autocomplete="username"]`, `input[name*="user"]`, `input[type="text"]`}
	case "password":
		return []string{`input[type="password"]`}
	case "email":
		return []string{`input[type="email"]`, `input[name*="email"]`}
	case "search":
		return []string{`input[type="search"]`, `input[placeholder*="search"]`}
	case "cpf":
		return []string{`input[name*="cpf"]`, `input[id*="cpf"]`}
	}
	return nil
}

// textClick is the text-based pass: when every selector failed,
// scan the visible elements whose text, placeholder, value, aria-label,
// or title contains the search text and click the first match via a
// freshly derived selector.
func (e *Executor) textClick(ctx context.Context, searchText string) error {
	page, err := e.driver.Describe(ctx)
	if err != nil {
		return err
	}

	needle := strings.ToLower(searchText)
	for _, el := range page.Elements {
		if !el.Visible {
			continue
		}
		hay := strings.ToLower(strings.Join([]string{
			el.TextContent, el.Attrs["placeholder"], el.Value, el.Attrs["aria-label"], el.Attrs["title"],
		}, " "))
		if !strings.Contains(hay, needle) {
			continue
		}
		res := selector.Resolve(searchText, &pagectx.Context{URL: page.URL, Elements: []pagectx.Element{el}})
		if res.Primary == "" {
			continue
		}
		return e.driver.Click(ctx, append([]string{res.Primary}, res.Fallbacks...))
	}
	return fmt.Errorf("executor: no visible element matching %q", searchText)
}

func (e *Executor) classOf(err error) Classification {
	if c, ok := e.driver.(Classifier); ok {
		if class := c.Classify(err); class != "" {
			return class
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassNotFound
	}
}

func (e *Executor) classify(act action.Action, attempt int, class Classification, err error) error {
	return &ExecutionError{Class: class, Attempt: attempt, Action: act, Err: err}
}

func asExecutionError(err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt-1) * backoffUnit
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
