// Package recording implements the Recording Buffer: while a session is
// being recorded, every committed action is appended as a Step, and
// navigate/type actions are mined for candidate Variables so the saved
// Script can be replayed with different data.
package recording

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devlinpx/browserflow/internal/action"
)

// Buffer accumulates Steps for one recording session. It is not safe
// to share an *action.Action across goroutines without Buffer's lock,
// but a Buffer itself is safe for concurrent use.
type Buffer struct {
	mu          sync.Mutex
	active      bool
	name        string
	description string
	startURL    string
	steps       []action.Step
	variables   []action.Variable
	seenVars    map[string]bool // keyed by variable value; repeated data dedups
}

// New creates an idle Buffer.
func New() *Buffer {
	return &Buffer{seenVars: make(map[string]bool)}
}

// Start begins a new recording session, discarding any steps from a
// previous one that was never Stopped. startURL is the page the browser
// was on when recording began; when empty, the first recorded navigate
// fills it in.
func (b *Buffer) Start(name, description, startURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	b.name = name
	b.description = description
	b.startURL = startURL
	b.steps = nil
	b.variables = nil
	b.seenVars = make(map[string]bool)
}

// Active reports whether a recording session is in progress.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Commit appends a successfully executed action as a Step and mines it
// for variables, deduplicating by value so that two fields
// carrying the same data (e.g. a username re-typed as an email) collapse
// to one replay variable. Calling Commit while inactive is a no-op, so
// the Queue can register OnStepCommitted unconditionally.
func (b *Buffer) Commit(instruction string, act action.Action, screenshotBase64 string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}

	step := action.Step{
		Instruction:      instruction,
		Action:           act,
		Timestamp:        time.Now(),
		ScreenshotBase64: screenshotBase64,
	}
	b.steps = append(b.steps, step)

	if act.Kind == action.KindNavigate && b.startURL == "" {
		b.startURL = act.URL
	}

	for _, v := range b.extractVariables(act) {
		if b.seenVars[v.Value] {
			continue
		}
		b.seenVars[v.Value] = true
		b.variables = append(b.variables, v)
	}
}

// extractVariables mines a committed action for candidate replay
// variables: every navigate.url contributes one variable per
// decoded query parameter, and every type.text contributes one variable
// named from its field context (or var_<n> when none is known).
func (b *Buffer) extractVariables(act action.Action) []action.Variable {
	switch act.Kind {
	case action.KindNavigate:
		return b.extractFromURL(act.URL)
	case action.KindType:
		if act.Text == "" {
			return nil
		}
		name := variableNameFor(act.SearchContext, len(b.variables))
		return []action.Variable{{
			Name:      name,
			Value:     act.Text,
			Type:      action.DetectType(act.Text),
			Sensitive: action.IsSensitiveName(name),
		}}
	default:
		return nil
	}
}

// extractFromURL decodes each query parameter of a navigated URL into
// a candidate variable.
func (b *Buffer) extractFromURL(rawURL string) []action.Variable {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	query := u.Query()
	if len(query) == 0 {
		return nil
	}

	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]action.Variable, 0, len(names))
	for _, name := range names {
		values := query[name]
		if len(values) == 0 || values[0] == "" {
			continue
		}
		upper := strings.ToUpper(sanitizeIdent(name))
		vars = append(vars, action.Variable{
			Name:      upper,
			Value:     values[0],
			Type:      action.DetectType(values[0]),
			Sensitive: action.IsSensitiveName(upper),
		})
	}
	return vars
}

func variableNameFor(searchContext string, ordinal int) string {
	switch strings.ToLower(searchContext) {
	case "username", "email", "cpf":
		return "LOGIN_" + strings.ToUpper(searchContext)
	case "password":
		return "LOGIN_PASSWORD"
	case "search":
		return "SEARCH_QUERY"
	default:
		if searchContext != "" {
			return strings.ToUpper(sanitizeIdent(searchContext))
		}
		return fmt.Sprintf("var_%d", ordinal)
	}
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Stop ends the recording session and returns the accumulated Script.
// Calling Stop while inactive returns the zero Script and ok=false.
func (b *Buffer) Stop() (action.Script, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return action.Script{}, false
	}
	b.active = false

	script := action.Script{
		Name:        b.name,
		Description: b.description,
		Steps:       b.steps,
		Variables:   b.variables,
		StartURL:    b.startURL,
		CreatedAt:   time.Now(),
	}
	return script, true
}

// NormalizeHost is a small helper recording consumers use to compare
// URLs across steps without worrying about scheme/host case.
func NormalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
