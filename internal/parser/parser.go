// Package parser classifies free-text instructions into queueable work,
// per the five-rule pipeline: control words, variable-definition blocks,
// multi-step lists, single commands, and conversational guidance.
package parser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/pagectx"
)

// ErrAmbiguous is returned when no classification rule scores above
// zero. Callers must emit an error event and must not enqueue anything.
var ErrAmbiguous = errors.New("parser: instruction is ambiguous")

// ResultKind tags the variant returned by Parse.
type ResultKind string

const (
	ResultControl   ResultKind = "control"
	ResultVariables ResultKind = "variable_definitions"
	ResultMultiStep ResultKind = "multi_step"
	ResultSingle    ResultKind = "single"
	ResultGuidance  ResultKind = "guidance"
)

// ControlKind enumerates the recognized control commands.
type ControlKind string

const (
	ControlStop   ControlKind = "stop"
	ControlPause  ControlKind = "pause"
	ControlResume ControlKind = "resume"
	ControlClear  ControlKind = "clear"
	ControlStatus ControlKind = "status"
)

// Result is the tagged output of Parse. Only the fields relevant to
// Kind are populated.
type Result struct {
	Kind ResultKind

	Control ControlKind

	Variables []action.Variable

	// Steps holds raw per-step text for a MultiStep result; each entry
	// is re-parsed later by the Queue when popped.
	Steps []string

	Action *action.Action

	Response string
}

// LLMParseKind enumerates the categorical outputs of the LLM parse path.
type LLMParseKind string

const (
	LLMVariables    LLMParseKind = "variable_definitions"
	LLMMultiStep    LLMParseKind = "multi_step"
	LLMSingle       LLMParseKind = "single_command"
	LLMConversation LLMParseKind = "conversation"
)

// LLMParseResult is what an LLMParser returns.
type LLMParseResult struct {
	Kind      LLMParseKind
	Variables []action.Variable
	Steps     []string
	Command   string
	Target    string
	Value     string
	Strategy  string // id | name | label | placeholder | text | visual
	Response  string
}

// ErrNoLLM is returned by the no-op LLMParser when no LLM is configured,
// so the final classification pass always falls through to
// deterministic regex parsing.
var ErrNoLLM = errors.New("parser: no LLM configured")

// LLMParser is the optional collaborator consulted as the last
// classification resort and by
// Guidance synthesis. Per the Design Notes' "maybe-present optional
// subsystems" guidance, the core always calls it; NoLLM absorbs the
// call when no LLM is wired in.
type LLMParser interface {
	ParseWithLLM(ctx context.Context, text string, page *pagectx.Context) (LLMParseResult, error)
	Complete(ctx context.Context, prompt string) (string, error)
}

// NoLLM is the zero-value LLMParser: every call fails with ErrNoLLM.
type NoLLM struct{}

func (NoLLM) ParseWithLLM(context.Context, string, *pagectx.Context) (LLMParseResult, error) {
	return LLMParseResult{}, ErrNoLLM
}

func (NoLLM) Complete(context.Context, string) (string, error) {
	return "", ErrNoLLM
}

var _ LLMParser = NoLLM{}

// Parser classifies instruction text. It is safe for concurrent use; it
// holds no mutable state relative to a single instruction run.
type Parser struct {
	llm LLMParser
}

// New creates a Parser. llm may be nil, in which case NoLLM is used.
func New(llm LLMParser) *Parser {
	if llm == nil {
		llm = NoLLM{}
	}
	return &Parser{llm: llm}
}

// controlWords is the closed, case-insensitive control vocabulary.
var controlWords = map[string]ControlKind{
	"stop":              ControlStop,
	"stop automation":   ControlStop,
	"cancel":            ControlStop,
	"pause":             ControlPause,
	"pause automation":  ControlPause,
	"hold":              ControlPause,
	"resume":            ControlResume,
	"continue":          ControlResume,
	"resume automation": ControlResume,
	"clear":             ControlClear,
	"clear queue":       ControlClear,
	"reset":             ControlClear,
	"status":            ControlStatus,
	"queue status":      ControlStatus,
}

// ParseControl reports whether text is one of the control words,
// letting callers act on control commands immediately without going
// through the queue.
func ParseControl(text string) (ControlKind, bool) {
	kind, ok := controlWords[strings.ToLower(strings.TrimSpace(text))]
	return kind, ok
}

// Parse classifies text into a Result. It observes pageCtx but never
// mutates the browser; it is pure with respect to the queue state.
func (p *Parser) Parse(ctx context.Context, text string, pageCtx *pagectx.Context) (Result, error) {
	trimmed := strings.TrimSpace(text)

	if kind, ok := controlWords[strings.ToLower(trimmed)]; ok {
		return Result{Kind: ResultControl, Control: kind}, nil
	}

	if vars := parseVariableDefinitions(text); len(vars) >= 2 {
		return Result{Kind: ResultVariables, Variables: vars}, nil
	}

	if steps, ok := detectMultiStep(text); ok {
		return Result{Kind: ResultMultiStep, Steps: steps}, nil
	}

	if strings.HasSuffix(trimmed, "?") && len(trimmed) > 10 {
		resp := p.synthesizeGuidance(ctx, trimmed)
		return Result{Kind: ResultGuidance, Response: resp}, nil
	}

	// Last resort: LLM parse, falling back to deterministic regex rules.
	if res, err := p.llm.ParseWithLLM(ctx, text, pageCtx); err == nil {
		return fromLLMResult(res), nil
	}

	if act, ok := deterministicSingle(trimmed); ok {
		return Result{Kind: ResultSingle, Action: &act}, nil
	}

	return Result{}, fmt.Errorf("%w: %q", ErrAmbiguous, trimmed)
}

func (p *Parser) synthesizeGuidance(ctx context.Context, question string) string {
	reply, err := p.llm.Complete(ctx, "Answer briefly and helpfully: "+question)
	if err != nil || strings.TrimSpace(reply) == "" {
		return "I can help with that — try describing the action you want as a single instruction, or a numbered list of steps."
	}
	return reply
}

func fromLLMResult(res LLMParseResult) Result {
	switch res.Kind {
	case LLMVariables:
		return Result{Kind: ResultVariables, Variables: res.Variables}
	case LLMMultiStep:
		return Result{Kind: ResultMultiStep, Steps: res.Steps}
	case LLMConversation:
		return Result{Kind: ResultGuidance, Response: res.Response}
	case LLMSingle:
		act := singleCommandToAction(res.Command, res.Target, res.Value, res.Strategy)
		return Result{Kind: ResultSingle, Action: &act}
	default:
		return Result{Kind: ResultGuidance, Response: res.Response}
	}
}

func singleCommandToAction(command, target, value, strategy string) action.Action {
	switch strings.ToLower(command) {
	case "navigate", "goto", "go_to":
		return action.Action{Kind: action.KindNavigate, URL: NormalizeURL(target)}
	case "click":
		return action.Action{Kind: action.KindClick, Selector: strategySelector(target, strategy), SearchText: target}
	case "type", "fill", "enter":
		return action.Action{Kind: action.KindType, Selector: strategySelector(target, strategy), Text: value, SearchContext: inferSearchContext(target)}
	case "select":
		return action.Action{Kind: action.KindSelect, Selector: strategySelector(target, strategy), Value: value}
	case "wait":
		return action.Action{Kind: action.KindWait, DurationMs: 1000}
	case "screenshot":
		return action.Action{Kind: action.KindScreenshot}
	default:
		return action.Action{Kind: action.KindClick, SearchText: target}
	}
}

func strategySelector(target, strategy string) string {
	switch strategy {
	case "id":
		return "#" + target
	case "name":
		return fmt.Sprintf("[name=%q]", target)
	case "label", "placeholder":
		return fmt.Sprintf("[placeholder*=%q]", target)
	default:
		return ""
	}
}

// --- Variable-definition detection ------------------------------------------

// A value runs up to the next "${" or the end of the text.
var variableToken = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}\s+((?:[^$]|\$[^{]|\$$)*)`)

// parseVariableDefinitions extracts ${NAME} value pairs. Empty values
// (after trim) are dropped.
func parseVariableDefinitions(text string) []action.Variable {
	matches := variableToken.FindAllStringSubmatch(text, -1)
	vars := make([]action.Variable, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		value := strings.TrimSpace(m[2])
		if value == "" {
			continue
		}
		vars = append(vars, action.Variable{
			Name:      name,
			Value:     value,
			Type:      action.DetectType(value),
			Sensitive: action.IsSensitiveName(name),
		})
	}
	return vars
}

// --- Multi-step detection ---------------------------------------------------

var (
	numberedLine = regexp.MustCompile(`(?m)^\s*\d+\.`)
	bulletLine   = regexp.MustCompile(`(?m)^\s*[-*•]`)
	boldSegment  = regexp.MustCompile(`\*\*[^*]+\*\*`)
)

var actionKeywords = []string{
	"navigate", "go to", "visit", "open", "click", "press", "tap", "select",
	"type", "enter", "input", "fill", "wait", "login", "submit", "search", "download",
}

var informationalPattern = regexp.MustCompile(`(?i)^(leave .* as default|verify |note:|---+$|===+$|#)`)

// detectMultiStep decides whether text reads as a step list and, on
// match, splits into
// individual step strings (dropping informational lines and extracting
// URLs/credential bullets into synthesized steps).
func detectMultiStep(text string) ([]string, bool) {
	if countMatches(numberedLine, text) >= 2 {
		return splitMultiStep(text), true
	}
	if countMatches(bulletLine, text) >= 2 {
		return splitMultiStep(text), true
	}
	if len(boldSegment.FindAllString(text, -1)) >= 2 {
		return splitMultiStep(text), true
	}

	lines := nonEmptyLines(text)
	if len(lines) > 3 {
		keywordLines := 0
		for _, l := range lines {
			lower := strings.ToLower(l)
			for _, kw := range actionKeywords {
				if strings.Contains(lower, kw) {
					keywordLines++
					break
				}
			}
		}
		if keywordLines >= 2 {
			return splitMultiStep(text), true
		}
	}

	return nil, false
}

func countMatches(re *regexp.Regexp, text string) int {
	return len(re.FindAllString(text, -1))
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

var urlPattern = regexp.MustCompile(`https?://\S+`)
var credentialBullet = regexp.MustCompile(`(?i)^[\s\-*•]*([A-Za-z ]+):\s*(.+)$`)

// splitMultiStep turns raw multi-step text into individual step strings,
// dropping headings/rules/notes and synthesizing canonical phrasing for
// URLs and credential bullets.
func splitMultiStep(text string) []string {
	var steps []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if informationalPattern.MatchString(line) {
			continue
		}

		// Strip leading numbering/bullet markers.
		cleaned := numberedLine.ReplaceAllString(line, "")
		cleaned = bulletLine.ReplaceAllString(cleaned, "")
		cleaned = strings.ReplaceAll(cleaned, "**", "")
		cleaned = strings.TrimSpace(cleaned)
		if cleaned == "" {
			continue
		}

		if url := urlPattern.FindString(cleaned); url != "" && !looksLikeStep(cleaned) {
			steps = append(steps, "Navigate to "+url)
			continue
		}

		if m := credentialBullet.FindStringSubmatch(cleaned); m != nil && isCredentialField(m[1]) {
			steps = append(steps, fmt.Sprintf("Type %s in %s field", strings.TrimSpace(m[2]), strings.ToLower(strings.TrimSpace(m[1]))))
			continue
		}

		steps = append(steps, cleaned)
	}
	return steps
}

func looksLikeStep(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range actionKeywords {
		if strings.HasPrefix(lower, kw) {
			return true
		}
	}
	return false
}

func isCredentialField(label string) bool {
	lower := strings.ToLower(strings.TrimSpace(label))
	switch lower {
	case "username", "user", "login", "email", "password", "cpf":
		return true
	}
	return false
}

// --- Deterministic regex fallback -------------------------------------------

var (
	navPattern   = regexp.MustCompile(`(?i)^(?:go to|navigate to|visit|open)\s+(\S+)`)
	clickPattern = regexp.MustCompile(`(?i)^(?:click|press|tap)\s+(.+)`)
	typePattern  = regexp.MustCompile(`(?i)^(?:type|enter|input)\s+(.+)`)

	quotedPattern    = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	emailPattern     = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	formattedIDPattern = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\w{3}\.\d{2}\b`)
	passwordWordValue  = regexp.MustCompile(`(?i)password\s+(\S+)`)
	inFieldPattern     = regexp.MustCompile(`(?i)^(.*?)\s+in\s+(.+?)\s+field$`)
)

// deterministicSingle maps text to a Single action using plain regex
// rules, the path taken when no LLM is configured.
func deterministicSingle(text string) (action.Action, bool) {
	if m := navPattern.FindStringSubmatch(text); m != nil {
		return action.Action{Kind: action.KindNavigate, URL: NormalizeURL(m[1])}, true
	}
	if m := typePattern.FindStringSubmatch(text); m != nil {
		return buildTypeAction(m[1]), true
	}
	if m := clickPattern.FindStringSubmatch(text); m != nil {
		target := strings.TrimSpace(m[1])
		return action.Action{Kind: action.KindClick, SearchText: target}, true
	}
	return action.Action{}, false
}

// buildTypeAction extracts the text to type and infers the field from
// the "... in <field> field" phrasing. Extraction prefers, in order:
// a quoted substring, an email, a formatted ID, a password token, and
// finally the remaining phrase itself.
func buildTypeAction(rest string) action.Action {
	fieldHint := ""
	payload := rest
	if m := inFieldPattern.FindStringSubmatch(rest); m != nil {
		payload = m[1]
		fieldHint = strings.ToLower(strings.TrimSpace(m[2]))
	}

	text := extractTypeText(payload)
	ctxHint := fieldHint
	if ctxHint == "" {
		ctxHint = inferSearchContext(payload)
	}

	return action.Action{Kind: action.KindType, Text: text, SearchContext: ctxHint}
}

func extractTypeText(s string) string {
	if m := quotedPattern.FindStringSubmatch(s); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	if m := emailPattern.FindString(s); m != "" {
		return m
	}
	if m := formattedIDPattern.FindString(s); m != "" {
		return m
	}
	if m := passwordWordValue.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	// Phrase immediately after type/enter/input was already stripped by
	// the caller; what remains is the payload itself.
	return strings.TrimSpace(s)
}

func inferSearchContext(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "password"):
		return "password"
	case strings.Contains(lower, "email"):
		return "email"
	case strings.Contains(lower, "search"):
		return "search"
	case strings.Contains(lower, "username") || strings.Contains(lower, "user"):
		return "username"
	default:
		return ""
	}
}

// NormalizeURL prefixes https:// when the URL lacks a scheme.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

// Substitute resolves ${NAME} tokens in text against vars. It is a pure
// string rewriter per the Design Notes: unresolved tokens are reported,
// never silently left in place, so callers can raise a validation error
// at enqueue time.
func Substitute(text string, vars map[string]action.Variable) (string, []string, error) {
	var unresolved []string
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v.Value
		}
		unresolved = append(unresolved, name)
		return tok
	})
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return "", unresolved, fmt.Errorf("parser: unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return out, nil, nil
}

var tokenPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
