// Package selector implements the Selector Engine: given an element
// description, it ranks candidate DOM elements (supplied by the browser
// driver as a pagectx.Context) and emits a primary CSS selector plus
// ordered fallbacks.
package selector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/devlinpx/browserflow/internal/pagectx"
)

// Resolution is the Selector Engine's output: a primary selector, an
// ordered fallback list, and the confidence of the chosen candidate.
type Resolution struct {
	Primary    string
	Fallbacks  []string
	Confidence float64

	// SearchText and Alternatives serve the Executor's text-based retry
	// pass when all selectors fail.
	SearchText   string
	Alternatives []string
}

// Intent hints parsed from the instruction text, used by the
// context-aware strategy.
type Intent struct {
	Login  bool
	Search bool
	Submit bool
}

// DetectIntent derives Intent flags from instruction text.
func DetectIntent(instruction string) Intent {
	lower := strings.ToLower(instruction)
	return Intent{
		Login:  strings.Contains(lower, "login") || strings.Contains(lower, "log in") || strings.Contains(lower, "sign in"),
		Search: strings.Contains(lower, "search"),
		Submit: strings.Contains(lower, "submit") || strings.Contains(lower, "login") || strings.Contains(lower, "sign in"),
	}
}

const (
	thresholdExact    = 0.7
	thresholdFuzzy    = 0.3
	thresholdContext  = 0.4
	thresholdPosition = 0.6
)

var positionWords = []string{"first", "last", "top", "bottom", "left", "right"}

type scored struct {
	el    pagectx.Element
	score float64
	pr    int
}

// Resolve ranks candidate elements in page against the instruction
// description and returns a primary selector plus fallbacks.
func Resolve(description string, page *pagectx.Context) Resolution {
	if page == nil || len(page.Elements) == 0 {
		return Resolution{}
	}

	intent := DetectIntent(description)
	tokens := tokenize(description)

	candidates := visibleCandidates(page.Elements)
	if len(candidates) == 0 {
		return Resolution{}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, el := range candidates {
		score := matchScore(tokens, description, el, intent)
		ranked = append(ranked, scored{el: el, score: score, pr: priority(el)})
	}

	if hasPositionWord(description) {
		ranked = filterAndSortByPosition(ranked, description)
	} else {
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			return ranked[i].pr > ranked[j].pr
		})
	}

	if len(ranked) == 0 || ranked[0].score <= 0 {
		return Resolution{SearchText: description}
	}

	best := ranked[0]
	primary := primarySelector(best.el)
	fallbacks := fallbackSelectors(best.el, candidates)

	return Resolution{
		Primary:      primary,
		Fallbacks:    fallbacks,
		Confidence:   best.score,
		SearchText:   description,
		Alternatives: fallbacks,
	}
}

func visibleCandidates(elements []pagectx.Element) []pagectx.Element {
	out := make([]pagectx.Element, 0, len(elements))
	for _, el := range elements {
		if el.Visible {
			out = append(out, el)
		}
	}
	return out
}

// priority weighs an element by tag, identifying attributes,
// accessibility, and viewport position.
func priority(el pagectx.Element) int {
	p := 0
	switch el.Tag {
	case "button":
		p += 10
	case "input":
		p += 8
	case "select", "textarea":
		p += 7
	case "a":
		p += 6
	}

	if el.Attrs["id"] != "" {
		p += 5
	}
	if el.Attrs["data-testid"] != "" {
		p += 4
	}
	if el.Attrs["name"] != "" {
		p += 3
	}
	if el.Attrs["aria-label"] != "" {
		p += 3
	}
	if el.Attrs["placeholder"] != "" {
		p += 2
	}

	if el.Clickable {
		p += 3
	}
	if idx, err := strconv.Atoi(el.Attrs["tabindex"]); err == nil && idx >= 0 {
		p += 2
	}

	if el.Y < 500 {
		p += 2
		if el.Y < 200 {
			p += 1
		}
	}

	return p
}

// matchScore combines the four matching strategies, taking the first
// strategy to exceed its threshold.
func matchScore(tokens []string, instruction string, el pagectx.Element, intent Intent) float64 {
	if s := exactSemantic(tokens, el); s > thresholdExact {
		return s
	}
	if s := fuzzySemantic(tokens, instruction, el); s > thresholdFuzzy {
		return contextBoost(s, el, intent)
	}
	if s := contextAware(el, intent); s > thresholdContext {
		return s
	}
	// Position-based scoring only applies when the instruction names a
	// position word; otherwise it contributes nothing extra here (it is
	// handled as a whole-set re-sort in Resolve).
	return fuzzySemantic(tokens, instruction, el)
}

func exactSemantic(tokens []string, el pagectx.Element) float64 {
	best := 0.0
	check := func(attr string, weight float64) {
		v := strings.ToLower(el.Attrs[attr])
		if v == "" {
			return
		}
		for _, t := range tokens {
			if strings.Contains(v, t) {
				if weight > best {
					best = weight
				}
			}
		}
	}
	check("id", 0.9)
	check("data-testid", 0.9)
	check("name", 0.85)
	check("aria-label", 0.8)
	return best
}

var textualAttrs = []string{"placeholder", "value", "name", "id", "aria-label", "title", "class"}

func fuzzySemantic(tokens []string, instruction string, el pagectx.Element) float64 {
	haystacks := []string{strings.ToLower(el.TextContent)}
	for _, attr := range textualAttrs {
		haystacks = append(haystacks, strings.ToLower(el.Attrs[attr]))
	}

	best := 0.0
	for _, tok := range tokens {
		for _, hs := range haystacks {
			if hs == "" {
				continue
			}
			for _, word := range strings.Fields(hs) {
				if word == tok {
					best = max(best, 1.0)
				} else if len(tok) >= 3 && levenshtein(tok, word) <= 2 {
					best = max(best, 0.5)
				}
			}
		}
	}

	lower := strings.ToLower(instruction)
	for _, kw := range []string{"login", "search", "submit", "cancel", "next", "back"} {
		if strings.Contains(lower, kw) {
			for _, hs := range haystacks {
				if strings.Contains(hs, kw) {
					best += 0.2
					break
				}
			}
		}
	}

	if (el.Tag == "button" && strings.Contains(lower, "click")) ||
		(el.Tag == "input" && strings.Contains(lower, "type")) {
		best += 0.1
	}

	return best
}

// contextBoost adds the context-aware strategy's bonus on top of a
// passing fuzzy-semantic score, so an instruction's detected intent
// (login/search/submit) can still tip the ranking between two
// textually-similar candidates.
func contextBoost(score float64, el pagectx.Element, intent Intent) float64 {
	return score + contextAware(el, intent)
}

func contextAware(el pagectx.Element, intent Intent) float64 {
	score := 0.0
	typ := strings.ToLower(el.Attrs["type"])
	placeholder := strings.ToLower(el.Attrs["placeholder"])

	if intent.Login && el.Tag == "input" && (typ == "password" || typ == "email" || strings.Contains(placeholder, "email")) {
		score += 0.3
	}
	if intent.Search && el.Tag == "input" && (typ == "search" || strings.Contains(placeholder, "search")) {
		score += 0.3
	}
	if intent.Submit && el.Tag == "button" && typ == "submit" {
		score += 0.3
	}
	return score
}

func hasPositionWord(instruction string) bool {
	lower := strings.ToLower(instruction)
	for _, w := range positionWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// filterAndSortByPosition handles positional instructions: among candidates
// passing fuzzy >= 0.2, sort by the axis implied by the position word
// and keep the extremum first.
func filterAndSortByPosition(ranked []scored, instruction string) []scored {
	tokens := tokenize(instruction)
	passing := make([]scored, 0, len(ranked))
	for _, r := range ranked {
		if fuzzySemantic(tokens, instruction, r.el) >= 0.2 {
			r.score = thresholdPosition + 0.01
			passing = append(passing, r)
		}
	}
	if len(passing) == 0 {
		return ranked
	}

	lower := strings.ToLower(instruction)
	switch {
	case strings.Contains(lower, "last") || strings.Contains(lower, "bottom"):
		sort.SliceStable(passing, func(i, j int) bool { return passing[i].el.Y > passing[j].el.Y })
	case strings.Contains(lower, "right"):
		sort.SliceStable(passing, func(i, j int) bool { return passing[i].el.X > passing[j].el.X })
	case strings.Contains(lower, "left"):
		sort.SliceStable(passing, func(i, j int) bool { return passing[i].el.X < passing[j].el.X })
	default: // first, top
		sort.SliceStable(passing, func(i, j int) bool { return passing[i].el.Y < passing[j].el.Y })
	}
	return passing
}

// primarySelector builds the best single-attribute CSS selector for el.
func primarySelector(el pagectx.Element) string {
	if id := el.Attrs["id"]; id != "" {
		return "#" + cssEscape(id)
	}
	if tid := el.Attrs["data-testid"]; tid != "" {
		return fmt.Sprintf("[data-testid=%q]", tid)
	}
	if name := el.Attrs["name"]; name != "" {
		return fmt.Sprintf("%s[name=%q]", el.Tag, name)
	}
	if aria := el.Attrs["aria-label"]; aria != "" {
		return fmt.Sprintf("[aria-label=%q]", aria)
	}
	if ph := el.Attrs["placeholder"]; ph != "" {
		return fmt.Sprintf("%s[placeholder=%q]", el.Tag, ph)
	}
	if cls := firstClass(el.Attrs["class"]); cls != "" {
		return "." + cssEscape(cls)
	}
	if typ := el.Attrs["type"]; typ != "" {
		return fmt.Sprintf("%s[type=%q]", el.Tag, typ)
	}
	return el.Tag
}

// fallbackSelectors emits up to three alternates distinct from the
// primary, preferring name, then placeholder, aria-label, first
// class, tag[type], and nth-of-type.
func fallbackSelectors(el pagectx.Element, all []pagectx.Element) []string {
	primary := primarySelector(el)
	var out []string
	add := func(sel string) {
		if sel == "" || sel == primary {
			return
		}
		for _, existing := range out {
			if existing == sel {
				return
			}
		}
		out = append(out, sel)
	}

	if name := el.Attrs["name"]; name != "" {
		add(fmt.Sprintf("[name=%q]", name))
	}
	if ph := el.Attrs["placeholder"]; ph != "" {
		add(fmt.Sprintf("[placeholder=%q]", ph))
	}
	if aria := el.Attrs["aria-label"]; aria != "" {
		add(fmt.Sprintf("[aria-label=%q]", aria))
	}
	if cls := firstClass(el.Attrs["class"]); cls != "" {
		add("." + cssEscape(cls))
	}
	if typ := el.Attrs["type"]; typ != "" {
		add(fmt.Sprintf("%s[type=%q]", el.Tag, typ))
	}
	add(nthOfType(el, all))

	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// nthOfType counts same-tag elements positioned above el in the flat
// candidate list and uses that index as the sibling ordinal.
func nthOfType(el pagectx.Element, all []pagectx.Element) string {
	idx := 1
	total := 0
	for _, other := range all {
		if other.Tag != el.Tag {
			continue
		}
		total++
		if other.Y < el.Y || (other.Y == el.Y && other.X < el.X) {
			idx++
		}
	}
	if total <= 1 {
		return ""
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", el.Tag, idx)
}

func firstClass(classAttr string) string {
	fields := strings.Fields(classAttr)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func cssEscape(s string) string {
	// Minimal escaping sufficient for generated selectors: CSS
	// identifiers can't start with a digit.
	if len(s) > 0 && s[0] >= '0' && s[0] <= '9' {
		return `\3` + s[:1] + " " + s[1:]
	}
	return s
}

func tokenize(s string) []string {
	lower := strings.ToLower(s)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
