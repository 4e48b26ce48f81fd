// Package action defines the atomic data model of the automation
// orchestrator: the Action a queue item resolves to, the QueueItem that
// wraps it with provenance, and the Script/Variable types used for
// recording and replay.
package action

import "time"

// Kind identifies the tagged variant of an Action.
type Kind string

const (
	KindNavigate   Kind = "navigate"
	KindClick      Kind = "click"
	KindType       Kind = "type"
	KindSelect     Kind = "select"
	KindWait       Kind = "wait"
	KindScreenshot Kind = "screenshot"
)

// Action is the atomic unit of browser execution. Only the fields
// relevant to Kind are populated; the zero value of the rest is
// ignored by the executor.
type Action struct {
	Kind Kind `json:"kind"`

	// navigate
	URL string `json:"url,omitempty"`

	// click / type
	Selector           string   `json:"selector,omitempty"`
	FallbackSelectors  []string `json:"fallback_selectors,omitempty"`
	SearchText         string   `json:"search_text,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	SearchContext      string   `json:"search_context,omitempty"` // "username" | "password" | "email" | "search"

	// type
	Text string `json:"text,omitempty"`

	// select
	Value string `json:"value,omitempty"`

	// wait
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// HasSelectorOrSearch reports whether the action carries enough
// information for the Selector Engine / Executor to locate an element:
// every click/type action needs a selector or a searchText (or both).
func (a Action) HasSelectorOrSearch() bool {
	switch a.Kind {
	case KindClick, KindType:
		return a.Selector != "" || a.SearchText != "" || len(a.FallbackSelectors) > 0
	default:
		return true
	}
}

// Origin records where a QueueItem came from.
type Origin string

const (
	OriginSingle          Origin = "single"
	OriginMultiStep       Origin = "multi-step"
	OriginVariableDerived Origin = "generated-from-variables"
	OriginLLMParsed       Origin = "llm-parsed"
)

// QueueItem is a pending (or resolved) unit of work. Action may be nil
// until the queue pops it and asks the parser to resolve it against
// live page context.
type QueueItem struct {
	Instruction string
	Action      *Action
	Origin      Origin
	AddedAt     time.Time
}

// VariableType classifies a Variable's value for display, redaction,
// and extraction purposes.
type VariableType string

const (
	VarText   VariableType = "text"
	VarNumber VariableType = "number"
	VarEmail  VariableType = "email"
	VarDate   VariableType = "date"
	VarURL    VariableType = "url"
)

// Variable is a named, typed placeholder substituted into action text.
type Variable struct {
	Name        string       `json:"name"`
	Value       string       `json:"value"`
	Type        VariableType `json:"type"`
	Description string       `json:"description,omitempty"`
	Sensitive   bool         `json:"sensitive,omitempty"`
}

// Step is one recorded entry in a saved Script.
type Step struct {
	Instruction      string    `json:"instruction"`
	Action           Action    `json:"action"`
	Timestamp        time.Time `json:"timestamp"`
	ScreenshotBase64 string    `json:"screenshot,omitempty"`
}

// Script is a persistently stored, parameterized sequence of actions.
type Script struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Steps       []Step     `json:"steps"`
	Variables   []Variable `json:"variables"`
	StartURL    string     `json:"start_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
