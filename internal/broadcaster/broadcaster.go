// Package broadcaster fans out orchestrator events to any number of
// subscribers (WebSocket connections, loggers, test harnesses) without
// letting a slow subscriber block the publisher.
//
// One publisher, N per-subscriber buffered channels, a registry
// guarded by a mutex.
package broadcaster

import (
	"log/slog"
	"sync"

	"github.com/devlinpx/browserflow/idgen"
)

// Kind enumerates the event types of the client-facing wire protocol.
type Kind string

const (
	KindChatResponse            Kind = "chat_response"
	KindRecordingStarted        Kind = "recording_started"
	KindRecordingStopped        Kind = "recording_stopped"
	KindScriptExecutionStarted  Kind = "script_execution_started"
	KindScriptExecutionStep     Kind = "script_step"
	KindScriptExecutionComplete Kind = "script_execution_completed"
	KindScriptDeleted           Kind = "script_deleted"
	KindScriptVariables         Kind = "script_variables"
	KindActionExecuted          Kind = "action_executed"
	KindNavigationCompleted     Kind = "navigation_completed"
	KindPageInfo                Kind = "page_info"
	KindScreenshot              Kind = "screenshot"
	KindManualModeEnabled       Kind = "manual_mode_enabled"
	KindManualModeDisabled      Kind = "manual_mode_disabled"
	KindAutomationPaused        Kind = "automation_paused"
	KindAutomationResumed       Kind = "automation_resumed"
	KindBrowserStateSynced      Kind = "browser_state_synced"
	KindError                   Kind = "error"
	KindWarning                 Kind = "warning"
	KindQueueStatus             Kind = "queue_status"
)

// Event is one message broadcast to every subscriber. Payload is kept
// as an arbitrary map so callers don't need a struct per Kind and
// consumers tolerate unknown fields.
type Event struct {
	ID      string         `json:"id"`
	Kind    Kind           `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer bounds how far a slow subscriber can lag before its
// oldest unread events are dropped in favor of newer ones.
const subscriberBuffer = 256

// Router is a single-publisher, many-subscriber event fan-out.
type Router struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	gen         idgen.Generator
	log         *slog.Logger
}

// New creates a Router. gen defaults to idgen.Default; log defaults to
// slog.Default().
func New(gen idgen.Generator, log *slog.Logger) *Router {
	if gen == nil {
		gen = idgen.Default
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		subscribers: make(map[string]chan Event),
		gen:         gen,
		log:         log,
	}
}

// Subscribe registers a new subscriber and returns its channel and an
// unsubscribe function. The channel is closed when Unsubscribe runs.
func (r *Router) Subscribe() (id string, events <-chan Event, unsubscribe func()) {
	ch := make(chan Event, subscriberBuffer)
	id = r.gen()

	r.mu.Lock()
	r.subscribers[id] = ch
	r.mu.Unlock()

	return id, ch, func() { r.Unsubscribe(id) }
}

// Unsubscribe removes and closes a subscriber's channel. Safe to call
// more than once.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	ch, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish sends ev to every current subscriber. A subscriber whose
// buffer is full has its oldest event dropped to make room, so one
// stalled consumer never blocks the others or the publisher.
func (r *Router) Publish(kind Kind, payload map[string]any) {
	ev := Event{ID: r.gen(), Kind: kind, Payload: payload}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				r.log.Warn("broadcaster: dropped event for slow subscriber", "subscriber", id, "kind", kind)
			}
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}
