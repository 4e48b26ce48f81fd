// Package ws exposes the orchestrator over a single WebSocket
// connection per client: inbound instructions and control commands as
// typed frames, outbound broadcaster.Events relayed verbatim.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devlinpx/browserflow/internal/action"
	"github.com/devlinpx/browserflow/internal/broadcaster"
	"github.com/devlinpx/browserflow/internal/orchestrator"
)

const (
	maxMessageBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = (pongWait * 9) / 10
	sendBuffer      = 64
)

// frame is the client<->server wire envelope. Only the fields relevant
// to Op are populated on inbound frames.
type frame struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Event   broadcaster.Kind `json:"event,omitempty"`
	ID      string           `json:"id,omitempty"`
	OK      bool             `json:"ok"`
	Payload any              `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Session is one live client connection.
type Session struct {
	orc  *orchestrator.Orchestrator
	conn *websocket.Conn
	send chan outFrame
	log  *slog.Logger
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, orc *orchestrator.Orchestrator, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{orc: orc, conn: conn, send: make(chan outFrame, sendBuffer), log: log}
}

// Run drives the session until the connection closes or ctx is done.
// It subscribes to the orchestrator's event broadcaster, relays events
// to the client, and dispatches inbound frames.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, events, unsubscribe := s.orc.Subscribe()
	defer unsubscribe()

	go s.relayEvents(ctx, events)
	go s.writePump(ctx)

	s.readPump(ctx, cancel)
}

func (s *Session) relayEvents(ctx context.Context, events <-chan broadcaster.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.enqueue(outFrame{Event: ev.Kind, OK: true, Payload: ev.Payload})
		}
	}
}

func (s *Session) enqueue(f outFrame) {
	select {
	case s.send <- f:
	default:
		s.log.Warn("ws: dropping frame, send buffer full", "event", f.Event)
	}
}

func (s *Session) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.enqueue(outFrame{OK: false, Error: "invalid frame: " + err.Error()})
			continue
		}
		s.dispatch(ctx, f)
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. The op vocabulary and its field
// names follow the client-facing wire contract verbatim: control flow
// (pause/resume/stop/clear/status) rides on chat_instruction control
// words, and scripts are addressed by scriptName. list_scripts and
// fallback_analytics are additive request ops beyond that contract.
func (s *Session) dispatch(ctx context.Context, f frame) {
	switch f.Op {
	case "chat_instruction":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		if err := s.orc.Submit(p.Message); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, nil)

	case "navigate":
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		if err := s.orc.Navigate(p.URL); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, nil)

	case "pause_automation":
		s.orc.Pause()
		s.respondOK(f.ID, nil)

	case "resume_automation":
		s.orc.Resume()
		s.respondOK(f.ID, nil)

	case "queue_status":
		st := s.orc.QueueStatus()
		s.respondOK(f.ID, map[string]any{
			"state":           string(st.State),
			"remaining":       st.Remaining,
			"currentIndex":    st.CurrentIndex,
			"nextInstruction": st.NextInstruction,
		})

	case "fallback_analytics":
		a := s.orc.Analytics()
		s.respondOK(f.ID, map[string]any{
			"totalFallbacks": a.TotalFallbacks,
			"successCount":   a.SuccessCount,
			"failureCount":   a.FailureCount,
			"successRate":    a.SuccessRate,
			"topErrors":      a.TopErrors,
		})

	case "start_recording":
		var p struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		s.orc.StartRecording(ctx, p.Name, p.Description)
		s.respondOK(f.ID, nil)

	case "stop_recording":
		script, err := s.orc.StopRecording(ctx)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"script": script})

	case "execute_script":
		var p struct {
			ScriptName string            `json:"scriptName"`
			Variables  map[string]string `json:"variables"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		vars := make(map[string]action.Variable, len(p.Variables))
		for name, value := range p.Variables {
			vars[name] = action.Variable{
				Name:      name,
				Value:     value,
				Type:      action.DetectType(value),
				Sensitive: action.IsSensitiveName(name),
			}
		}
		if err := s.orc.ReplayScript(ctx, p.ScriptName, vars); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, nil)

	case "delete_script":
		var p struct {
			ScriptName string `json:"scriptName"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		if err := s.orc.DeleteScript(ctx, p.ScriptName); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, nil)

	case "get_script_variables":
		var p struct {
			ScriptName string `json:"scriptName"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		vars, err := s.orc.ScriptVariables(ctx, p.ScriptName)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"scriptName": p.ScriptName, "variables": vars})

	case "list_scripts":
		scripts, err := s.orc.ListScripts(ctx)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"scripts": scripts})

	case "get_page_info":
		info, err := s.orc.PageInfo(ctx)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"info": info})

	case "toggle_manual_mode":
		enabled, err := s.orc.ToggleManualMode(ctx)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"enabled": enabled})

	case "manual_click":
		var p struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		if err := s.orc.ManualClick(ctx, p.X, p.Y); err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, nil)

	case "sync_browser_state":
		state, changes, err := s.orc.SyncBrowserState(ctx)
		if err != nil {
			s.respondErr(f.ID, err)
			return
		}
		s.respondOK(f.ID, map[string]any{"state": state, "changes": changes})

	default:
		s.enqueue(outFrame{ID: f.ID, OK: false, Error: "unknown op: " + f.Op})
	}
}

func (s *Session) respondOK(id string, payload any) {
	s.enqueue(outFrame{ID: id, OK: true, Payload: payload})
}

func (s *Session) respondErr(id string, err error) {
	s.enqueue(outFrame{ID: id, OK: false, Error: err.Error()})
}
