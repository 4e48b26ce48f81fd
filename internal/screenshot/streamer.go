package screenshot

import (
	"context"
	"log/slog"
	"time"
)

// Publisher delivers an emitted Frame (plus the page URL it was taken
// on) to whatever event surface the host wires in. The Streamer and the
// manual-mode controller both publish through one of these so every
// screenshot event carries the same payload shape.
type Publisher func(frame Frame, pageURL string)

// URLFunc reports the current page URL for a captured frame. It may
// return "" when no page is open yet.
type URLFunc func(ctx context.Context) string

const defaultCadence = time.Second

// Streamer drives the Differ on a fixed cadence, publishing only the
// frames the Differ lets through. One Streamer runs per orchestrator;
// forced captures (after navigate/click/type or a manual click) go
// through the same Differ out of band, so the cadence loop naturally
// suppresses its next tick when nothing changed since.
type Streamer struct {
	differ  *Differ
	cadence time.Duration
	pageURL URLFunc
	publish Publisher
	log     *slog.Logger
}

// NewStreamer creates a Streamer. cadence defaults to one second;
// pageURL may be nil, in which case frames carry an empty URL.
func NewStreamer(differ *Differ, cadence time.Duration, pageURL URLFunc, publish Publisher, log *slog.Logger) *Streamer {
	if cadence <= 0 {
		cadence = defaultCadence
	}
	if log == nil {
		log = slog.Default()
	}
	if pageURL == nil {
		pageURL = func(context.Context) string { return "" }
	}
	return &Streamer{differ: differ, cadence: cadence, pageURL: pageURL, publish: publish, log: log}
}

// Run captures on the cadence until ctx is done. Capture errors are
// logged and skipped; the browser may simply not have a page open yet.
func (s *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok, err := s.differ.Capture(false)
			if err != nil {
				s.log.Debug("screenshot: cadence capture failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			s.publish(frame, s.pageURL(ctx))
		}
	}
}
