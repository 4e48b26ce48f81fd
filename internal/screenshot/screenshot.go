// Package screenshot implements the Screenshot Differ: it hashes each
// captured frame and suppresses a broadcast when the page looks
// unchanged, so the client isn't flooded with redundant frames during
// idle waits.
package screenshot

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
)

// Capturer abstracts the browser driver's screenshot call so the
// Differ can be tested without a live browser.
type Capturer interface {
	CaptureJPEG() ([]byte, error)
}

// CapturerFunc adapts a plain function to Capturer.
type CapturerFunc func() ([]byte, error)

// CaptureJPEG implements Capturer.
func (f CapturerFunc) CaptureJPEG() ([]byte, error) { return f() }

// Frame is one emitted screenshot: the JPEG bytes and whether this
// frame was forced past the hash-equality suppression.
type Frame struct {
	JPEG   []byte
	Hash   string
	Forced bool
}

// Differ suppresses broadcasting a new frame when its hash matches the
// last broadcast frame, unless the caller forces it through, as
// happens after navigate/click/type and manual interaction.
type Differ struct {
	mu       sync.Mutex
	capturer Capturer
	lastHash string
}

// New creates a Differ around capturer.
func New(capturer Capturer) *Differ {
	return &Differ{capturer: capturer}
}

// Capture takes a screenshot and reports it via the returned Frame and
// ok=true, unless its hash matches the previously broadcast frame and
// force is false, in which case ok is false and no Frame is returned.
func (d *Differ) Capture(force bool) (Frame, bool, error) {
	raw, err := d.capturer.CaptureJPEG()
	if err != nil {
		return Frame{}, false, err
	}
	hash := hashOf(raw)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !force && hash == d.lastHash {
		return Frame{}, false, nil
	}
	d.lastHash = hash
	return Frame{JPEG: raw, Hash: hash, Forced: force}, true, nil
}

// LastHash reports the hash of the most recently admitted frame, or ""
// when nothing has been captured yet.
func (d *Differ) LastHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHash
}

// Reset clears the remembered hash so the next Capture always reports,
// useful when a new page/tab starts and any prior hash is stale.
func (d *Differ) Reset() {
	d.mu.Lock()
	d.lastHash = ""
	d.mu.Unlock()
}

func hashOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// ForceAfter reports whether an action of this kind forces a
// broadcast regardless of hash equality. kind is compared case-sensitively
// against the lowercase action.Kind strings, keeping this package free
// of a direct dependency on internal/action.
func ForceAfter(kind string) bool {
	switch kind {
	case "navigate", "click", "type", "manual_click":
		return true
	default:
		return false
	}
}
