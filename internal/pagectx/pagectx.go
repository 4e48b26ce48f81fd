// Package pagectx defines the driver-agnostic view of the live page that
// the Parser, Selector Engine, and Executor all consume. It is the
// boundary type described in the Design Notes: the browser driver
// builds it (multiple selector candidates, rect, attributes) so the
// rest of the orchestrator never touches a raw DOM node.
package pagectx

// Element is one candidate DOM element as reported by the browser
// driver: enough structured data for the Selector Engine to score it
// without ever touching a live handle.
type Element struct {
	Tag         string            // lowercased tag name: "button", "input", ...
	Attrs       map[string]string // id, name, class, placeholder, aria-label, title, type, tabindex...
	TextContent string
	Value       string
	X, Y        float64 // viewport-relative position of the element's top-left
	Visible     bool
	Clickable   bool // pointer cursor, or a naturally interactive tag
}

// Context is a snapshot of the live page passed to components that need
// to reason about current content without owning the browser.
type Context struct {
	URL       string
	Title     string
	Elements  []Element
	Screenshot []byte // JPEG bytes, optional
}
