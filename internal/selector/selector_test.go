package selector

import (
	"testing"

	"github.com/devlinpx/browserflow/internal/pagectx"
)

func page(elements ...pagectx.Element) *pagectx.Context {
	return &pagectx.Context{URL: "https://example.test", Elements: elements}
}

func TestResolve_ExactIDWins(t *testing.T) {
	p := page(
		pagectx.Element{Tag: "button", Attrs: map[string]string{"id": "submit-btn"}, TextContent: "Submit", Visible: true, Clickable: true},
		pagectx.Element{Tag: "button", Attrs: map[string]string{}, TextContent: "Cancel", Visible: true, Clickable: true},
	)
	res := Resolve("click submit button", p)
	if res.Primary != "#submit-btn" {
		t.Errorf("Primary = %q, want #submit-btn", res.Primary)
	}
	if res.Confidence <= thresholdExact {
		t.Errorf("Confidence = %v, want > %v", res.Confidence, thresholdExact)
	}
}

func TestResolve_ContextAwareLoginPassword(t *testing.T) {
	p := page(
		pagectx.Element{Tag: "input", Attrs: map[string]string{"type": "text", "name": "q"}, Visible: true},
		pagectx.Element{Tag: "input", Attrs: map[string]string{"type": "password", "name": "pwd"}, Visible: true},
	)
	res := Resolve("type in password field", p)
	if res.Primary != `input[name="pwd"]` {
		t.Errorf("Primary = %q, want input[name=\"pwd\"]", res.Primary)
	}
}

func TestResolve_PositionWord(t *testing.T) {
	p := page(
		pagectx.Element{Tag: "a", Attrs: map[string]string{"class": "item"}, TextContent: "link one", Visible: true, Y: 10},
		pagectx.Element{Tag: "a", Attrs: map[string]string{"class": "item"}, TextContent: "link two", Visible: true, Y: 400},
	)
	res := Resolve("click the last item link", p)
	if res.Primary != ".item" {
		t.Fatalf("Primary = %q", res.Primary)
	}
}

func TestResolve_EmptyPageReturnsEmptyResolution(t *testing.T) {
	res := Resolve("click something", page())
	if res.Primary != "" || res.SearchText != "" {
		t.Errorf("expected empty resolution for empty page, got %+v", res)
	}
}

func TestResolve_FallbacksExcludePrimary(t *testing.T) {
	p := page(
		pagectx.Element{Tag: "input", Attrs: map[string]string{
			"id": "email", "name": "email", "placeholder": "Email address", "aria-label": "Email", "class": "form-control", "type": "email",
		}, Visible: true},
	)
	res := Resolve("type in email field", p)
	for _, fb := range res.Fallbacks {
		if fb == res.Primary {
			t.Errorf("fallback %q duplicates primary", fb)
		}
	}
	if len(res.Fallbacks) == 0 {
		t.Error("expected at least one fallback")
	}
	if len(res.Fallbacks) > 3 {
		t.Errorf("got %d fallbacks, want at most 3", len(res.Fallbacks))
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"login", "login", 0},
		{"login", "logn", 1},
		{"search", "serch", 1},
		{"", "abc", 3},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q,%q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
