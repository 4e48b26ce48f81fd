package parser

import (
	"context"
	"testing"

	"github.com/devlinpx/browserflow/internal/action"
)

func newParser() *Parser { return New(nil) }

func TestParse_Control(t *testing.T) {
	p := newParser()
	cases := map[string]ControlKind{
		"stop":              ControlStop,
		"Cancel":            ControlStop,
		"PAUSE":             ControlPause,
		"hold":              ControlPause,
		"resume":            ControlResume,
		"continue":          ControlResume,
		"clear queue":       ControlClear,
		"reset":             ControlClear,
		"queue status":      ControlStatus,
		"Status":            ControlStatus,
	}
	for text, want := range cases {
		res, err := p.Parse(context.Background(), text, nil)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		if res.Kind != ResultControl || res.Control != want {
			t.Errorf("Parse(%q) = %+v, want control %v", text, res, want)
		}
	}
}

func TestParse_VariableDefinitions_LoginScenario(t *testing.T) {
	p := newParser()
	text := "${LOGIN_URL} https://example.test/login ${LOGIN_CPF} 381.151.977-85 ${LOGIN_PASSWORD} Akad@2025"

	res, err := p.Parse(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultVariables {
		t.Fatalf("Kind = %v, want ResultVariables", res.Kind)
	}
	if len(res.Variables) != 3 {
		t.Fatalf("got %d variables, want 3: %+v", len(res.Variables), res.Variables)
	}
	if res.Variables[0].Name != "LOGIN_URL" || res.Variables[0].Value != "https://example.test/login" {
		t.Errorf("variable[0] = %+v", res.Variables[0])
	}
	if !res.Variables[2].Sensitive {
		t.Errorf("LOGIN_PASSWORD should be flagged sensitive")
	}
}

func TestParse_VariableDefinitions_RejectsLowercase(t *testing.T) {
	vars := parseVariableDefinitions("${lowercase} value ${ALSO_LOWER_mixed} x")
	for _, v := range vars {
		if !action.IsValidName(v.Name) {
			t.Errorf("accepted invalid name %q", v.Name)
		}
	}
}

func TestParse_VariableDefinitions_AcceptsMixedCaseDigits(t *testing.T) {
	vars := parseVariableDefinitions("${MIXED_CASE_1} hello ${OTHER_2} world")
	if len(vars) != 2 {
		t.Fatalf("got %d vars, want 2: %+v", len(vars), vars)
	}
}

func TestParse_VariableDefinitions_EmptyValueDropped(t *testing.T) {
	vars := parseVariableDefinitions("${NAME} ${OTHER} value")
	for _, v := range vars {
		if v.Name == "NAME" {
			t.Errorf("NAME should have been dropped (empty value): %+v", v)
		}
	}
}

func TestParse_MultiStep_NumberedAndBullets(t *testing.T) {
	p := newParser()
	text := "1. Navigate to https://a.test\n2. Click Sign in\n- Username: alice\n- Password: s3cret"

	res, err := p.Parse(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultMultiStep {
		t.Fatalf("Kind = %v, want ResultMultiStep", res.Kind)
	}
	want := []string{
		"Navigate to https://a.test",
		"Click Sign in",
		"Type alice in username field",
		"Type s3cret in password field",
	}
	if len(res.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d: %+v", len(res.Steps), len(want), res.Steps)
	}
	for i, s := range want {
		if res.Steps[i] != s {
			t.Errorf("step[%d] = %q, want %q", i, res.Steps[i], s)
		}
	}
}

func TestDetectMultiStep_SingleNumberedLineIsNotMultiStep(t *testing.T) {
	_, ok := detectMultiStep("1. Click the submit button")
	if ok {
		t.Error("a single numbered line must not be classified as multi-step")
	}
}

func TestParse_Guidance(t *testing.T) {
	p := newParser()
	res, err := p.Parse(context.Background(), "What does this page do exactly?", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultGuidance {
		t.Fatalf("Kind = %v, want ResultGuidance", res.Kind)
	}
	if res.Response == "" {
		t.Error("expected a non-empty guidance response")
	}
}

func TestParse_SingleNavigate(t *testing.T) {
	p := newParser()
	res, err := p.Parse(context.Background(), "go to example.test/dashboard", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultSingle || res.Action.Kind != action.KindNavigate {
		t.Fatalf("res = %+v", res)
	}
	if res.Action.URL != "https://example.test/dashboard" {
		t.Errorf("URL = %q, want normalized scheme", res.Action.URL)
	}
}

func TestParse_SingleType_QuotedText(t *testing.T) {
	p := newParser()
	res, err := p.Parse(context.Background(), `type "hello world" in search field`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultSingle || res.Action.Kind != action.KindType {
		t.Fatalf("res = %+v", res)
	}
	if res.Action.Text != "hello world" {
		t.Errorf("Text = %q", res.Action.Text)
	}
	if res.Action.SearchContext != "search" {
		t.Errorf("SearchContext = %q, want search", res.Action.SearchContext)
	}
}

func TestParse_SingleClick(t *testing.T) {
	p := newParser()
	res, err := p.Parse(context.Background(), "click Sign in", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Kind != ResultSingle || res.Action.Kind != action.KindClick {
		t.Fatalf("res = %+v", res)
	}
	if res.Action.SearchText != "Sign in" {
		t.Errorf("SearchText = %q", res.Action.SearchText)
	}
}

func TestParse_Stable(t *testing.T) {
	p := newParser()
	text := "click the login button"
	first, err := p.Parse(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second, err := p.Parse(context.Background(), text, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if first.Kind != second.Kind {
		t.Errorf("Parse not stable: %v vs %v", first.Kind, second.Kind)
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]action.Variable{
		"NAME": {Name: "NAME", Value: "Ada"},
	}
	out, unresolved, err := Substitute("Hello ${NAME}!", vars)
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if out != "Hello Ada!" {
		t.Errorf("out = %q", out)
	}
	if len(unresolved) != 0 {
		t.Errorf("unresolved = %v", unresolved)
	}
}

func TestSubstitute_Unresolved(t *testing.T) {
	_, unresolved, err := Substitute("Hello ${MISSING}!", nil)
	if err == nil {
		t.Fatal("expected error for unresolved token")
	}
	if len(unresolved) != 1 || unresolved[0] != "MISSING" {
		t.Errorf("unresolved = %v", unresolved)
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL("example.test"); got != "https://example.test" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeURL("http://example.test"); got != "http://example.test" {
		t.Errorf("got %q", got)
	}
}
