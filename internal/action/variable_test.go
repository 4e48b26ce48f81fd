package action

import "testing"

func TestIsValidName(t *testing.T) {
	cases := map[string]bool{
		"LOGIN_URL":     true,
		"MIXED_CASE_1":  true,
		"_UNDER":        true,
		"lowercase":     false,
		"Mixed_Case":    false,
		"1STARTSNUMBER": false,
		"":              false,
	}
	for name, want := range cases {
		if got := IsValidName(name); got != want {
			t.Errorf("IsValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsSensitiveName(t *testing.T) {
	if !IsSensitiveName("LOGIN_PASSWORD") {
		t.Error("LOGIN_PASSWORD should be sensitive")
	}
	if !IsSensitiveName("API_TOKEN") {
		t.Error("API_TOKEN should be sensitive")
	}
	if IsSensitiveName("LOGIN_CPF") {
		t.Error("LOGIN_CPF should not be sensitive")
	}
}

func TestRedacted(t *testing.T) {
	v := Variable{Name: "LOGIN_PASSWORD", Value: "Akad@2025"}
	if got := v.Redacted(); got == v.Value {
		t.Errorf("Redacted() leaked value: %q", got)
	}

	v2 := Variable{Name: "LOGIN_CPF", Value: "381.151.977-85"}
	if got := v2.Redacted(); got != v2.Value {
		t.Errorf("Redacted() on non-sensitive var changed value: %q", got)
	}
}

func TestDetectType(t *testing.T) {
	cases := map[string]VariableType{
		"42":                     VarNumber,
		"3.14":                   VarNumber,
		"user@example.test":      VarEmail,
		"2026-07-29":             VarDate,
		"07/29/2026":             VarDate,
		"https://example.test":   VarURL,
		"hello world":            VarText,
		"":                       VarText,
	}
	for value, want := range cases {
		if got := DetectType(value); got != want {
			t.Errorf("DetectType(%q) = %q, want %q", value, got, want)
		}
	}
}
