package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{})

	Info().Msg("hidden")
	Warn().Str("project", "alpha").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message written at warn level: %s", out)
	}
	if !strings.Contains(out, `"project":"alpha"`) || !strings.Contains(out, "shown") {
		t.Fatalf("expected structured warn line, got %s", out)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("nonsense"); got.String() != "info" {
		t.Fatalf("parseLevel(nonsense) = %s, want info", got)
	}
	if got := parseLevel(""); got.String() != "info" {
		t.Fatalf("parseLevel(\"\") = %s, want info", got)
	}
	if got := parseLevel("DEBUG"); got.String() != "debug" {
		t.Fatalf("parseLevel(DEBUG) = %s, want debug", got)
	}
}
