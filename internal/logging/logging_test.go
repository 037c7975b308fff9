package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", JSON: true, Output: &buf})

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func TestComponentTag(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Options{JSON: true, Output: &buf}), "bridge")
	log.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"bridge"`) {
		t.Fatalf("component field missing: %s", buf.String())
	}
}

func TestParseLevelFallback(t *testing.T) {
	if parseLevel("nonsense") != parseLevel("info") {
		t.Fatalf("unknown level should fall back to info")
	}
	if parseLevel("debug") == parseLevel("error") {
		t.Fatalf("levels should differ")
	}
}
