package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInitWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Config{Level: "warn", Format: "json", TimeFormat: time.RFC3339}, &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	sessionLog := WithSession("s-1")
	sessionLog.Info().Msg("hidden")
	sessionLog.Warn().Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["sessionId"] != "s-1" || entry["message"] != "shown" || entry["level"] != "warn" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestInitWriter_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(Config{Level: "loud", Format: "console", TimeFormat: time.RFC3339}, &buf)

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", zerolog.GlobalLevel())
	}
	componentLog := WithComponent("engine")
	componentLog.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || !strings.Contains(buf.String(), "engine") {
		t.Errorf("expected console line with component, got %q", buf.String())
	}
}
