package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func withStderr(t *testing.T, terminal bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut, origTerm := stderr, stderrIsTerminal
	stderr = &buf
	stderrIsTerminal = func() bool { return terminal }
	t.Cleanup(func() { stderr, stderrIsTerminal = origOut, origTerm })
	return &buf
}

func TestNewJSONWhenNotTerminal(t *testing.T) {
	buf := withStderr(t, false)

	log, closer, err := New(Config{Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	log.Debug().Str("port", "/dev/ttyUSB0").Msg("connected")
	out := buf.String()
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"port":"/dev/ttyUSB0"`) {
		t.Fatalf("expected JSON line, got %q", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	buf := withStderr(t, false)

	log, _, err := New(Config{Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestNewConsoleWriter(t *testing.T) {
	buf := withStderr(t, true)

	log, _, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("ready")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "ready") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestNewWritesFile(t *testing.T) {
	withStderr(t, false)
	path := filepath.Join(t.TempDir(), "thunderfocus.log")

	log, closer, err := New(Config{File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file content %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel(""); err != nil || l != zerolog.InfoLevel {
		t.Fatalf("empty level = %v, %v", l, err)
	}
	if l, err := ParseLevel(" DEBUG "); err != nil || l != zerolog.DebugLevel {
		t.Fatalf("DEBUG = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
