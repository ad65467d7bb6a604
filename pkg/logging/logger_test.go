package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo || cfg.Pretty {
		t.Errorf("DefaultConfig() level=%s pretty=%v, want info JSON", cfg.Level, cfg.Pretty)
	}
	if cfg.File != "" {
		t.Errorf("DefaultConfig() File = %q, want console only", cfg.File)
	}
	if cfg.MaxSizeMB != 100 || cfg.MaxBackups != 5 {
		t.Errorf("DefaultConfig() rotation = %d MB / %d backups", cfg.MaxSizeMB, cfg.MaxBackups)
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	emit := func(l zerolog.Logger) {
		l.Debug().Str("bucket", "image-cache").Msg("cache hit")
		l.Info().Str("state", "claimed").Msg("lifecycle transition")
		l.Warn().Str("url", "https://app.test/app.js").Msg("precache fetch failed")
		l.Error().Msg("store unavailable")
	}

	tests := []struct {
		level   LogLevel
		want    []string
		notWant []string
	}{
		{LevelDebug, []string{"cache hit", "lifecycle transition", "precache fetch failed", "store unavailable"}, nil},
		{LevelInfo, []string{"lifecycle transition", "precache fetch failed", "store unavailable"}, []string{"cache hit"}},
		{LevelWarn, []string{"precache fetch failed", "store unavailable"}, []string{"cache hit", "lifecycle transition"}},
		{LevelError, []string{"store unavailable"}, []string{"lifecycle transition", "precache fetch failed"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			emit(Setup(Config{Level: tt.level, Output: buf}))

			out := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(out, msg) {
					t.Errorf("level %s: missing %q in %q", tt.level, msg, out)
				}
			}
			for _, msg := range tt.notWant {
				if strings.Contains(out, msg) {
					t.Errorf("level %s: %q should be filtered", tt.level, msg)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[LogLevel]zerolog.Level{
		LevelDebug: zerolog.DebugLevel,
		LevelInfo:  zerolog.InfoLevel,
		LevelWarn:  zerolog.WarnLevel,
		LevelError: zerolog.ErrorLevel,
		"":         zerolog.InfoLevel,
		"verbose":  zerolog.InfoLevel,
	}

	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewLogger_ComponentField(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("strategy")
	logger.Info().Str("bucket", "asset-cache").Msg("stored")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not a JSON line: %v (%q)", err, buf.String())
	}
	if line["component"] != "strategy" {
		t.Errorf("component = %v, want strategy", line["component"])
	}
	if line["bucket"] != "asset-cache" {
		t.Errorf("bucket = %v, want asset-cache", line["bucket"])
	}
	if line["message"] != "stored" {
		t.Errorf("message = %v, want stored", line["message"])
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger := NewLogger("engine")
	logger.Info().Msg("activated")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "activated") {
		t.Errorf("pretty output missing message: %q", out)
	}
}

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "reqcache.log")
	console := &bytes.Buffer{}

	logger := Setup(Config{
		Level:      LevelInfo,
		Output:     console,
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	logger.Info().Msg("to both outputs")
	if err := Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "to both outputs") {
		t.Errorf("file output = %q", data)
	}
	if !strings.Contains(console.String(), "to both outputs") {
		t.Errorf("console output = %q", console.String())
	}
}

func TestSetup_FileFallback(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	console := &bytes.Buffer{}

	logger := Setup(Config{
		Level:  LevelInfo,
		Output: console,
		File:   filepath.Join(blocker, "reqcache.log"),
	})
	logger.Info().Msg("still logging")

	out := console.String()
	if !strings.Contains(out, "Log file unavailable") {
		t.Errorf("expected fallback warning, got %q", out)
	}
	if !strings.Contains(out, "still logging") {
		t.Errorf("expected console output, got %q", out)
	}
}
