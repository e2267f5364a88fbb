package main

import (
	"log/slog"
	"testing"

	"github.com/lumenwell/anchor/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLogLevel(tc.input); got != tc.want {
			t.Errorf("parseLogLevel(%q): expected %v, got %v", tc.input, tc.want, got)
		}
	}
}

func TestNewLogHandler(t *testing.T) {
	if _, ok := newLogHandler(config.LogConfig{Format: "text"}).(*slog.TextHandler); !ok {
		t.Error("Expected text handler for text format")
	}
	if _, ok := newLogHandler(config.LogConfig{Format: "json"}).(*slog.JSONHandler); !ok {
		t.Error("Expected JSON handler for json format")
	}
	if _, ok := newLogHandler(config.LogConfig{}).(*slog.JSONHandler); !ok {
		t.Error("Expected JSON handler by default")
	}
}
