package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewConsoleText(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "info", Color: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = closer.Close() }()
	l.Debug("hidden")
	l.Info("started", slog.Int("pid", 42))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
	// a bytes.Buffer is not a terminal, so no ANSI escapes
	if strings.Contains(out, "\033[") {
		t.Fatalf("unexpected color codes for non-terminal: %q", out)
	}
	if !strings.Contains(out, "pid=42") {
		t.Fatalf("missing attribute: %q", out)
	}
}

func TestNewConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Format: FormatJSON}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("stopped", slog.String("state", "stopped"))
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if m["state"] != "stopped" {
		t.Fatalf("state attr = %v", m["state"])
	}
}

func TestNewFanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "portvisor.log")
	l, closer, err := New(Config{Level: "debug", File: FileConfig{Path: path}}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.With(slog.String("op", "start")).Debug("reconciled")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	for _, out := range []string{buf.String(), string(b)} {
		if !strings.Contains(out, "reconciled") || !strings.Contains(out, "op=start") {
			t.Fatalf("record missing from a destination: %q", out)
		}
	}
}

func TestNewWithoutDestination(t *testing.T) {
	if _, _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error with no console and no file")
	}
}

func TestFileWriterDefaults(t *testing.T) {
	w := FileConfig{Path: "x.log"}.writer()
	if w.MaxSize != DefaultMaxSizeMB || w.MaxBackups != DefaultMaxBackups || w.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", w)
	}
	w = FileConfig{Path: "x.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.writer()
	if w.MaxSize != 1 || w.MaxBackups != 9 || w.MaxAge != 2 || !w.Compress {
		t.Fatalf("explicit values not kept: %+v", w)
	}
}

func TestOutputSinkRotatesPreviousRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.out.log")
	sink := OutputSink{Path: path}

	f, err := sink.Open()
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_, _ = f.WriteString("first run\n")
	_ = f.Close()

	f, err = sink.Open()
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	_, _ = f.WriteString("second run\n")
	_ = f.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "second run\n" {
		t.Fatalf("current log = %q", b)
	}

	// lumberjack names backups app.out-<timestamp>.log
	deadline := time.Now().Add(time.Second)
	for {
		matches, _ := filepath.Glob(filepath.Join(dir, "app.out-*.log*"))
		if len(matches) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one backup, got %v", matches)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOutputSinkEmptyFileNotRotated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.out.log")
	sink := OutputSink{Path: path}
	for i := 0; i < 2; i++ {
		f, err := sink.Open()
		if err != nil {
			t.Fatal(err)
		}
		_ = f.Close()
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "app.out-*.log*"))
	if len(matches) != 0 {
		t.Fatalf("empty output should not be rotated: %v", matches)
	}
}

func TestOutputSinkRequiresPath(t *testing.T) {
	if _, err := (OutputSink{}).Open(); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
