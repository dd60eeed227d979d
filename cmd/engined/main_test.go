package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"engined/internal/events"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if _, err := newLogger("loud", "json", &buf); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := newLogger("info", "xml", &buf); err == nil {
		t.Fatal("expected format error")
	}
}

func TestEventLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log, _ := newLogger("info", "json", &buf)
	l := eventLogger{log: log}
	l.Publish(events.Event{Name: "session_lost", Provider: "llama-cpp", ModelID: "llama3", Fields: map[string]any{"cause": "killed"}})
	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"model":"llama3"`, `"cause":"killed"`, `"message":"session_lost"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestEnginesCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engined.yaml")
	yaml := `data_folder: ` + dir + `
engines:
  - provider: llama-cpp
    executable: /opt/engines/llama-server
  - provider: openai
    api_base_url: https://api.openai.com/v1
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"engines", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	for _, want := range []string{"llama-cpp", "local", "127.0.0.1:3928", "openai", "remote", "https://api.openai.com/v1"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("got %q", out.String())
	}
}

func TestCompletionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"completion", "bash"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "engined") {
		t.Fatalf("unexpected completion script")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("log_format = \"xml\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--config", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "log_format") {
		t.Fatalf("expected log_format error, got %v", err)
	}
}
