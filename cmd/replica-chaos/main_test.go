package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"-version"}, &out, io.Discard); code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}
	if !strings.Contains(out.String(), "replica-chaos version") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestListPresets(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"-list-presets"}, &out, io.Discard); code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}
	for _, name := range []string{"sweep", "counter", "counter-scroll", "crossnode", "quick"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("preset %s not listed", name)
		}
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-bogus"}},
		{"unknown preset", []string{"-sim", "3", "-preset", "nonexistent"}},
		{"no nodes", []string{"-preset", "quick"}},
		{"missing config file", []string{"-config", "/nonexistent/scenario.yaml"}},
		{"hosts and sim", []string{"-sim", "3", "-hosts", "http://localhost:6333"}},
		{"bad log level", []string{"-sim", "3", "-log-level", "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := run(tt.args, io.Discard, io.Discard); code != exitFatal {
				t.Errorf("exit code = %d, want %d", code, exitFatal)
			}
		})
	}
}

func TestRunSimClean(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"-sim", "3", "-preset", "quick", "-rounds", "3", "-transfers=false", "-seed", "7"}, &out, io.Discard)
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d\n%s", code, exitOK, out.String())
	}
	report := out.String()
	for _, want := range []string{"Scenario: quick (sweep)", "Outcome:        clean", "Seed:"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRunSimDroppedUpserts(t *testing.T) {
	path := writeConfig(t, `
preset: quick
scenario:
  rounds: 3
  driver:
    points: 200
    batch_size: 25
  checker:
    max_attempts: 3
    retry_delay: 5ms
  transfers:
    enabled: false
sim:
  nodes: 3
  drop_upserts:
    node: 1
    batches: 1
logging:
  level: error
`)

	var out bytes.Buffer
	code := run([]string{"-config", path}, &out, io.Discard)
	if code != exitInconsistent {
		t.Fatalf("exit code = %d, want %d\n%s", code, exitInconsistent, out.String())
	}
	report := out.String()
	if !strings.Contains(report, "INCONSISTENCY") {
		t.Errorf("report missing inconsistency section:\n%s", report)
	}
	if !strings.Contains(report, "missing 0..25") {
		t.Errorf("report missing diagnostics:\n%s", report)
	}
}

func TestRunSimSuspendedNode(t *testing.T) {
	path := writeConfig(t, `
preset: quick
scenario:
  rounds: 3
  driver:
    update_retries: 3
    update_retry_interval: 5ms
  transfers:
    enabled: false
sim:
  nodes: 3
  suspend:
    node: 1
logging:
  level: error
`)

	var out bytes.Buffer
	code := run([]string{"-config", path}, &out, io.Discard)
	if code != exitFatal {
		t.Fatalf("exit code = %d, want %d\n%s", code, exitFatal, out.String())
	}
	report := out.String()
	if !strings.Contains(report, "FATAL ERROR") {
		t.Errorf("report missing fatal section:\n%s", report)
	}
	if !strings.Contains(report, "sim://node-1") {
		t.Errorf("report does not name the suspended node:\n%s", report)
	}
}
