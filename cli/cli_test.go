package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge-io/flowforge/graph"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowforge",
		SilenceUsage: true,
	}
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validTemplateJSON = `{
  "id": "order-flow",
  "version": "1.0",
  "name": "Order flow",
  "nodes": [
    {"id": "intake", "kind": "action", "config": {"action": "noop"}},
    {"id": "review", "kind": "action", "config": {"action": "noop"}}
  ],
  "edges": [
    {"source": "intake", "target": "review"}
  ],
  "entry": "intake"
}`

const invalidTemplateJSON = `{
  "id": "broken-flow",
  "version": "1.0",
  "nodes": [
    {"id": "intake", "kind": "action", "config": {"action": "noop"}}
  ],
  "edges": [
    {"source": "intake", "target": "missing"}
  ]
}`

const validTemplateYAML = `id: order-flow
version: "1.0"
nodes:
  - id: intake
    kind: action
    config:
      action: noop
`

// --- Validate command tests ---

func TestValidate_ValidTemplateJSON(t *testing.T) {
	path := writeTestFile(t, "template.json", validTemplateJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_ValidTemplateYAML(t *testing.T) {
	path := writeTestFile(t, "template.yaml", validTemplateYAML)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_InvalidTemplateFailsWithExitCode(t *testing.T) {
	path := writeTestFile(t, "template.json", invalidTemplateJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != exitValidation {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitValidation)
	}
	if !strings.Contains(stdout, "ERROR") {
		t.Errorf("expected ERROR diagnostics in output, got: %q", stdout)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	root := newTestRoot()
	_, _, err := executeCommand(root, "validate", "/nonexistent/template.json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitFileNotFound)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "template.json", invalidTemplateJSON)
	root := newTestRoot()
	stdout, _, _ := executeCommand(root, "validate", path, "--format", "json")

	var diags []graph.Diagnostic
	if err := json.Unmarshal([]byte(stdout), &diags); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, stdout)
	}
	if len(diags) == 0 {
		t.Error("expected diagnostics in JSON output")
	}
}

func TestValidate_MalformedFileReportsParseError(t *testing.T) {
	path := writeTestFile(t, "template.json", "{not json")
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(stdout, "WF-000") {
		t.Errorf("expected WF-000 parse diagnostic, got: %q", stdout)
	}
}

// --- Config tests ---

func TestLoadConfig_ParsesDurationsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CORS_ORIGIN", "https://app.example.com")
	path := writeTestFile(t, "flowforge.yaml", `
http:
  port: 9090
  cors_origin: ${TEST_CORS_ORIGIN}
  read_timeout: 45s
engine:
  workers: 8
  backoff_base: 500ms
  backoff_cap: 1m
events:
  retention_age: 72h
  retention_count: 1000
scheduler:
  poll_interval: 10s
telemetry:
  endpoint: localhost:4318
  insecure: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("port = %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.CORSOrigin != "https://app.example.com" {
		t.Errorf("cors_origin = %q", cfg.HTTP.CORSOrigin)
	}
	if cfg.HTTP.ReadTimeout.Std() != 45*time.Second {
		t.Errorf("read_timeout = %v", cfg.HTTP.ReadTimeout.Std())
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d", cfg.Engine.Workers)
	}
	if cfg.Engine.BackoffBase.Std() != 500*time.Millisecond || cfg.Engine.BackoffCap.Std() != time.Minute {
		t.Errorf("backoff = %v/%v", cfg.Engine.BackoffBase.Std(), cfg.Engine.BackoffCap.Std())
	}
	if cfg.Events.RetentionAge.Std() != 72*time.Hour || cfg.Events.RetentionCount != 1000 {
		t.Errorf("retention = %v/%d", cfg.Events.RetentionAge.Std(), cfg.Events.RetentionCount)
	}
	if cfg.Scheduler.PollInterval.Std() != 10*time.Second {
		t.Errorf("poll_interval = %v", cfg.Scheduler.PollInterval.Std())
	}
	if cfg.Telemetry.Endpoint != "localhost:4318" || !cfg.Telemetry.Insecure {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadConfig_RejectsBadDuration(t *testing.T) {
	path := writeTestFile(t, "flowforge.yaml", "http:\n  read_timeout: soon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestDiscoverConfigPathFrom(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	// Nothing anywhere.
	path, found, err := DiscoverConfigPathFrom("", cwd, home)
	if err != nil || found {
		t.Fatalf("empty discovery: path=%q found=%v err=%v", path, found, err)
	}

	// Home config.
	homeCfg := filepath.Join(home, ".flowforge", homeConfigName)
	if err := os.MkdirAll(filepath.Dir(homeCfg), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(homeCfg, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	path, found, err = DiscoverConfigPathFrom("", cwd, home)
	if err != nil || !found || path != homeCfg {
		t.Fatalf("home discovery: path=%q found=%v err=%v", path, found, err)
	}

	// Project config wins over home.
	projCfg := filepath.Join(cwd, projectConfigName)
	if err := os.WriteFile(projCfg, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	path, found, err = DiscoverConfigPathFrom("", cwd, home)
	if err != nil || !found || path != projCfg {
		t.Fatalf("project discovery: path=%q found=%v err=%v", path, found, err)
	}

	// Explicit path that does not exist is an error.
	if _, _, err := DiscoverConfigPathFrom(filepath.Join(cwd, "missing.yaml"), cwd, home); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestResolveSQLitePath_Precedence(t *testing.T) {
	t.Setenv("FLOWFORGE_SQLITE_PATH", "/env/flowforge.db")

	got, err := resolveSQLitePath("/flag/engine.db", "/config/engine.db")
	if err != nil {
		t.Fatalf("resolveSQLitePath: %v", err)
	}
	if got != "/flag/engine.db" {
		t.Errorf("flag precedence: got %q", got)
	}

	got, _ = resolveSQLitePath("", "/config/engine.db")
	if got != "/config/engine.db" {
		t.Errorf("config precedence: got %q", got)
	}

	got, _ = resolveSQLitePath("", "")
	if got != "/env/flowforge.db" {
		t.Errorf("env precedence: got %q", got)
	}
}
