package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "status", "keys", "users", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("HEROD_CONFIG", "")

	if got := resolveConfigPath("from-flag.yaml"); got != "from-flag.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want from-flag.yaml", got)
	}

	t.Setenv("HEROD_CONFIG", "from-env.yaml")
	if got := resolveConfigPath(""); got != "from-env.yaml" {
		t.Errorf("resolveConfigPath(env) = %q, want from-env.yaml", got)
	}
	if got := resolveConfigPath("from-flag.yaml"); got != "from-flag.yaml" {
		t.Errorf("flag should win over env, got %q", got)
	}

	t.Setenv("HEROD_CONFIG", "")
	if got := resolveConfigPath(""); got != "" {
		t.Errorf("resolveConfigPath() = %q, want empty", got)
	}
}

func TestLoadConfigDefaultsWhenNoPath(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\") error: %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.Server.Addr() != "127.0.0.1:8420" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:8420", cfg.Server.Addr())
	}
}

func TestResolveBaseURL(t *testing.T) {
	tests := []struct {
		name       string
		serverAddr string
		want       string
	}{
		{name: "host and port", serverAddr: "localhost:9000", want: "http://localhost:9000"},
		{name: "full url passthrough", serverAddr: "https://hero.example.com", want: "https://hero.example.com"},
		{name: "trailing slash trimmed", serverAddr: "http://localhost:9000/", want: "http://localhost:9000"},
		{name: "empty falls back to config default", serverAddr: "", want: "http://127.0.0.1:8420"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveBaseURL("", tt.serverAddr)
			if err != nil {
				t.Fatalf("resolveBaseURL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrateStatusMemoryDriver(t *testing.T) {
	t.Setenv("HEROD_CONFIG", "")

	var buf bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"migrate", "status"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate status error: %v", err)
	}
	if !strings.Contains(buf.String(), "memory store has no schema") {
		t.Errorf("output = %q, want memory-driver notice", buf.String())
	}
}

func TestMigrateUpCreatesSQLiteSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hero.db")
	cfgPath := filepath.Join(dir, "herod.yaml")
	content := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var buf bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"migrate", "up", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate up error: %v", err)
	}
	if !strings.Contains(buf.String(), "sqlite schema is created on open") {
		t.Errorf("output = %q, want sqlite notice", buf.String())
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file at %s: %v", dbPath, err)
	}
}

func TestKeysMintRejectsMemoryDriver(t *testing.T) {
	t.Setenv("HEROD_CONFIG", "")

	cmd := buildRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"keys", "mint", "--email", "ops@example.com"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for the memory driver")
	}
	if !strings.Contains(err.Error(), "memory driver") {
		t.Errorf("error = %v, want memory driver rejection", err)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"config", "schema"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("config schema error: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(buf.Bytes(), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
	if _, ok := schema["$schema"]; !ok {
		t.Errorf("schema missing $schema key: %v", schema)
	}
}

func TestStatusQueriesHealthEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","db":"ok","version":"test","uptime_seconds":61}`)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"status", "--server", ts.URL})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{"Status:   ok", "Database: ok", "Version:  test", "1m1s"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestStatusJSONOutput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","db":"error","version":"test","uptime_seconds":5}`)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"status", "--server", ts.URL, "--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status --json error: %v", err)
	}

	var health healthStatus
	if err := json.Unmarshal(buf.Bytes(), &health); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if health.DB != "error" {
		t.Errorf("DB = %q, want error", health.DB)
	}
}
