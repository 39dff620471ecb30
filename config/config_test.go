package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/runner"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobkit.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Runner.MaxConcurrent != 500 || cfg.Runner.TaskTimeout.Duration() != 60*time.Second {
		t.Errorf("runner defaults = %+v", cfg.Runner)
	}
	if cfg.Runner.GrowthFactor != 1.10 || cfg.Bus.Enabled() {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[runner]
max_concurrent = 25
iterations     = 3
stop_on_error  = true
task_timeout   = "90s"

[limits.openai]
rpm = 500
tpm = 30000

[cache]
path = "responses.db"

[bus]
url      = "nats://localhost:4222"
agent_id = "worker-1"

[telemetry]
endpoint    = "localhost:4318"
protocol    = "http"
events_file = "events.jsonl"

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxConcurrent != 25 || cfg.Runner.Iterations != 3 || !cfg.Runner.StopOnError {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.Runner.TaskTimeout.Duration() != 90*time.Second {
		t.Errorf("task_timeout = %v", cfg.Runner.TaskTimeout.Duration())
	}
	// Unset keys keep their defaults.
	if cfg.Runner.GrowthFactor != 1.10 || cfg.Telemetry.ServiceName != "jobkit" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if l := cfg.Limits["openai"]; l.RPM != 500 || l.TPM != 30000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if !cfg.Bus.Enabled() || cfg.Bus.AgentID != "worker-1" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.Cache.Path != "responses.db" || cfg.Telemetry.EventsFile != "events.jsonl" {
		t.Errorf("cache/telemetry = %+v %+v", cfg.Cache, cfg.Telemetry)
	}

	rc := cfg.RunnerSettings()
	want := runner.Config{MaxConcurrent: 25, Iterations: 3, StopOnError: true, TaskTimeout: 90 * time.Second, ProgressBuffer: 256}
	if rc != want {
		t.Errorf("RunnerSettings() = %+v", rc)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "[runner]\ntask_timeout = \"soon\"\n", "invalid duration"},
		{"unknown key", "[runner]\nmax_concurent = 5\n", "unknown key"},
		{"zero concurrency", "[runner]\nmax_concurrent = 0\n", "max_concurrent"},
		{"growth factor", "[runner]\ngrowth_factor = 1.0\n", "growth_factor"},
		{"bad limits", "[limits.openai]\nrpm = 10\n", "limits.openai"},
		{"bad pricing", "[pricing.openai]\nprompt = -1.0\n", "pricing.openai"},
		{"bad protocol", "[telemetry]\nprotocol = \"udp\"\n", "telemetry.protocol"},
		{"bad level", "[logging]\nlevel = \"loud\"\n", "logging.level"},
		{"not toml", "runner = [", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name        string
		concurrency string
		timeout     string
		wantMax     int
		wantTimeout time.Duration
		wantErr     bool
	}{
		{"none", "", "", 500, 60 * time.Second, false},
		{"seconds", "40", "120", 40, 120 * time.Second, false},
		{"duration", "", "1m30s", 500, 90 * time.Second, false},
		{"bad concurrency", "many", "", 0, 0, true},
		{"bad timeout", "", "forever", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvMaxConcurrent, tt.concurrency)
			t.Setenv(EnvAPITimeout, tt.timeout)

			cfg := Default()
			err := cfg.ApplyEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Runner.MaxConcurrent != tt.wantMax || cfg.Runner.TaskTimeout.Duration() != tt.wantTimeout {
				t.Errorf("runner = %+v", cfg.Runner)
			}
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "7")
	cfg, err := Load(writeConfig(t, "[runner]\nmax_concurrent = 25\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runner.MaxConcurrent != 7 {
		t.Errorf("max_concurrent = %d, want 7", cfg.Runner.MaxConcurrent)
	}
}

func TestApplyLimits(t *testing.T) {
	reg := llm.DefaultRegistry()
	cfg := Default()
	cfg.Limits["openai"] = LimitConfig{RPM: 60, TPM: 6000}
	if err := cfg.ApplyLimits(reg); err != nil {
		t.Fatal(err)
	}
	if l, ok := reg.Limits("openai/gpt-4o"); !ok || l.RPM != 60 || l.TPM != 6000 {
		t.Errorf("limits = %+v", l)
	}

	cfg.Limits["nosuch"] = LimitConfig{RPM: 1, TPM: 1}
	if err := cfg.ApplyLimits(reg); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestApplyPricing(t *testing.T) {
	reg := llm.DefaultRegistry()
	cfg := Default()
	cfg.Pricing["openai"] = PricingConfig{Prompt: 1, Completion: 4}
	if err := cfg.ApplyPricing(reg); err != nil {
		t.Fatal(err)
	}
	if p, ok := reg.Pricing("openai/gpt-4o-mini"); !ok || p.Prompt != 1 || p.Completion != 4 {
		t.Errorf("pricing = %+v", p)
	}

	cfg.Pricing["nosuch"] = PricingConfig{}
	if err := cfg.ApplyPricing(reg); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("2m")); err != nil || d.Duration() != 2*time.Minute {
		t.Fatalf("UnmarshalText = %v, %v", d.Duration(), err)
	}
	b, _ := d.MarshalText()
	if string(b) != "2m0s" {
		t.Errorf("MarshalText = %s", b)
	}
}
