package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Branch != "main" {
		t.Errorf("Branch = %q, want main", cfg.Branch)
	}
	if cfg.Supervisor.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.Supervisor.MaxRetries)
	}
	if cfg.Supervisor.InitialDelay != 5*time.Second {
		t.Errorf("InitialDelay = %v, want 5s", cfg.Supervisor.InitialDelay)
	}
	if cfg.Supervisor.MaxDelay != 300*time.Second {
		t.Errorf("MaxDelay = %v, want 300s", cfg.Supervisor.MaxDelay)
	}
	if cfg.Supervisor.HealthyRunThreshold != 60*time.Second {
		t.Errorf("HealthyRunThreshold = %v, want 60s", cfg.Supervisor.HealthyRunThreshold)
	}
	if len(cfg.ProbeHosts) != 3 {
		t.Errorf("ProbeHosts = %v, want 3 defaults", cfg.ProbeHosts)
	}
	if len(cfg.Supervisor.FatalExitCodes) != 1 || cfg.Supervisor.FatalExitCodes[0] != 78 {
		t.Errorf("FatalExitCodes = %v, want [78]", cfg.Supervisor.FatalExitCodes)
	}
}

func TestLoadKeyValueFile(t *testing.T) {
	path := writeConfig(t, `
# keeper configuration
WORKER_COMMAND="/opt/station/.venv/bin/python" # quoted, with comment
WORKER_ARGS=src/main.py
REPO_DIR=/opt/station
TELEGRAM_ENABLE=true
TELEGRAM_TOKEN=123:abc
TELEGRAM_CHAT_ID=-100200300
TELEGRAM_TOPIC_ID=42
MAX_RETRIES=4
FATAL_EXIT_CODES=78,64
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkerCommand != "/opt/station/.venv/bin/python" {
		t.Errorf("WorkerCommand = %q", cfg.WorkerCommand)
	}
	if len(cfg.WorkerArgs) != 1 || cfg.WorkerArgs[0] != "src/main.py" {
		t.Errorf("WorkerArgs = %v", cfg.WorkerArgs)
	}
	if cfg.RepoDir != "/opt/station" {
		t.Errorf("RepoDir = %q", cfg.RepoDir)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "123:abc" || cfg.Telegram.ChatID != "-100200300" {
		t.Errorf("Telegram = %+v", cfg.Telegram)
	}
	if cfg.Telegram.TopicID != 42 {
		t.Errorf("TopicID = %d, want 42", cfg.Telegram.TopicID)
	}
	if cfg.Supervisor.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Supervisor.MaxRetries)
	}
	want := []int{78, 64}
	if len(cfg.Supervisor.FatalExitCodes) != len(want) {
		t.Fatalf("FatalExitCodes = %v, want %v", cfg.Supervisor.FatalExitCodes, want)
	}
	for i, c := range want {
		if cfg.Supervisor.FatalExitCodes[i] != c {
			t.Errorf("FatalExitCodes[%d] = %d, want %d", i, cfg.Supervisor.FatalExitCodes[i], c)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KEEPER_WORKER_COMMAND", "/usr/bin/true")
	t.Setenv("KEEPER_MAX_RETRIES", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkerCommand != "/usr/bin/true" {
		t.Errorf("WorkerCommand = %q, want /usr/bin/true", cfg.WorkerCommand)
	}
	if cfg.Supervisor.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Supervisor.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, _ := Load("")
		cfg.WorkerCommand = "/usr/bin/true"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing worker command", func(c *Config) { c.WorkerCommand = "" }, true},
		{"missing repo dir", func(c *Config) { c.RepoDir = "" }, true},
		{"alerting enabled without token", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = "1"
		}, true},
		{"alerting enabled without chat id", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "t"
		}, true},
		{"alerting disabled without creds", func(c *Config) {
			c.Telegram.Enabled = false
		}, false},
		{"negative retries", func(c *Config) { c.Supervisor.MaxRetries = -1 }, true},
		{"max delay below initial", func(c *Config) {
			c.Supervisor.MaxDelay = time.Second
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"a,b,c", 3},
		{"a b\tc", 3},
		{"a, b,  c", 3},
		{"", 0},
		{"  ", 0},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); len(got) != tt.want {
			t.Errorf("splitList(%q) = %v, want %d items", tt.in, got, tt.want)
		}
	}
}
