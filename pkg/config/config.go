package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Telegram holds alerting credentials
type Telegram struct {
	Enabled bool
	Token   string
	ChatID  string
	TopicID int // optional sub-thread, 0 = none
}

// Supervisor holds the restart policy knobs. The 60s healthy-run threshold
// and the 10-attempt cap come from the previous generation of this tool;
// they are exposed here rather than hard-coded.
type Supervisor struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	HealthyRunThreshold time.Duration
	FatalExitCodes      []int
}

// Config is the effective keeper configuration
type Config struct {
	RepoDir          string
	Branch           string
	ManifestFile     string
	WorkerCommand    string
	WorkerArgs       []string
	RequiredPackages []string
	ProbeHosts       []string
	ProbeTimeout     time.Duration
	MetricsAddr      string
	LogLevel         string
	Telegram         Telegram
	Supervisor       Supervisor
}

// DefaultPath is where keeper looks for its config file when --config is not given.
const DefaultPath = "/etc/keeper/keeper.conf"

// Load reads the KEY=VALUE config file at path (optional quoting, trailing
// '#' comments) and applies KEEPER_* environment overrides. A missing file
// is not an error; required keys are checked by Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("env")

	v.SetDefault("BRANCH", "main")
	v.SetDefault("MANIFEST_FILE", "requirements.txt")
	v.SetDefault("PROBE_HOSTS", "1.1.1.1:53,8.8.8.8:53,github.com:443")
	v.SetDefault("PROBE_TIMEOUT_SECONDS", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_RETRIES", 10)
	v.SetDefault("INITIAL_DELAY_SECONDS", 5)
	v.SetDefault("MAX_DELAY_SECONDS", 300)
	v.SetDefault("HEALTHY_RUN_SECONDS", 60)
	v.SetDefault("FATAL_EXIT_CODES", "78")
	v.SetDefault("REQUIRED_PACKAGES", "git,python3,python3-venv")

	v.SetEnvPrefix("KEEPER")
	v.AutomaticEnv()
	for _, key := range []string{
		"REPO_DIR", "BRANCH", "MANIFEST_FILE",
		"WORKER_COMMAND", "WORKER_ARGS", "REQUIRED_PACKAGES",
		"PROBE_HOSTS", "PROBE_TIMEOUT_SECONDS", "METRICS_ADDR", "LOG_LEVEL",
		"TELEGRAM_ENABLE", "TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_TOPIC_ID",
		"MAX_RETRIES", "INITIAL_DELAY_SECONDS", "MAX_DELAY_SECONDS",
		"HEALTHY_RUN_SECONDS", "FATAL_EXIT_CODES",
	} {
		v.BindEnv(key, "KEEPER_"+key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	repoDir := v.GetString("REPO_DIR")
	if repoDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		repoDir = wd
	}

	fatalCodes, err := parseIntList(v.GetString("FATAL_EXIT_CODES"))
	if err != nil {
		return nil, fmt.Errorf("invalid FATAL_EXIT_CODES: %w", err)
	}

	cfg := &Config{
		RepoDir:          repoDir,
		Branch:           v.GetString("BRANCH"),
		ManifestFile:     v.GetString("MANIFEST_FILE"),
		WorkerCommand:    v.GetString("WORKER_COMMAND"),
		WorkerArgs:       splitList(v.GetString("WORKER_ARGS")),
		RequiredPackages: splitList(v.GetString("REQUIRED_PACKAGES")),
		ProbeHosts:       splitList(v.GetString("PROBE_HOSTS")),
		ProbeTimeout:     time.Duration(v.GetInt("PROBE_TIMEOUT_SECONDS")) * time.Second,
		MetricsAddr:      v.GetString("METRICS_ADDR"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		Telegram: Telegram{
			Enabled: v.GetBool("TELEGRAM_ENABLE"),
			Token:   v.GetString("TELEGRAM_TOKEN"),
			ChatID:  v.GetString("TELEGRAM_CHAT_ID"),
			TopicID: v.GetInt("TELEGRAM_TOPIC_ID"),
		},
		Supervisor: Supervisor{
			MaxRetries:          v.GetInt("MAX_RETRIES"),
			InitialDelay:        time.Duration(v.GetInt("INITIAL_DELAY_SECONDS")) * time.Second,
			MaxDelay:            time.Duration(v.GetInt("MAX_DELAY_SECONDS")) * time.Second,
			HealthyRunThreshold: time.Duration(v.GetInt("HEALTHY_RUN_SECONDS")) * time.Second,
			FatalExitCodes:      fatalCodes,
		},
	}

	return cfg, nil
}

// Validate checks the keys the supervisor cannot start without.
func (c *Config) Validate() error {
	if c.WorkerCommand == "" {
		return fmt.Errorf("WORKER_COMMAND is required")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("REPO_DIR is required")
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("TELEGRAM_TOKEN is required when TELEGRAM_ENABLE is set")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_ENABLE is set")
		}
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.Supervisor.InitialDelay <= 0 || c.Supervisor.MaxDelay < c.Supervisor.InitialDelay {
		return fmt.Errorf("delay bounds invalid: initial=%v max=%v",
			c.Supervisor.InitialDelay, c.Supervisor.MaxDelay)
	}
	return nil
}

// splitList splits a comma or whitespace separated list value.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseIntList(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
