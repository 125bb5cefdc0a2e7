package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stationops/keeper/pkg/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after defaults and environment overrides",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file without starting anything",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "table",
		"Output format: table, yaml, json")
}

// effectiveConfig is the redacted view of the configuration for display.
type effectiveConfig struct {
	RepoDir          string   `json:"repo_dir" yaml:"repo_dir"`
	Branch           string   `json:"branch" yaml:"branch"`
	ManifestFile     string   `json:"manifest_file" yaml:"manifest_file"`
	WorkerCommand    string   `json:"worker_command" yaml:"worker_command"`
	WorkerArgs       []string `json:"worker_args,omitempty" yaml:"worker_args,omitempty"`
	RequiredPackages []string `json:"required_packages" yaml:"required_packages"`
	ProbeHosts       []string `json:"probe_hosts" yaml:"probe_hosts"`
	ProbeTimeout     string   `json:"probe_timeout" yaml:"probe_timeout"`
	MetricsAddr      string   `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	LogLevel         string   `json:"log_level" yaml:"log_level"`

	TelegramEnabled bool   `json:"telegram_enabled" yaml:"telegram_enabled"`
	TelegramToken   string `json:"telegram_token,omitempty" yaml:"telegram_token,omitempty"`
	TelegramChatID  string `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`
	TelegramTopicID int    `json:"telegram_topic_id,omitempty" yaml:"telegram_topic_id,omitempty"`

	MaxRetries          int    `json:"max_retries" yaml:"max_retries"`
	InitialDelay        string `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay            string `json:"max_delay" yaml:"max_delay"`
	HealthyRunThreshold string `json:"healthy_run_threshold" yaml:"healthy_run_threshold"`
	FatalExitCodes      []int  `json:"fatal_exit_codes" yaml:"fatal_exit_codes"`
}

func redact(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + strings.Repeat("*", 4)
}

func effectiveView(cfg *config.Config) effectiveConfig {
	return effectiveConfig{
		RepoDir:          cfg.RepoDir,
		Branch:           cfg.Branch,
		ManifestFile:     cfg.ManifestFile,
		WorkerCommand:    cfg.WorkerCommand,
		WorkerArgs:       cfg.WorkerArgs,
		RequiredPackages: cfg.RequiredPackages,
		ProbeHosts:       cfg.ProbeHosts,
		ProbeTimeout:     cfg.ProbeTimeout.String(),
		MetricsAddr:      cfg.MetricsAddr,
		LogLevel:         cfg.LogLevel,

		TelegramEnabled: cfg.Telegram.Enabled,
		TelegramToken:   redact(cfg.Telegram.Token),
		TelegramChatID:  cfg.Telegram.ChatID,
		TelegramTopicID: cfg.Telegram.TopicID,

		MaxRetries:          cfg.Supervisor.MaxRetries,
		InitialDelay:        cfg.Supervisor.InitialDelay.String(),
		MaxDelay:            cfg.Supervisor.MaxDelay.String(),
		HealthyRunThreshold: cfg.Supervisor.HealthyRunThreshold.String(),
		FatalExitCodes:      cfg.Supervisor.FatalExitCodes,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	view := effectiveView(cfg)

	switch configOutput {
	case "json":
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Println(string(out))
	case "yaml":
		out, err := yaml.Marshal(view)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(out))
	case "table":
		codes := make([]string, len(view.FatalExitCodes))
		for i, c := range view.FatalExitCodes {
			codes[i] = strconv.Itoa(c)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Setting", "Value")
		table.Append([]string{"Repo Dir", view.RepoDir})
		table.Append([]string{"Branch", view.Branch})
		table.Append([]string{"Manifest", view.ManifestFile})
		table.Append([]string{"Worker Command", strings.TrimSpace(view.WorkerCommand + " " + strings.Join(view.WorkerArgs, " "))})
		table.Append([]string{"Required Packages", strings.Join(view.RequiredPackages, ", ")})
		table.Append([]string{"Probe Hosts", strings.Join(view.ProbeHosts, ", ")})
		table.Append([]string{"Probe Timeout", view.ProbeTimeout})
		table.Append([]string{"Metrics Addr", view.MetricsAddr})
		table.Append([]string{"Log Level", view.LogLevel})
		table.Append([]string{"Telegram", strconv.FormatBool(view.TelegramEnabled)})
		table.Append([]string{"Telegram Token", view.TelegramToken})
		table.Append([]string{"Telegram Chat", view.TelegramChatID})
		table.Append([]string{"Max Retries", strconv.Itoa(view.MaxRetries)})
		table.Append([]string{"Initial Delay", view.InitialDelay})
		table.Append([]string{"Max Delay", view.MaxDelay})
		table.Append([]string{"Healthy Run", view.HealthyRunThreshold})
		table.Append([]string{"Fatal Exit Codes", strings.Join(codes, ", ")})
		table.Render()
	default:
		return fmt.Errorf("unknown output format: %s", configOutput)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("Configuration OK (%s)\n", cfgFile)
	return nil
}
