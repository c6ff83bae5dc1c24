package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// Config holds all application configuration loaded from environment
// variables, following the same envconfig struct-tag style as every
// other entrypoint in this codebase.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	ConfigFile  string `envconfig:"CONFIG_FILE"` // optional YAML policy overlay, see yaml.go

	// Manager policy (heavytasks.Config, spec §4.4.1)
	MaxRunning  int           `envconfig:"HEAVYTASKS_MAX_RUNNING" default:"4"`
	MaxQueueing int           `envconfig:"HEAVYTASKS_MAX_QUEUEING" default:"32"`
	Priority    string        `envconfig:"HEAVYTASKS_PRIORITY" default:"fifo"` // fifo | lifo-await | lifo-stop
	ResultTTL   time.Duration `envconfig:"HEAVYTASKS_RESULT_TTL" default:"5m"`
	ResumeTTL   time.Duration `envconfig:"HEAVYTASKS_RESUME_TTL" default:"1h"`
	CacheSize   int           `envconfig:"HEAVYTASKS_CACHE_SIZE" default:"10000"`

	// GitHub App provider (optional — github provider disabled without it)
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubWebhookSecret  string `envconfig:"GITHUB_WEBHOOK_SECRET"`

	// Jira provider (optional)
	JiraBaseURL  string `envconfig:"JIRA_BASE_URL"`
	JiraAPIEmail string `envconfig:"JIRA_API_EMAIL"`
	JiraAPIToken string `envconfig:"JIRA_API_TOKEN"`

	// Kubernetes provider (optional)
	KubeconfigPath        string `envconfig:"KUBECONFIG_PATH"`
	KubeContext           string `envconfig:"KUBE_CONTEXT"`
	KubeNamespace         string `envconfig:"KUBE_NAMESPACE" default:"default"`
	KubeAllowedNamespaces string `envconfig:"KUBE_ALLOWED_NAMESPACES"` // comma-separated, empty means unrestricted

	// Slack progress observer (optional)
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAllowedChannels string `envconfig:"SLACK_ALLOWED_CHANNELS"` // comma-separated, fail-closed if empty

	// HTTP API (cmd/heavytasksd)
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtJWTSigningKey  string `envconfig:"MGMT_JWT_SIGNING_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtTLSCert        string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string `envconfig:"MGMT_TLS_KEY"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// GitHubEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// JiraEnabled returns true if a Jira base URL is configured.
func (c *Config) JiraEnabled() bool {
	return c.JiraBaseURL != ""
}

// KubeEnabled returns true if a kubeconfig path is configured.
func (c *Config) KubeEnabled() bool {
	return c.KubeconfigPath != ""
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// SlackAllowedChannelList returns the parsed list of allowed Slack
// channel IDs. Returns nil if not configured (fail-closed — no
// channels allowed).
func (c *Config) SlackAllowedChannelList() []string {
	if c.SlackAllowedChannels == "" {
		return nil
	}
	parts := strings.Split(c.SlackAllowedChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// KubeAllowedNamespaceList returns the parsed allow-list of namespaces
// the Kubernetes provider may tail or inspect. Returns nil if
// unconfigured (unrestricted).
func (c *Config) KubeAllowedNamespaceList() []string {
	if c.KubeAllowedNamespaces == "" {
		return nil
	}
	parts := strings.Split(c.KubeAllowedNamespaces, ",")
	namespaces := make([]string, 0, len(parts))
	for _, ns := range parts {
		ns = strings.TrimSpace(ns)
		if ns != "" {
			namespaces = append(namespaces, ns)
		}
	}
	return namespaces
}

// PriorityStrategy parses c.Priority into a heavytasks.PriorityStrategy.
func (c *Config) PriorityStrategy() (heavytasks.PriorityStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(c.Priority)) {
	case "", "fifo":
		return heavytasks.FIFO, nil
	case "lifo-await", "lifoawait":
		return heavytasks.LIFOAwait, nil
	case "lifo-stop", "lifostop":
		return heavytasks.LIFOStop, nil
	default:
		return 0, fmt.Errorf("unrecognized HEAVYTASKS_PRIORITY %q: want fifo, lifo-await, or lifo-stop", c.Priority)
	}
}

// Load reads configuration from environment variables, then layers
// ConfigFile's YAML overlay on top if CONFIG_FILE is set.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		overlay, err := LoadOverlay(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.ApplyOverlay(overlay)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
