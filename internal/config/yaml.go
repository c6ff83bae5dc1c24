package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Overlay is an optional YAML file layered on top of the environment
// variables Load reads, for policy values an operator would rather
// check into a repo than set per-process. Only non-zero fields
// override their Config counterpart; everything else keeps the
// envconfig-derived value. Loaded exactly like the teacher's Kog
// runtime config file: UTF-8 YAML with ${VAR}/$VAR expansion against
// the process environment before parsing.
type Overlay struct {
	MaxRunning            int    `yaml:"max_running"`
	MaxQueueing           int    `yaml:"max_queueing"`
	Priority              string `yaml:"priority"`
	CacheSize             int    `yaml:"cache_size"`
	KubeAllowedNamespaces string `yaml:"kube_allowed_namespaces"`
	SlackAllowedChannels  string `yaml:"slack_allowed_channels"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}

// LoadOverlay reads and parses a YAML policy overlay, expanding
// ${VAR}/$VAR references against the environment first.
func LoadOverlay(path string) (*Overlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config overlay %s: %w", path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(raw))), &o); err != nil {
		return nil, fmt.Errorf("parsing config overlay %s: %w", path, err)
	}
	return &o, nil
}

// ApplyOverlay merges o's non-zero fields onto c, overriding whatever
// Load already populated from the environment.
func (c *Config) ApplyOverlay(o *Overlay) {
	if o == nil {
		return
	}
	if o.MaxRunning > 0 {
		c.MaxRunning = o.MaxRunning
	}
	if o.MaxQueueing > 0 {
		c.MaxQueueing = o.MaxQueueing
	}
	if o.Priority != "" {
		c.Priority = o.Priority
	}
	if o.CacheSize > 0 {
		c.CacheSize = o.CacheSize
	}
	if o.KubeAllowedNamespaces != "" {
		c.KubeAllowedNamespaces = o.KubeAllowedNamespaces
	}
	if o.SlackAllowedChannels != "" {
		c.SlackAllowedChannels = o.SlackAllowedChannels
	}
}
