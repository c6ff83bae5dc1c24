// Package config tests.
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

func setOptionalEnvs(t *testing.T) {
	t.Helper()
	envs := map[string]string{
		"GITHUB_APP_ID":           "12345",
		"GITHUB_INSTALLATION_ID":  "67890",
		"GITHUB_PRIVATE_KEY_PATH": "/tmp/test.pem",
		"JIRA_BASE_URL":           "https://test.atlassian.net",
		"SLACK_BOT_TOKEN":         "xoxb-test",
	}
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoad_Success(t *testing.T) {
	setOptionalEnvs(t)
	cfg, err := LoadWithPrefix("")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), cfg.GitHubAppID)
	assert.Equal(t, "https://test.atlassian.net", cfg.JiraBaseURL)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTPPort)
}

func TestLoad_NothingRequired(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
}

func TestLoad_ManagerDefaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxRunning)
	assert.Equal(t, 32, cfg.MaxQueueing)
	assert.Equal(t, "fifo", cfg.Priority)
	assert.Equal(t, 5*time.Minute, cfg.ResultTTL)
}

func TestLoad_CustomPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
}

func TestConfig_EnabledFlags(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.GitHubEnabled())
	assert.False(t, cfg.JiraEnabled())
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.KubeEnabled())

	cfg.GitHubAppID = 123
	cfg.GitHubPrivateKeyPath = "/tmp/test.pem"
	assert.True(t, cfg.GitHubEnabled())

	cfg.JiraBaseURL = "https://test.atlassian.net"
	assert.True(t, cfg.JiraEnabled())

	cfg.SlackBotToken = "xoxb-test"
	assert.True(t, cfg.SlackEnabled())

	cfg.KubeconfigPath = "/tmp/kubeconfig"
	assert.True(t, cfg.KubeEnabled())
}

func TestConfig_SlackAllowedChannelList(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.SlackAllowedChannelList())

	cfg.SlackAllowedChannels = " C0ABC , C0DEF ,, C0GHI"
	assert.Equal(t, []string{"C0ABC", "C0DEF", "C0GHI"}, cfg.SlackAllowedChannelList())
}

func TestConfig_KubeAllowedNamespaceList(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.KubeAllowedNamespaceList())

	cfg.KubeAllowedNamespaces = " staging , prod ,, canary"
	assert.Equal(t, []string{"staging", "prod", "canary"}, cfg.KubeAllowedNamespaceList())
}

func TestConfig_PriorityStrategy(t *testing.T) {
	cases := map[string]heavytasks.PriorityStrategy{
		"":           heavytasks.FIFO,
		"fifo":       heavytasks.FIFO,
		"FIFO":       heavytasks.FIFO,
		"lifo-await": heavytasks.LIFOAwait,
		"lifo-stop":  heavytasks.LIFOStop,
	}
	for raw, want := range cases {
		cfg := &Config{Priority: raw}
		got, err := cfg.PriorityStrategy()
		require.NoErrorf(t, err, "priority %q", raw)
		assert.Equal(t, want, got)
	}

	cfg := &Config{Priority: "round-robin"}
	_, err := cfg.PriorityStrategy()
	assert.Error(t, err)
}

func TestLoad_MgmtDefaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.Equal(t, 100, cfg.MgmtRateLimitRPS)
	assert.Equal(t, 200, cfg.MgmtRateLimitBurst)
}
