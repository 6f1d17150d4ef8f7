package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--bind", "0.0.0.0", "--port", "4001",
		"--allow-cidr", "100.64.0.0/10", "--allow-cidr=10.0.0.0/8",
		"--env", "FOO=bar", "--env", "EMPTY=", "--env", "URL=a=b",
		"--keepalive", "1s", "--transcript",
		"--allow-origin", "http://localhost:6274",
		"--", "npx", "-y", "@modelcontextprotocol/server-everything",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4001", cfg.Addr())
	assert.Equal(t, []string{"100.64.0.0/10", "10.0.0.0/8"}, cfg.AllowCIDRs)
	assert.Len(t, cfg.Networks(), 2)
	assert.Equal(t, map[string]string{"FOO": "bar", "EMPTY": "", "URL": "a=b"}, cfg.Env)
	assert.Equal(t, time.Second, cfg.Keepalive)
	assert.True(t, cfg.Transcript)
	assert.Equal(t, []string{"http://localhost:6274"}, cfg.AllowOrigins)
	assert.Equal(t, []string{"npx", "-y", "@modelcontextprotocol/server-everything"}, cfg.Command)
}

func TestParseDefaults(t *testing.T) {
	t.Setenv("MCPBRIDGE_API_KEY", "")
	cfg, err := Parse([]string{"server", "--stdio"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3275", cfg.Addr())
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 64, cfg.InboundSize)
	assert.Equal(t, 10*time.Second, cfg.StartGrace)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 15*time.Second, cfg.Keepalive)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "none", cfg.AuthMode())
	assert.Equal(t, []string{"server", "--stdio"}, cfg.Command, "options after the command belong to the child")
}

func TestParseAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MCPBRIDGE_API_KEY", "s3cret")
	cfg, err := Parse([]string{"server"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.APIKey)
	assert.Equal(t, "bearer", cfg.AuthMode())
}

func TestParseErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no command":   {"--port", "1"},
		"bad port":     {"--port", "70000", "server"},
		"port type":    {"--port", "abc", "server"},
		"bad cidr":     {"--allow-cidr", "nope", "server"},
		"queue":        {"--queue-size", "0", "server"},
		"inbound":      {"--inbound-size", "0", "server"},
		"grace":        {"--shutdown-grace", "0s", "server"},
		"keepalive":    {"--keepalive=-1s", "server"},
		"unknown flag": {"--frobnicate", "server"},
		"env no equal": {"--env", "FOO", "server"},
		"env no key":   {"--env", "=bar", "server"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args)
			assert.Error(t, err)
		})
	}
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestParseEnv(t *testing.T) {
	env, err := ParseEnv([]string{"FOO=bar", "EMPTY=", "DSN=postgres://u:p@h/db?x=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "bar", "EMPTY": "", "DSN": "postgres://u:p@h/db?x=1"}, env)

	_, err = ParseEnv([]string{"FOO"})
	assert.ErrorContains(t, err, `"FOO"`)
}

func TestHelp(t *testing.T) {
	_, err := Parse([]string{"--help"})
	require.Error(t, err)
	assert.True(t, IsHelp(err))
	assert.Contains(t, err.Error(), "--allow-cidr")
}

func TestIsAllowedClient(t *testing.T) {
	nets, err := ParseCIDRs([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, IsAllowedClient(net.ParseIP("127.0.0.1"), nets), "loopback")
	assert.True(t, IsAllowedClient(net.ParseIP("::1"), nets), "loopback v6")
	assert.False(t, IsAllowedClient(net.ParseIP("8.8.8.8"), nets))
	assert.True(t, IsAllowedClient(net.ParseIP("10.1.2.3"), nets))
	assert.True(t, IsAllowedClient(net.ParseIP("8.8.8.8"), nil), "empty allow-list")
}

func TestLoadFilterSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
block-methods:
  methods: [tools/call, sampling/createMessage]
redact-secrets:
  marker: "***"
  patterns: ['ACME-[0-9]+']
stamp-metadata:
  enabled: false
`), 0o644))

	s, err := LoadFilterSettings(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tools/call", "sampling/createMessage"}, s.BlockMethods.Methods)
	assert.Nil(t, s.BlockMethods.Enabled)
	assert.Equal(t, "***", s.RedactSecrets.Marker)
	assert.Equal(t, []string{"ACME-[0-9]+"}, s.RedactSecrets.Patterns)
	require.NotNil(t, s.StampMetadata.Enabled)
	assert.False(t, *s.StampMetadata.Enabled)

	s, err = LoadFilterSettings("")
	require.NoError(t, err)
	assert.Nil(t, s.BlockMethods.Methods)

	_, err = LoadFilterSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeFilterSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeFilterSettings([]byte("redact-secrets:\n  markr: x\n"))
	assert.ErrorContains(t, err, "markr")

	s, err := DecodeFilterSettings(nil)
	require.NoError(t, err)
	assert.Nil(t, s.RedactSecrets.Patterns)
}
