package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfiguration(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "panini.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestLoadConfiguration(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(EnvProxy, "")

	path := writeConfiguration(t, `
token: file-token
rest:
  locale: en-GB
  request_timeout: 5s
  reject_on_rate_limit:
    - /channels
gateway:
  max_reconnect_attempts: 3
voice:
  timeout: 10s
producer:
  type: redis
  channel: panini
  configuration:
    address: localhost:6379
`)

	configuration, err := LoadConfiguration(path)
	require.NoError(t, err)

	assert.Equal(t, "file-token", configuration.Token)
	assert.Equal(t, "en-GB", configuration.REST.Locale)
	assert.Equal(t, 5*time.Second, configuration.REST.RequestTimeout)
	assert.Equal(t, []string{"/channels"}, configuration.REST.RejectOnRateLimit)
	assert.Equal(t, 3, configuration.Gateway.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, configuration.Voice.Timeout)
	assert.Equal(t, "localhost:6379", GetEntry(configuration.Producer.Configuration, "Address"))

	// Defaults
	assert.Equal(t, DefaultBaseURL, configuration.REST.BaseURL)
	assert.Equal(t, AuthModeBot, configuration.REST.AuthMode)
	assert.Equal(t, 3, configuration.REST.RetryLimit)
	assert.Equal(t, 50, configuration.REST.GlobalRateLimit)
	assert.Equal(t, DefaultGatewayURL, configuration.Gateway.URL)
	assert.Equal(t, discord.IntentGuildVoiceStates|discord.IntentGuildMessages, configuration.Gateway.Intents)
	assert.Equal(t, 200*time.Millisecond, configuration.Voice.PollInterval)
	assert.Equal(t, DefaultHTTPHost, configuration.HTTP.Host)
	assert.Equal(t, "info", configuration.Logging.Level)
}

func TestLoadConfigurationEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvProxy, "socks5://127.0.0.1:1080")

	configuration, err := LoadConfiguration(writeConfiguration(t, "token: file-token\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-token", configuration.Token)
	assert.Equal(t, "socks5://127.0.0.1:1080", configuration.REST.Proxy)
}

func TestLoadConfigurationFailures(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(EnvProxy, "")

	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrReadConfigurationFailure)

	_, err = LoadConfiguration(writeConfiguration(t, "token: [unterminated"))
	assert.ErrorIs(t, err, ErrLoadConfigurationFailure)

	_, err = LoadConfiguration(writeConfiguration(t, "rest:\n  locale: en-GB\n"))
	assert.ErrorIs(t, err, ErrLoadConfigurationFailure)
	assert.ErrorIs(t, err, ErrConfigurationValidateToken)
}

func TestConfigurationValidate(t *testing.T) {
	testCases := []struct {
		mutate func(*Configuration)
		err    error
		name   string
	}{
		{name: "valid", mutate: func(*Configuration) {}},
		{name: "missing token", mutate: func(c *Configuration) { c.Token = "" }, err: ErrConfigurationValidateToken},
		{name: "bearer without token", mutate: func(c *Configuration) {
			c.Token = ""
			c.REST.AuthMode = AuthModeBearer
		}},
		{name: "unknown auth mode", mutate: func(c *Configuration) { c.REST.AuthMode = "oauth" }, err: ErrConfigurationValidateAuthMode},
		{name: "invalid locale", mutate: func(c *Configuration) { c.REST.Locale = "not a locale!" }, err: ErrConfigurationValidateLocale},
		{name: "invalid base url", mutate: func(c *Configuration) { c.REST.BaseURL = "/api" }, err: ErrConfigurationValidateBaseURL},
		{name: "http gateway", mutate: func(c *Configuration) { c.Gateway.URL = "https://gateway.discord.gg" }, err: ErrConfigurationValidateGateway},
		{name: "http proxy", mutate: func(c *Configuration) { c.REST.Proxy = "http://127.0.0.1:8080" }},
		{name: "unsupported proxy", mutate: func(c *Configuration) { c.REST.Proxy = "ftp://127.0.0.1" }, err: ErrConfigurationValidateProxy},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			configuration := Configuration{Token: "token"}
			configuration.SetDefaults()

			tc.mutate(&configuration)

			err := configuration.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestNewHTTPClientProxy(t *testing.T) {
	for _, proxyURL := range []string{"", "http://127.0.0.1:8080", "socks5://127.0.0.1:1080"} {
		client, err := NewHTTPClient(proxyURL)

		require.NoError(t, err, proxyURL)
		assert.NotNil(t, client.Transport, proxyURL)
	}

	_, err := NewHTTPClient("ftp://127.0.0.1")
	assert.ErrorIs(t, err, ErrConfigurationValidateProxy)
}
