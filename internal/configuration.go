package internal

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	EnvToken         = "PANINI_TOKEN"
	EnvConfiguration = "PANINI_CONFIGURATION"
	EnvProxy         = "PANINI_PROXY"
)

const (
	DefaultBaseURL    = "https://discord.com/api"
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=9&encoding=json"
	DefaultAPIVersion = 9
	DefaultHTTPHost   = ":10000"
)

// Configuration is the YAML configuration of a client.
type Configuration struct {
	Token string `json:"token" yaml:"token"`

	Logging  LoggingConfiguration  `json:"logging" yaml:"logging"`
	REST     RESTConfiguration     `json:"rest" yaml:"rest"`
	Gateway  GatewayConfiguration  `json:"gateway" yaml:"gateway"`
	Voice    VoiceConfiguration    `json:"voice" yaml:"voice"`
	Producer ProducerConfiguration `json:"producer" yaml:"producer"`
	HTTP     HTTPConfiguration     `json:"http" yaml:"http"`
}

type LoggingConfiguration struct {
	Level              string `json:"level" yaml:"level"`
	FileLoggingEnabled bool   `json:"file_logging_enabled" yaml:"file_logging_enabled"`

	Filename   string `json:"filename" yaml:"filename"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type RESTConfiguration struct {
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	AuthMode  AuthMode `json:"auth_mode" yaml:"auth_mode"`
	UserAgent string   `json:"user_agent" yaml:"user_agent"`
	Locale    string   `json:"locale" yaml:"locale"`
	Proxy     string   `json:"proxy" yaml:"proxy"`
	Version   int      `json:"version" yaml:"version"`

	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// RetryLimit bounds transport retries and all 5xx retries of one submission.
	RetryLimit int `json:"retry_limit" yaml:"retry_limit"`
	// ServerErrorRetryLimit bounds consecutive 5xx responses on one bucket.
	ServerErrorRetryLimit int `json:"server_error_retry_limit" yaml:"server_error_retry_limit"`
	CaptchaRetryLimit     int `json:"captcha_retry_limit" yaml:"captcha_retry_limit"`

	// GlobalRateLimit is the number of requests allowed per second.
	GlobalRateLimit int           `json:"global_rate_limit" yaml:"global_rate_limit"`
	TimeOffset      time.Duration `json:"time_offset" yaml:"time_offset"`
	MutationSpacing time.Duration `json:"mutation_spacing" yaml:"mutation_spacing"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	InvalidRequestWarningInterval int `json:"invalid_request_warning_interval" yaml:"invalid_request_warning_interval"`

	// RejectOnRateLimit lists route prefixes that fail with a RateLimitError
	// instead of waiting.
	RejectOnRateLimit []string `json:"reject_on_rate_limit" yaml:"reject_on_rate_limit"`
}

type GatewayConfiguration struct {
	URL        string                     `json:"url" yaml:"url"`
	Intents    discord.GatewayIntent      `json:"intents" yaml:"intents"`
	Properties discord.IdentifyProperties `json:"properties" yaml:"properties"`

	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectBase        time.Duration `json:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax         time.Duration `json:"reconnect_max" yaml:"reconnect_max"`
	ReconnectJitter      time.Duration `json:"reconnect_jitter" yaml:"reconnect_jitter"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	SendLimit  int32         `json:"send_limit" yaml:"send_limit"`
	SendWindow time.Duration `json:"send_window" yaml:"send_window"`
}

type VoiceConfiguration struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type ProducerConfiguration struct {
	Configuration map[string]interface{} `json:"configuration" yaml:"configuration"`
	Type          string                 `json:"type" yaml:"type"`
	Channel       string                 `json:"channel" yaml:"channel"`
}

type HTTPConfiguration struct {
	Host    string `json:"host" yaml:"host"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// LoadEnvironment loads .env files into the process environment. Missing
// files are ignored.
func LoadEnvironment(filenames ...string) {
	for _, filename := range filenames {
		if _, err := os.Stat(filename); err == nil {
			_ = godotenv.Load(filename)
		}
	}
}

// LoadConfiguration reads the YAML configuration at path, applies
// environment overrides and defaults, then validates it.
func LoadConfiguration(path string) (configuration Configuration, err error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return configuration, ErrReadConfigurationFailure
	}

	err = yaml.Unmarshal(file, &configuration)
	if err != nil {
		return configuration, ErrLoadConfigurationFailure
	}

	configuration.applyEnvironment()
	configuration.SetDefaults()

	if err = configuration.Validate(); err != nil {
		return configuration, fmt.Errorf("%w: %w", ErrLoadConfigurationFailure, err)
	}

	return configuration, nil
}

func (c *Configuration) applyEnvironment() {
	if token := os.Getenv(EnvToken); token != "" {
		c.Token = token
	}

	if proxy := os.Getenv(EnvProxy); proxy != "" {
		c.REST.Proxy = proxy
	}
}

// SetDefaults fills every zero field with its default.
func (c *Configuration) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Logging.Filename == "" {
		c.Logging.Filename = "panini.log"
	}

	c.REST.setDefaults()
	c.Gateway.setDefaults()
	c.Voice.setDefaults()

	if c.HTTP.Host == "" {
		c.HTTP.Host = DefaultHTTPHost
	}
}

func (rc *RESTConfiguration) setDefaults() {
	if rc.BaseURL == "" {
		rc.BaseURL = DefaultBaseURL
	}

	if rc.AuthMode == "" {
		rc.AuthMode = AuthModeBot
	}

	if rc.UserAgent == "" {
		rc.UserAgent = "DiscordBot (https://github.com/WelcomerTeam/Panini, " + VERSION + ")"
	}

	if rc.Version == 0 {
		rc.Version = DefaultAPIVersion
	}

	if rc.RequestTimeout == 0 {
		rc.RequestTimeout = 15 * time.Second
	}

	if rc.RetryLimit == 0 {
		rc.RetryLimit = 3
	}

	if rc.ServerErrorRetryLimit == 0 {
		rc.ServerErrorRetryLimit = 10
	}

	if rc.CaptchaRetryLimit == 0 {
		rc.CaptchaRetryLimit = 3
	}

	if rc.GlobalRateLimit == 0 {
		rc.GlobalRateLimit = 50
	}

	if rc.SweepInterval == 0 {
		rc.SweepInterval = time.Minute
	}

	if rc.InvalidRequestWarningInterval == 0 {
		rc.InvalidRequestWarningInterval = 500
	}
}

func (gc *GatewayConfiguration) setDefaults() {
	if gc.URL == "" {
		gc.URL = DefaultGatewayURL
	}

	if gc.Intents == 0 {
		gc.Intents = discord.IntentGuildVoiceStates | discord.IntentGuildMessages
	}

	if gc.Properties.OS == "" {
		gc.Properties.OS = "linux"
	}

	if gc.Properties.Browser == "" {
		gc.Properties.Browser = "Panini"
	}

	if gc.Properties.Device == "" {
		gc.Properties.Device = "Panini"
	}

	if gc.MaxReconnectAttempts == 0 {
		gc.MaxReconnectAttempts = 7
	}

	if gc.ReconnectBase == 0 {
		gc.ReconnectBase = reconnectBackoff.Base
	}

	if gc.ReconnectMax == 0 {
		gc.ReconnectMax = reconnectBackoff.Max
	}

	if gc.ReconnectJitter == 0 {
		gc.ReconnectJitter = reconnectBackoff.Jitter
	}

	if gc.HandshakeTimeout == 0 {
		gc.HandshakeTimeout = 30 * time.Second
	}

	if gc.SendLimit == 0 {
		gc.SendLimit = 110
	}

	if gc.SendWindow == 0 {
		gc.SendWindow = time.Minute
	}
}

func (vc *VoiceConfiguration) setDefaults() {
	if vc.Timeout == 0 {
		vc.Timeout = 20 * time.Second
	}

	if vc.PollInterval == 0 {
		vc.PollInterval = 200 * time.Millisecond
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Configuration) Validate() error {
	if c.Token == "" && c.REST.AuthMode != AuthModeNone && c.REST.AuthMode != AuthModeBearer {
		return ErrConfigurationValidateToken
	}

	if !c.REST.AuthMode.Valid() {
		return ErrConfigurationValidateAuthMode
	}

	if c.REST.Locale != "" {
		if _, err := language.Parse(c.REST.Locale); err != nil {
			return ErrConfigurationValidateLocale
		}
	}

	if u, err := url.Parse(c.REST.BaseURL); err != nil || u.Host == "" {
		return ErrConfigurationValidateBaseURL
	}

	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return ErrConfigurationValidateGateway
	}

	if c.REST.Proxy != "" {
		if u, err := url.Parse(c.REST.Proxy); err != nil || !supportedProxyScheme(u.Scheme) {
			return ErrConfigurationValidateProxy
		}
	}

	if c.HTTP.Enabled && c.HTTP.Host == "" {
		return ErrConfigurationValidateHTTP
	}

	return nil
}
