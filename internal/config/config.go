package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Security    SecurityConfig    `json:"security"`
	Logging     LoggingConfig     `json:"logging"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Negotiation NegotiationConfig `json:"negotiation"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	Host              string
	Port              string
	LogLevel          string
	LogFormat         string
	ConfigFile        string
	SkipTLSValidation bool
	TLSServerName     string
	UseNLA            bool
	Strategy          string
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
	IdleTimeout  time.Duration `json:"idleTimeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	AllowedOrigins    []string `json:"allowedOrigins"`
	MaxConnections    int      `json:"maxConnections"`
	EnableTLS         bool     `json:"enableTLS"`
	TLSCertFile       string   `json:"tlsCertFile"`
	TLSKeyFile        string   `json:"tlsKeyFile"`
	MinTLSVersion     string   `json:"minTLSVersion"`
	SkipTLSValidation bool     `json:"skipTLSValidation"`
	TLSServerName     string   `json:"tlsServerName"`
	UseNLA            bool     `json:"useNLA"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DiagnosticsConfig tunes the probe orchestrator.
type DiagnosticsConfig struct {
	InternetHost      string        `json:"internetHost"`
	GatewayIP         string        `json:"gatewayIP"`
	PingSamples       int           `json:"pingSamples"`
	PingInterval      time.Duration `json:"pingInterval"`
	StepTimeout       time.Duration `json:"stepTimeout"`
	TracerouteMaxHops int           `json:"tracerouteMaxHops"`
	Resolvers         []string      `json:"resolvers"`
	GeoIPDatabase     string        `json:"geoipDatabase"`
	GeoAPIURL         string        `json:"geoApiURL"`
	PublicIPURLs      []string      `json:"publicIPURLs"`
	EnableICMP        bool          `json:"enableICMP"`
	EnableExec        bool          `json:"enableExec"`
}

// NegotiationConfig holds the security negotiation defaults.
type NegotiationConfig struct {
	Strategy       string        `json:"strategy"`
	AutoDetect     bool          `json:"autoDetect"`
	Mode           string        `json:"mode"`
	EnableCredSSP  bool          `json:"enableCredSSP"`
	MaxRetries     int           `json:"maxRetries"`
	RetryDelay     time.Duration `json:"retryDelay"`
	PerModeRetries int           `json:"perModeRetries"`
	AttemptTimeout time.Duration `json:"attemptTimeout"`
	CredSSPVersion int           `json:"credsspVersion"`
}

// setting binds a config key to its environment variable and default.
type setting struct {
	key string
	env string
	def interface{}
}

var settings = []setting{
	{"server.host", "SERVER_HOST", "0.0.0.0"},
	{"server.port", "SERVER_PORT", "8080"},
	{"server.readTimeout", "SERVER_READ_TIMEOUT", 30 * time.Second},
	{"server.writeTimeout", "SERVER_WRITE_TIMEOUT", 30 * time.Second},
	{"server.idleTimeout", "SERVER_IDLE_TIMEOUT", 120 * time.Second},

	{"security.allowedOrigins", "ALLOWED_ORIGINS", ""},
	{"security.maxConnections", "MAX_CONNECTIONS", 100},
	{"security.enableTLS", "ENABLE_TLS", false},
	{"security.tlsCertFile", "TLS_CERT_FILE", ""},
	{"security.tlsKeyFile", "TLS_KEY_FILE", ""},
	{"security.minTLSVersion", "MIN_TLS_VERSION", "1.2"},
	{"security.skipTLSValidation", "SKIP_TLS_VALIDATION", false},
	{"security.tlsServerName", "TLS_SERVER_NAME", ""},
	// NLA enabled by default; set USE_NLA=false to disable
	{"security.useNLA", "USE_NLA", true},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "text"},

	{"diagnostics.internetHost", "DIAG_INTERNET_HOST", "8.8.8.8"},
	{"diagnostics.gatewayIP", "DIAG_GATEWAY_IP", ""},
	{"diagnostics.pingSamples", "DIAG_PING_SAMPLES", 10},
	{"diagnostics.pingInterval", "DIAG_PING_INTERVAL", 500 * time.Millisecond},
	{"diagnostics.stepTimeout", "DIAG_STEP_TIMEOUT", 10 * time.Second},
	{"diagnostics.tracerouteMaxHops", "DIAG_TRACEROUTE_MAX_HOPS", 20},
	{"diagnostics.resolvers", "DIAG_RESOLVERS", ""},
	{"diagnostics.geoipDatabase", "DIAG_GEOIP_DATABASE", ""},
	{"diagnostics.geoApiURL", "DIAG_GEO_API_URL", "http://ip-api.com/json/"},
	{"diagnostics.publicIPURLs", "DIAG_PUBLIC_IP_URLS", "https://api.ipify.org,https://ifconfig.me/ip"},
	{"diagnostics.enableICMP", "DIAG_ENABLE_ICMP", true},
	{"diagnostics.enableExec", "DIAG_ENABLE_EXEC", true},

	{"negotiation.strategy", "NEGOTIATION_STRATEGY", "nla-first"},
	{"negotiation.autoDetect", "NEGOTIATION_AUTO_DETECT", true},
	{"negotiation.mode", "NEGOTIATION_MODE", ""},
	{"negotiation.enableCredSSP", "NEGOTIATION_ENABLE_CREDSSP", true},
	{"negotiation.maxRetries", "NEGOTIATION_MAX_RETRIES", 3},
	{"negotiation.retryDelay", "NEGOTIATION_RETRY_DELAY", time.Second},
	{"negotiation.perModeRetries", "NEGOTIATION_PER_MODE_RETRIES", 2},
	{"negotiation.attemptTimeout", "NEGOTIATION_ATTEMPT_TIMEOUT", 10 * time.Second},
	{"negotiation.credsspVersion", "NEGOTIATION_CREDSSP_VERSION", 6},
}

var validStrategies = map[string]bool{
	"auto":       true,
	"nla-first":  true,
	"tls-first":  true,
	"nla-only":   true,
	"tls-only":   true,
	"plain-only": true,
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with precedence
// overrides > environment > config file > defaults.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	v, err := newViper(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	setOverride(v, "server.host", opts.Host)
	setOverride(v, "server.port", opts.Port)
	setOverride(v, "logging.level", opts.LogLevel)
	setOverride(v, "logging.format", opts.LogFormat)
	setOverride(v, "security.tlsServerName", opts.TLSServerName)
	setOverride(v, "negotiation.strategy", opts.Strategy)
	if opts.SkipTLSValidation {
		v.Set("security.skipTLSValidation", true)
	}
	if opts.UseNLA {
		v.Set("security.useNLA", true)
	}

	config := fromViper(v)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

func setOverride(v *viper.Viper, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func fromViper(v *viper.Viper) *Config {
	config := &Config{}

	config.Server.Host = v.GetString("server.host")
	config.Server.Port = v.GetString("server.port")
	config.Server.ReadTimeout = v.GetDuration("server.readTimeout")
	config.Server.WriteTimeout = v.GetDuration("server.writeTimeout")
	config.Server.IdleTimeout = v.GetDuration("server.idleTimeout")

	config.Security.AllowedOrigins = getStringSlice(v, "security.allowedOrigins")
	config.Security.MaxConnections = v.GetInt("security.maxConnections")
	config.Security.EnableTLS = v.GetBool("security.enableTLS")
	config.Security.TLSCertFile = v.GetString("security.tlsCertFile")
	config.Security.TLSKeyFile = v.GetString("security.tlsKeyFile")
	config.Security.MinTLSVersion = v.GetString("security.minTLSVersion")
	config.Security.SkipTLSValidation = v.GetBool("security.skipTLSValidation")
	config.Security.TLSServerName = v.GetString("security.tlsServerName")
	config.Security.UseNLA = v.GetBool("security.useNLA")

	config.Logging.Level = strings.ToLower(v.GetString("logging.level"))
	config.Logging.Format = strings.ToLower(v.GetString("logging.format"))

	config.Diagnostics.InternetHost = v.GetString("diagnostics.internetHost")
	config.Diagnostics.GatewayIP = v.GetString("diagnostics.gatewayIP")
	config.Diagnostics.PingSamples = v.GetInt("diagnostics.pingSamples")
	config.Diagnostics.PingInterval = v.GetDuration("diagnostics.pingInterval")
	config.Diagnostics.StepTimeout = v.GetDuration("diagnostics.stepTimeout")
	config.Diagnostics.TracerouteMaxHops = v.GetInt("diagnostics.tracerouteMaxHops")
	config.Diagnostics.Resolvers = getStringSlice(v, "diagnostics.resolvers")
	config.Diagnostics.GeoIPDatabase = v.GetString("diagnostics.geoipDatabase")
	config.Diagnostics.GeoAPIURL = v.GetString("diagnostics.geoApiURL")
	config.Diagnostics.PublicIPURLs = getStringSlice(v, "diagnostics.publicIPURLs")
	config.Diagnostics.EnableICMP = v.GetBool("diagnostics.enableICMP")
	config.Diagnostics.EnableExec = v.GetBool("diagnostics.enableExec")

	config.Negotiation.Strategy = strings.ToLower(v.GetString("negotiation.strategy"))
	config.Negotiation.AutoDetect = v.GetBool("negotiation.autoDetect")
	config.Negotiation.Mode = strings.ToLower(v.GetString("negotiation.mode"))
	config.Negotiation.EnableCredSSP = v.GetBool("negotiation.enableCredSSP")
	config.Negotiation.MaxRetries = v.GetInt("negotiation.maxRetries")
	config.Negotiation.RetryDelay = v.GetDuration("negotiation.retryDelay")
	config.Negotiation.PerModeRetries = v.GetInt("negotiation.perModeRetries")
	config.Negotiation.AttemptTimeout = v.GetDuration("negotiation.attemptTimeout")
	config.Negotiation.CredSSPVersion = v.GetInt("negotiation.credsspVersion")

	return config
}

// getStringSlice accepts either a list (config file) or a comma-separated
// string (environment).
func getStringSlice(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case string:
		return splitString(raw, ",")
	case []interface{}, []string:
		var out []string
		for _, s := range v.GetStringSlice(key) {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if out == nil {
			return []string{}
		}
		return out
	default:
		return []string{}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	if c.Security.EnableTLS {
		if c.Security.TLSCertFile == "" || c.Security.TLSKeyFile == "" {
			return fmt.Errorf("TLS certificate and key files must be specified when TLS is enabled")
		}

		if _, err := os.Stat(c.Security.TLSCertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", c.Security.TLSCertFile)
		}

		if _, err := os.Stat(c.Security.TLSKeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", c.Security.TLSKeyFile)
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}

	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Diagnostics.PingSamples < 0 {
		return fmt.Errorf("ping samples cannot be negative")
	}

	if c.Diagnostics.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive")
	}

	if !validStrategies[c.Negotiation.Strategy] {
		return fmt.Errorf("invalid negotiation strategy: %s", c.Negotiation.Strategy)
	}

	switch c.Negotiation.Mode {
	case "", "credssp", "tls", "plain":
	default:
		return fmt.Errorf("invalid negotiation mode: %s", c.Negotiation.Mode)
	}

	if c.Negotiation.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}

	if c.Negotiation.PerModeRetries < 1 {
		return fmt.Errorf("per-mode retries must be at least 1")
	}

	return nil
}

func splitString(s, sep string) []string {
	if s == "" {
		return []string{}
	}

	result := []string{}
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
