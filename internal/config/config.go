package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "EDITOR_SESSIONS"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "editor_sessions.db"
	defaultLogLevel             = "info"
	defaultCookieName           = "app_session"
	defaultIssuer               = "tauth"
	defaultInactiveTimeout      = 5 * time.Minute
	defaultTimeoutCheckInterval = 10 * time.Second
	defaultSweepInterval        = time.Minute
	defaultPurgeAfter           = 24 * time.Hour
	defaultServerURL            = "http://localhost:8080"
)

// Configuration keys shared by flags, env bindings and Load.
const (
	KeyHTTPAddress          = "http.address"
	KeyAllowedOrigins       = "http.allowed_origins"
	KeyDatabasePath         = "database.path"
	KeyLogLevel             = "log.level"
	KeyTAuthSigningSecret   = "tauth.signing_secret"
	KeyTAuthCookieName      = "tauth.cookie_name"
	KeyTAuthIssuer          = "tauth.issuer"
	KeyInactiveTimeout      = "sessions.inactive_timeout"
	KeyTimeoutCheckInterval = "sessions.timeout_check_interval"
	KeySweepInterval        = "sessions.sweep_interval"
	KeyPurgeAfter           = "sessions.purge_after"
	KeyClientServerURL      = "client.server_url"
	KeyClientSessionToken   = "client.session_token"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	DatabasePath    string
	LogLevel        string
	Sessions        SessionTimings
}

// SessionTimings bounds session liveness and cleanup.
type SessionTimings struct {
	InactiveTimeout      time.Duration
	TimeoutCheckInterval time.Duration
	SweepInterval        time.Duration
	PurgeAfter           time.Duration
}

// ClientConfig captures what a remote editing client needs to reach the API.
type ClientConfig struct {
	ServerURL    string
	SessionToken string
	LogLevel     string
	Sessions     SessionTimings
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyTAuthCookieName, defaultCookieName)
	configViper.SetDefault(KeyTAuthIssuer, defaultIssuer)
	configViper.SetDefault(KeyInactiveTimeout, defaultInactiveTimeout)
	configViper.SetDefault(KeyTimeoutCheckInterval, defaultTimeoutCheckInterval)
	configViper.SetDefault(KeySweepInterval, defaultSweepInterval)
	configViper.SetDefault(KeyPurgeAfter, defaultPurgeAfter)
	configViper.SetDefault(KeyClientServerURL, defaultServerURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString(KeyHTTPAddress),
		AllowedOrigins:  splitOrigins(configViper.GetStringSlice(KeyAllowedOrigins)),
		TAuthSigningKey: configViper.GetString(KeyTAuthSigningSecret),
		TAuthCookieName: configViper.GetString(KeyTAuthCookieName),
		TAuthIssuer:     configViper.GetString(KeyTAuthIssuer),
		DatabasePath:    configViper.GetString(KeyDatabasePath),
		LogLevel:        configViper.GetString(KeyLogLevel),
		Sessions:        loadTimings(configViper),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the configuration used by remote editing clients.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString(KeyClientServerURL)), "/"),
		SessionToken: strings.TrimSpace(configViper.GetString(KeyClientSessionToken)),
		LogLevel:     configViper.GetString(KeyLogLevel),
		Sessions:     loadTimings(configViper),
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", KeyClientServerURL)
	}
	if cfg.SessionToken == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", KeyClientSessionToken)
	}
	if err := cfg.Sessions.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// splitOrigins accepts origins given as separate values or as one comma separated string.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			origins = append(origins, strings.TrimRight(origin, "/"))
		}
	}
	return origins
}

func loadTimings(configViper *viper.Viper) SessionTimings {
	return SessionTimings{
		InactiveTimeout:      configViper.GetDuration(KeyInactiveTimeout),
		TimeoutCheckInterval: configViper.GetDuration(KeyTimeoutCheckInterval),
		SweepInterval:        configViper.GetDuration(KeySweepInterval),
		PurgeAfter:           configViper.GetDuration(KeyPurgeAfter),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("%s is required", KeyTAuthSigningSecret)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("%s is required", KeyTAuthCookieName)
	}
	if err := c.Sessions.validate(); err != nil {
		return err
	}
	if c.Sessions.PurgeAfter <= c.Sessions.InactiveTimeout {
		return fmt.Errorf("%s must exceed %s", KeyPurgeAfter, KeyInactiveTimeout)
	}
	return nil
}

func (t SessionTimings) validate() error {
	if t.InactiveTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyInactiveTimeout)
	}
	if t.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyTimeoutCheckInterval)
	}
	if t.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeySweepInterval)
	}
	if t.PurgeAfter <= 0 {
		return fmt.Errorf("%s must be positive", KeyPurgeAfter)
	}
	return nil
}
