package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "MATHEDIT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "mathedit.db"
	defaultLogLevel      = "info"
	defaultSessionIssuer = "mathedit-auth"
	defaultAuthorName    = "Local User"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SessionSecret    string
	SessionIssuer    string
	SessionTTL       time.Duration
	CloudBaseURL     string
	CloudBearerToken string
	LocalAuthorID    string
	LocalAuthorName  string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl_minutes", 720)
	configViper.SetDefault("local_author.name", defaultAuthorName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SessionSecret:    configViper.GetString("session.signing_secret"),
		SessionIssuer:    configViper.GetString("session.issuer"),
		SessionTTL:       time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		CloudBaseURL:     configViper.GetString("cloud.base_url"),
		CloudBearerToken: configViper.GetString("cloud.bearer_token"),
		LocalAuthorID:    configViper.GetString("local_author.id"),
		LocalAuthorName:  configViper.GetString("local_author.name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.LocalAuthorID) == "" {
		return fmt.Errorf("local_author.id is required")
	}
	return nil
}
