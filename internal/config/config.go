package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Log         struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Server struct {
		Port          int           `mapstructure:"port"`
		ReadTimeout   time.Duration `mapstructure:"read_timeout"`
		WriteTimeout  time.Duration `mapstructure:"write_timeout"`
		PublicBaseURL string        `mapstructure:"public_base_url"`
		TLS           struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Links struct {
		Secret      string        `mapstructure:"secret"`
		ProviderTTL time.Duration `mapstructure:"provider_ttl"`
		QuoteTTL    time.Duration `mapstructure:"quote_ttl"`
	} `mapstructure:"links"`
	Auth struct {
		SessionTTL        time.Duration `mapstructure:"session_ttl"`
		MaxPinAttempts    int           `mapstructure:"max_pin_attempts"`
		ResetTokenTTL     time.Duration `mapstructure:"reset_token_ttl"`
		AllowPinOverwrite bool          `mapstructure:"allow_pin_overwrite"`
		CookieSecure      bool          `mapstructure:"cookie_secure"`
	} `mapstructure:"auth"`
	Workflow WorkflowSettings `mapstructure:"workflow"`
	Messaging struct {
		URL       string        `mapstructure:"url"`
		Timeout   time.Duration `mapstructure:"timeout"`
		FromEmail string        `mapstructure:"from_email"`
	} `mapstructure:"messaging"`
	Tracking struct {
		TTL           time.Duration `mapstructure:"ttl"`
		ActiveRefresh time.Duration `mapstructure:"active_refresh"`
		MaxEntries    int           `mapstructure:"max_entries"`
	} `mapstructure:"tracking"`
}

// WorkflowSettings are the thresholds the engine consumes but does not compute.
type WorkflowSettings struct {
	MaxProvidersToContact int           `mapstructure:"max_providers_to_contact"`
	MinResponsesRequired  int           `mapstructure:"min_responses_required"`
	ResponseCheckInterval time.Duration `mapstructure:"response_check_interval"`
	ResponseTimeout       time.Duration `mapstructure:"response_timeout"`
	RecommendedQuotes     int           `mapstructure:"recommended_quotes"`
	ReaperSpec            string        `mapstructure:"reaper_spec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.tls.enable", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.hostnames", []string{"localhost", "127.0.0.1"})

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "bookingflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("links.secret", "")
	v.SetDefault("links.provider_ttl", 72*time.Hour)
	v.SetDefault("links.quote_ttl", 7*24*time.Hour)

	v.SetDefault("auth.session_ttl", 4*time.Hour)
	v.SetDefault("auth.max_pin_attempts", 3)
	v.SetDefault("auth.reset_token_ttl", 24*time.Hour)
	v.SetDefault("auth.allow_pin_overwrite", false)
	v.SetDefault("auth.cookie_secure", true)

	v.SetDefault("workflow.max_providers_to_contact", 10)
	v.SetDefault("workflow.min_responses_required", 3)
	v.SetDefault("workflow.response_check_interval", time.Minute)
	v.SetDefault("workflow.response_timeout", 2*time.Hour)
	v.SetDefault("workflow.recommended_quotes", 3)
	v.SetDefault("workflow.reaper_spec", "@hourly")

	v.SetDefault("messaging.url", "")
	v.SetDefault("messaging.timeout", 10*time.Second)
	v.SetDefault("messaging.from_email", "bookings@localhost")

	v.SetDefault("tracking.ttl", 120*time.Second)
	v.SetDefault("tracking.active_refresh", 15*time.Second)
	v.SetDefault("tracking.max_entries", 100)
}

// LoadConfig loads the configuration from a file and the environment. When
// envFile is set it is loaded into the process environment first; existing
// variables are not overridden.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and the environment still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Server.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.Server.PublicBaseURL), "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.Links.Secret == "" {
		return fmt.Errorf("links.secret (LINKS_SECRET) must be set")
	}
	if c.Auth.MaxPinAttempts < 1 {
		return fmt.Errorf("auth.max_pin_attempts must be at least 1")
	}
	if c.Workflow.ResponseCheckInterval < time.Second {
		return fmt.Errorf("workflow.response_check_interval must be at least 1s")
	}
	if c.Server.TLS.Enable && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set when TLS is enabled")
	}
	if c.Tracking.MaxEntries < 1 {
		return fmt.Errorf("tracking.max_entries must be at least 1")
	}
	return nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
