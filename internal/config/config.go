// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MiB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted by the provider option.
const (
	ProviderGraph  = "graph"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Graph    GraphConfig    `yaml:"graph"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP listener and session configuration.
type SMTPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Domain            string        `yaml:"domain"`
	UsersFile         string        `yaml:"users_file"`
	AllowedIPs        string        `yaml:"allowed_ips"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxAuthFailures   int           `yaml:"max_auth_failures"`
	AllowInsecureAuth bool          `yaml:"allow_insecure_auth"`
}

// Addr returns the host:port listen address.
func (s SMTPConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// GraphConfig holds Microsoft Graph API configuration. ClientSecret is
// plaintext and only read by the setup command, which replaces it with
// EncryptedClientSecret.
type GraphConfig struct {
	TenantID              string        `yaml:"tenant_id"`
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"`
	EncryptedClientSecret string        `yaml:"encrypted_client_secret"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	SOCKSProxy            string        `yaml:"socks_proxy"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds the symmetric key used to decrypt stored secrets.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	cfg.Provider = strings.ToLower(cfg.Provider)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	return cfg, nil
}

// Default returns a Config populated with default values only.
func Default() *Config {
	return &Config{
		Provider: ProviderGraph,
		SMTP: SMTPConfig{
			Host:            "0.0.0.0",
			Port:            2525,
			Domain:          "localhost",
			UsersFile:       "users.json",
			MaxMessageSize:  defaultMaxMessageSize,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxAuthFailures: 3,
		},
		Graph: GraphConfig{
			RequestTimeout: 30 * time.Second,
		},
		SES: SESConfig{
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate reports the first setting that would prevent the relay from
// starting.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGraph:
		if c.Graph.TenantID == "" || c.Graph.ClientID == "" {
			return fmt.Errorf("%w: graph.tenant_id and graph.client_id are required", ErrInvalid)
		}
		if c.Graph.EncryptedClientSecret == "" {
			return fmt.Errorf("%w: graph.encrypted_client_secret is required (run the setup command)", ErrInvalid)
		}
		if c.Security.EncryptionKey == "" {
			return fmt.Errorf("%w: security.encryption_key is required to decrypt the client secret", ErrInvalid)
		}
	case ProviderSES:
		if c.SES.Region == "" {
			return fmt.Errorf("%w: ses.region is required", ErrInvalid)
		}
	case ProviderStdout:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}

	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("%w: smtp.port %d out of range", ErrInvalid, c.SMTP.Port)
	}
	if c.SMTP.MaxAuthFailures < 1 {
		return fmt.Errorf("%w: smtp.max_auth_failures must be at least 1", ErrInvalid)
	}
	return nil
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Domain, "SMTP_DOMAIN")
	setString(&c.SMTP.UsersFile, "USERS_FILE")
	setString(&c.SMTP.AllowedIPs, "ALLOWED_IPS")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.EncryptedClientSecret, "GRAPH_ENCRYPTED_CLIENT_SECRET")
	setString(&c.Graph.SOCKSProxy, "GRAPH_SOCKS_PROXY")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setString(&c.Security.EncryptionKey, "ENCRYPTION_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(
		setInt(&c.SMTP.Port, "SMTP_PORT"),
		setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE"),
		setInt(&c.SMTP.MaxAuthFailures, "SMTP_MAX_AUTH_FAILURES"),
		setBool(&c.SMTP.AllowInsecureAuth, "SMTP_ALLOW_INSECURE_AUTH"),
		setDuration(&c.SMTP.ReadTimeout, "SMTP_READ_TIMEOUT"),
		setDuration(&c.SMTP.WriteTimeout, "SMTP_WRITE_TIMEOUT"),
		setDuration(&c.Graph.RequestTimeout, "GRAPH_REQUEST_TIMEOUT"),
		setDuration(&c.SES.RequestTimeout, "SES_REQUEST_TIMEOUT"),
	)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = d
	return nil
}
