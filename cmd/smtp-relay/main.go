// Package main is the entry point for the SMTP to Microsoft Graph relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/shineum/smtp-graph-relay/internal/access"
	"github.com/shineum/smtp-graph-relay/internal/config"
	"github.com/shineum/smtp-graph-relay/internal/credentials"
	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/provider/graph"
	"github.com/shineum/smtp-graph-relay/internal/provider/ses"
	"github.com/shineum/smtp-graph-relay/internal/provider/stdout"
	"github.com/shineum/smtp-graph-relay/internal/secret"
	"github.com/shineum/smtp-graph-relay/internal/smtp"
	smtptls "github.com/shineum/smtp-graph-relay/internal/tls"
)

func main() {
	code := 0
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		code = 1
	}
	memguard.Purge()
	os.Exit(code)
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), configPath)
	}

	root := &cobra.Command{
		Use:           "smtp-relay",
		Short:         "Accept SMTP submissions and relay them through Microsoft Graph",
		RunE:          serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		newSetupCmd(&configPath),
		newHashPasswordCmd(),
		newEncryptCmd(&configPath),
	)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	prov, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}

	tlsConfig, err := smtptls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Domain)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	store := credentials.LoadOrEmpty(cfg.SMTP.UsersFile)

	server := smtp.New(smtp.ServerConfig{
		Addr:              cfg.SMTP.Addr(),
		Domain:            cfg.SMTP.Domain,
		Filter:            access.NewFilter(cfg.SMTP.AllowedIPs),
		Authenticator:     credentials.NewAuthenticator(store),
		Provider:          prov,
		TLSConfig:         tlsConfig,
		MaxMessageBytes:   cfg.SMTP.MaxMessageSize,
		ReadTimeout:       cfg.SMTP.ReadTimeout,
		WriteTimeout:      cfg.SMTP.WriteTimeout,
		MaxAuthFailures:   cfg.SMTP.MaxAuthFailures,
		AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
	})

	slog.Info("starting smtp-relay",
		"listen", cfg.SMTP.Addr(),
		"provider", prov.Name(),
		"users", store.Len(),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("smtp-relay stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildProvider creates the delivery backend named by cfg.Provider. The
// configuration must already be validated.
func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderGraph:
		clientSecret, err := decryptClientSecret(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("using Microsoft Graph provider", "tenant_id", cfg.Graph.TenantID)
		p, err := graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: clientSecret,
			Timeout:      cfg.Graph.RequestTimeout,
			SOCKSProxy:   cfg.Graph.SOCKSProxy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph provider: %w", err)
		}
		return p, nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, sesConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func sesConfig(cfg *config.Config) ses.Config {
	return ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Timeout:         cfg.SES.RequestTimeout,
	}
}

func decryptClientSecret(cfg *config.Config) (*secret.Sealed, error) {
	c, err := newCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	sealed, err := secret.DecryptSealed(c, cfg.Graph.EncryptedClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}
	return sealed, nil
}

func newCipher(key string) (*secret.Cipher, error) {
	raw, err := secret.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return secret.NewCipher(raw)
}
