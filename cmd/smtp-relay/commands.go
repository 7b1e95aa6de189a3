package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-graph-relay/internal/credentials"
	"github.com/shineum/smtp-graph-relay/internal/setup"
)

func newSetupCmd(configPath *string) *cobra.Command {
	var usersPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the config template, encrypt the client secret and seed the users file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(os.Getenv("LOG_LEVEL"))

			path := *configPath
			if path == "" {
				path = "config.yaml"
			}
			if usersPath == "" {
				usersPath = os.Getenv("USERS_FILE")
			}
			if usersPath == "" {
				usersPath = "users.json"
			}

			res, err := setup.Run(setup.Options{
				ConfigPath:    path,
				UsersPath:     usersPath,
				EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
				ClientSecret:  os.Getenv("GRAPH_CLIENT_SECRET"),
			})
			if err != nil {
				return err
			}
			printSetupResult(cmd.OutOrStdout(), path, usersPath, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&usersPath, "users", "", "path to the users file (default $USERS_FILE or users.json)")
	return cmd
}

func printSetupResult(w io.Writer, configPath, usersPath string, res *setup.Result) {
	if res.ConfigCreated {
		fmt.Fprintf(w, "Created %s; fill in the Graph tenant and client IDs.\n", configPath)
	}
	if res.KeyGenerated {
		fmt.Fprintf(w, "Generated a new encryption key in %s.\n", configPath)
	}
	if res.SecretEncrypted {
		fmt.Fprintf(w, "Client secret encrypted in %s.\n", configPath)
	}
	if res.UsersCreated {
		fmt.Fprintf(w, "Created %s with user %s.\n", usersPath, setup.SeedUser)
		fmt.Fprintf(w, "Password (shown once): %s\n", res.SeedPassword)
	}
	fmt.Fprintln(w, "Setup completed successfully!")
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for the users file",
		Long:  "Print a bcrypt hash for the users file. The password is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := argOrLine(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := credentials.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newEncryptCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value with the configured encryption key",
		Long:  "Encrypt a value with the configured encryption key. The value is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Security.EncryptionKey == "" {
				return errors.New("no encryption key configured")
			}
			c, err := newCipher(cfg.Security.EncryptionKey)
			if err != nil {
				return err
			}

			value, err := argOrLine(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			blob, err := c.Encrypt(value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), blob)
			return nil
		},
	}
}

// argOrLine returns the single argument, or the first line of r.
func argOrLine(r io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
