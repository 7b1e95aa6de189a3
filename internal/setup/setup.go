// Package setup bootstraps a relay installation: it writes a configuration
// template, encrypts the Graph client secret in place and seeds the users
// file.
package setup

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-graph-relay/internal/credentials"
	"github.com/shineum/smtp-graph-relay/internal/secret"
)

// SeedUser is the login written to a newly created users file.
const SeedUser = "noreply@example.com"

// Options controls a setup run.
type Options struct {
	ConfigPath string
	UsersPath  string

	// EncryptionKey overrides the key stored in the configuration file.
	EncryptionKey string

	// ClientSecret overrides graph.client_secret in the configuration file.
	ClientSecret string
}

// Result reports what a setup run changed.
type Result struct {
	ConfigCreated   bool
	KeyGenerated    bool
	SecretEncrypted bool
	UsersCreated    bool

	// SeedPassword is the plaintext password of SeedUser. It is only set
	// when the users file was created and is never written to disk.
	SeedPassword string
}

// Run performs every setup step. It is safe to run repeatedly: existing
// files are edited in place and never replaced wholesale.
func Run(opts Options) (*Result, error) {
	res := &Result{}

	doc, err := loadOrCreateConfig(opts, res)
	if err != nil {
		return nil, err
	}
	root := doc.Content[0]

	key := opts.EncryptionKey
	if key == "" {
		key = scalar(root, "security", "encryption_key")
	}
	if key == "" {
		key, err = secret.GenerateKey()
		if err != nil {
			return nil, err
		}
		setScalar(ensureMapping(root, "security"), "encryption_key", key)
		res.KeyGenerated = true
		slog.Info("generated encryption key", "config", opts.ConfigPath)
	}

	plaintext := opts.ClientSecret
	if plaintext == "" {
		plaintext = scalar(root, "graph", "client_secret")
	}
	if plaintext != "" {
		if err := encryptSecret(root, key, plaintext); err != nil {
			return nil, err
		}
		res.SecretEncrypted = true
		slog.Info("client secret encrypted", "config", opts.ConfigPath)
	}

	if res.ConfigCreated || res.KeyGenerated || res.SecretEncrypted {
		if err := writeConfig(opts.ConfigPath, doc); err != nil {
			return nil, err
		}
	}

	if err := seedUsers(opts.UsersPath, res); err != nil {
		return nil, err
	}
	return res, nil
}

func loadOrCreateConfig(opts Options, res *Result) (*yaml.Node, error) {
	data, err := os.ReadFile(opts.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		key := opts.EncryptionKey
		if key == "" {
			if key, err = secret.GenerateKey(); err != nil {
				return nil, err
			}
			res.KeyGenerated = true
		}
		data = []byte(fmt.Sprintf(configTemplate, key))
		res.ConfigCreated = true
		slog.Info("configuration template created", "config", opts.ConfigPath)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config file %s is not a YAML mapping", opts.ConfigPath)
	}
	return &doc, nil
}

// encryptSecret replaces graph.client_secret with graph.encrypted_client_secret
// so no plaintext secret stays in the file.
func encryptSecret(root *yaml.Node, key, plaintext string) error {
	rawKey, err := secret.ParseKey(key)
	if err != nil {
		return err
	}
	c, err := secret.NewCipher(rawKey)
	if err != nil {
		return err
	}
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		return err
	}

	graph := ensureMapping(root, "graph")
	if k, v := lookup(graph, "client_secret"); k != nil {
		removeKey(graph, "encrypted_client_secret")
		k.Value = "encrypted_client_secret"
		v.Kind, v.Tag, v.Style, v.Value = yaml.ScalarNode, "!!str", 0, blob
		return nil
	}
	setScalar(graph, "encrypted_client_secret", blob)
	return nil
}

func writeConfig(path string, doc *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func seedUsers(path string, res *Result) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat users file: %w", err)
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}
	hash, err := credentials.HashPassword(password)
	if err != nil {
		return err
	}

	err = credentials.Save(path, map[string]credentials.Entry{
		SeedUser: {Password: hash, Mailbox: SeedUser},
	})
	if err != nil {
		return err
	}

	res.UsersCreated = true
	res.SeedPassword = password
	slog.Info("users file created", "users_file", path, "username", SeedUser)
	return nil
}

func randomPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

const configTemplate = `# Relay provider: graph, ses or stdout
provider: graph

smtp:
  host: 0.0.0.0
  port: 2525
  domain: localhost
  users_file: users.json
  # Comma-separated CIDR ranges allowed to connect. Empty denies everyone.
  allowed_ips: "172.16.0.0/16,10.0.0.0/8"

graph:
  tenant_id: your_tenant_id
  client_id: your_client_id
  # Replaced by encrypted_client_secret on the next setup run.
  client_secret: ""

tls:
  cert_file: certs/certificate.crt
  key_file: certs/private.key

security:
  encryption_key: "%s"
`
