// Package credentials loads the local SMTP user list and verifies logins
// against it.
package credentials

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Entry is one local SMTP user.
type Entry struct {
	// Password is either a bcrypt hash or a plaintext password.
	Password string `json:"password" yaml:"password" toml:"password"`

	// Mailbox is the cloud mailbox this login sends as.
	Mailbox string `json:"graphUser" yaml:"mailbox" toml:"mailbox"`
}

// Store is an immutable username to Entry mapping.
type Store struct {
	entries map[string]Entry
}

// NewStore creates a Store from an in-memory mapping. The map is copied.
func NewStore(entries map[string]Entry) *Store {
	s := &Store{entries: make(map[string]Entry, len(entries))}
	for k, v := range entries {
		s.entries[k] = v
	}
	return s
}

// Load reads a users file. The format follows the extension: .yaml/.yml,
// .toml, anything else is JSON.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	entries := make(map[string]Entry)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	case ".toml":
		err = toml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}

	for username, e := range entries {
		if strings.TrimSpace(e.Mailbox) == "" {
			slog.Warn("users file entry has no mailbox, skipping",
				"path", path,
				"username", username,
			)
			delete(entries, username)
		}
	}

	return NewStore(entries), nil
}

// LoadOrEmpty loads the users file, logging and returning an empty Store
// when the file is missing or malformed. The relay still starts in that
// case; every login fails.
func LoadOrEmpty(path string) *Store {
	s, err := Load(path)
	if err != nil {
		slog.Error("error loading users, all authentication will fail",
			"path", path,
			"error", err,
		)
		return NewStore(nil)
	}
	slog.Info("loaded users", "count", s.Len(), "path", path)
	return s
}

// Lookup returns the entry for username.
func (s *Store) Lookup(username string) (Entry, bool) {
	e, ok := s.entries[username]
	return e, ok
}

// Len returns the number of users.
func (s *Store) Len() int {
	return len(s.entries)
}

// Save writes entries to path in the format chosen by its extension.
func Save(path string, entries map[string]Entry) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(entries)
	case ".toml":
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(entries)
		data = []byte(b.String())
	default:
		data, err = json.MarshalIndent(entries, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode users file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return nil
}
