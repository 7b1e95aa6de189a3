package credentials

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Identity is the result of a successful login.
type Identity struct {
	// Username is the SMTP login name.
	Username string
	// Mailbox is the cloud mailbox mapped to Username.
	Mailbox string
}

// Authenticator verifies SMTP logins against a Store.
type Authenticator struct {
	store *Store
}

// NewAuthenticator creates an Authenticator backed by store.
func NewAuthenticator(store *Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate checks username and password. Stored bcrypt hashes are
// verified with bcrypt; any other stored value must match exactly.
func (a *Authenticator) Authenticate(username, password string) (Identity, error) {
	entry, ok := a.store.Lookup(username)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if !passwordMatches(entry.Password, password) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: username, Mailbox: entry.Mailbox}, nil
}

// HashPassword returns a bcrypt hash suitable for a users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func passwordMatches(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}
