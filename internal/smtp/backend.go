// Package smtp implements the relay's SMTP front end on top of go-smtp:
// connection filtering, authentication and per-message forwarding to a
// provider.
package smtp

import (
	"context"
	"log/slog"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-graph-relay/internal/access"
	"github.com/shineum/smtp-graph-relay/internal/credentials"
	"github.com/shineum/smtp-graph-relay/internal/provider"
)

// Authenticator resolves SMTP credentials to an identity.
type Authenticator interface {
	Authenticate(username, password string) (credentials.Identity, error)
}

// Backend creates a Session for every accepted connection whose peer
// passes the access filter.
type Backend struct {
	ctx             context.Context
	filter          *access.Filter
	auth            Authenticator
	provider        provider.Provider
	maxAuthFailures int
}

var _ gosmtp.Backend = (*Backend)(nil)

// NewBackend creates a Backend. maxAuthFailures below 1 is treated as 1.
func NewBackend(filter *access.Filter, auth Authenticator, prov provider.Provider, maxAuthFailures int) *Backend {
	if maxAuthFailures < 1 {
		maxAuthFailures = 1
	}
	return &Backend{
		ctx:             context.Background(),
		filter:          filter,
		auth:            auth,
		provider:        prov,
		maxAuthFailures: maxAuthFailures,
	}
}

// NewSession is called by go-smtp on every HELO/EHLO. The access filter
// already ran at accept; it is checked again here so a Backend served on
// an unfiltered listener still refuses disallowed peers.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	conn := c.Conn()
	state := stateOf(conn)

	sess, err := b.newSession(conn.RemoteAddr(), state)
	if err != nil {
		if state.hangup != nil {
			state.hangup()
		}
		return nil, err
	}
	return sess, nil
}

func (b *Backend) newSession(remote net.Addr, state *connState) (*Session, error) {
	if !b.filter.IsAllowedNetAddr(remote) {
		slog.Warn("connection rejected by access filter", "remote_addr", remoteString(remote))
		return nil, ErrConnectionRejected
	}
	if state == nil {
		state = &connState{}
	}

	slog.Debug("session started", "remote_addr", remoteString(remote))
	return &Session{
		backend:    b,
		remoteAddr: remoteString(remote),
		conn:       state,
		state:      stateConnected,
	}, nil
}
