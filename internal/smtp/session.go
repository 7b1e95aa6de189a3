package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-graph-relay/internal/credentials"
	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/parser"
	"github.com/shineum/smtp-graph-relay/internal/provider"
)

// sessionState tracks where a connection is in the relay flow.
type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateReceiving
	stateForwarding
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	case stateReceiving:
		return "receiving"
	case stateForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}

// Session is the per-connection state machine. It is created only for
// allow-listed peers and must authenticate before any mail transaction.
type Session struct {
	backend    *Backend
	remoteAddr string
	conn       *connState

	state    sessionState
	identity credentials.Identity

	from  string
	rcpts []string
}

var (
	_ gosmtp.Session     = (*Session)(nil)
	_ gosmtp.AuthSession = (*Session)(nil)
)

func (s *Session) logger() *slog.Logger {
	l := slog.With("remote_addr", s.remoteAddr)
	if s.identity.Username != "" {
		l = l.With("username", s.identity.Username)
	}
	return l
}

// AuthMechanisms advertises PLAIN and LOGIN.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth returns a SASL server for mech that checks the decoded credentials
// against the credential store.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.conn.authFailures >= s.backend.maxAuthFailures {
		s.hangUp()
		return nil, ErrTooManyAuthFailures
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return s.authenticate(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: s.authenticate}, nil
	default:
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}

func (s *Session) authenticate(username, password string) error {
	id, err := s.backend.auth.Authenticate(username, password)
	if err != nil {
		s.conn.authFailures++
		s.logger().Warn("authentication failed",
			"username", username,
			"failures", s.conn.authFailures,
		)
		if s.conn.authFailures >= s.backend.maxAuthFailures {
			s.hangUp()
			return ErrTooManyAuthFailures
		}
		return ErrInvalidCredentials
	}

	s.identity = id
	s.state = stateAuthenticated
	s.logger().Info("authentication succeeded", "mailbox", id.Mailbox)
	return nil
}

func (s *Session) hangUp() {
	s.logger().Warn("closing connection after repeated authentication failures")
	if s.conn.hangup != nil {
		s.conn.hangup()
	}
}

// Mail starts a transaction. The envelope sender is recorded for logging
// only; outbound mail is always sent as the mapped mailbox.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.state < stateAuthenticated {
		return ErrAuthenticationRequired
	}
	s.from = from
	s.rcpts = nil
	s.state = stateReceiving
	return nil
}

// Rcpt records an envelope recipient.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.state < stateAuthenticated {
		return ErrAuthenticationRequired
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data reads the message, translates it and hands it to the provider. The
// reply reflects the single upstream attempt.
func (s *Session) Data(r io.Reader) error {
	if s.state < stateAuthenticated {
		return ErrAuthenticationRequired
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	log := s.logger().With("mailbox", s.identity.Mailbox)

	msg, err := parser.Parse(raw)
	if err != nil {
		log.Error("failed to parse message", "error", err)
		s.endTransaction()
		return ErrMessageParseFailure
	}

	if len(msg.To) == 0 {
		for _, rcpt := range s.rcpts {
			msg.To = append(msg.To, email.Address{Address: rcpt})
		}
	}

	env := &email.Envelope{
		Identity: s.identity.Username,
		Mailbox:  s.identity.Mailbox,
		Message:  msg,
	}

	log = log.With(
		"subject", msg.Subject,
		"recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc),
	)

	s.state = stateForwarding
	err = s.backend.provider.Send(context.WithoutCancel(s.backend.ctx), env)
	s.endTransaction()

	if err != nil {
		log.Error("provider send failed", "provider", s.backend.provider.Name(), "error", err)
		if errors.Is(err, provider.ErrUpstreamTimeout) {
			return ErrUpstreamTimeout
		}
		return ErrUpstreamRejected
	}

	log.Info("message relayed", "provider", s.backend.provider.Name(), "envelope_from", s.from)
	return nil
}

// Reset aborts the current transaction. Authentication survives.
func (s *Session) Reset() {
	s.endTransaction()
}

// Logout is called when the connection closes.
func (s *Session) Logout() error {
	s.logger().Debug("session closed", "state", s.state.String())
	return nil
}

func (s *Session) endTransaction() {
	s.from = ""
	s.rcpts = nil
	if s.state > stateAuthenticated {
		s.state = stateAuthenticated
	}
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
