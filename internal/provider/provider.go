// Package provider defines the interface for outbound mail transports.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

var (
	// ErrUpstreamRejected is wrapped by errors for requests the upstream
	// service answered with a failure, or that never reached it.
	ErrUpstreamRejected = errors.New("upstream rejected message")

	// ErrUpstreamTimeout is wrapped by errors for requests that exceeded
	// the request timeout.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
)

// Provider is the interface that outbound transports must implement.
// Each provider sends an authenticated submission to a cloud mail service.
type Provider interface {
	// Send delivers env once. It does not retry.
	Send(ctx context.Context, env *email.Envelope) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// UpstreamError wraps a transport-level failure with ErrUpstreamTimeout
// when err is a deadline or network timeout, and with ErrUpstreamRejected
// otherwise.
func UpstreamError(msg string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamRejected, msg, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
