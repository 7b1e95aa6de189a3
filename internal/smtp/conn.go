package smtp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/shineum/smtp-graph-relay/internal/access"
)

// rejectWriteTimeout bounds the reply written to a peer refused at accept.
const rejectWriteTimeout = 5 * time.Second

// connState is per-connection state that outlives a single go-smtp
// session. go-smtp starts a new session on every HELO/EHLO, including the
// one that follows STARTTLS, so the failed-auth count lives here.
type connState struct {
	authFailures int
	hangup       func()
}

// filterListener applies the access filter as connections are accepted,
// before any greeting is sent, and wraps allowed connections so a session
// can ask for the connection to be dropped after its next reply.
type filterListener struct {
	net.Listener
	filter *access.Filter
}

func (l filterListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.filter.IsAllowedNetAddr(conn.RemoteAddr()) {
			return newHangupConn(conn), nil
		}
		slog.Warn("connection rejected by access filter", "remote_addr", remoteString(conn.RemoteAddr()))
		go reject(conn)
	}
}

// reject writes the 554 reply to a refused peer and closes the socket.
func reject(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	e := ErrConnectionRejected
	fmt.Fprintf(conn, "%d %d.%d.%d %s\r\n",
		e.Code, e.EnhancedCode[0], e.EnhancedCode[1], e.EnhancedCode[2], e.Message)
}

type hangupConn struct {
	net.Conn
	hangup atomic.Bool
	state  *connState
}

func newHangupConn(conn net.Conn) *hangupConn {
	c := &hangupConn{Conn: conn}
	c.state = &connState{hangup: c.HangUpAfterWrite}
	return c
}

// HangUpAfterWrite closes the connection once the next Write completes.
func (c *hangupConn) HangUpAfterWrite() {
	c.hangup.Store(true)
}

func (c *hangupConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if c.hangup.Load() {
		c.Conn.Close()
	}
	return n, err
}

// stateOf returns the connState of conn, looking through a STARTTLS
// wrapper. Connections not accepted by filterListener get a fresh state
// that cannot hang up.
func stateOf(conn net.Conn) *connState {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if hc, ok := conn.(*hangupConn); ok {
		return hc.state
	}
	return &connState{}
}
