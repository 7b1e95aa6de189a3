package graph

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// newHTTPClient builds the client used for both the token and sendMail
// endpoints. When socksAddr is set all connections are dialed through
// that SOCKS5 proxy.
func newHTTPClient(timeout time.Duration, socksAddr string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if socksAddr != "" {
		base := &net.Dialer{Timeout: timeout}
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, base)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
