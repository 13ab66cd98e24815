// Package httpclient builds bounded HTTP clients for outbound checks.
//
// Every client carries a hard timeout: suspending indefinitely on a remote
// call is disallowed anywhere in the executor path.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/storyscan-io/storyscan/errors"
)

// New creates an HTTP client with a bounded overall timeout and sane
// transport limits.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(nil),
	}
}

// NewWithProxy creates an HTTP client that routes through the given proxy.
// Username and password may be empty for unauthenticated proxies.
func NewWithProxy(host string, port int, username, password string, timeout time.Duration) (*http.Client, error) {
	if host == "" {
		return nil, errors.New("proxy host cannot be empty")
	}
	if port < 1 || port > 65535 {
		return nil, errors.Newf("proxy port out of range: %d", port)
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if username != "" {
		proxyURL.User = url.UserPassword(username, password)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(proxyURL),
	}, nil
}

func newTransport(proxyURL *url.URL) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}
