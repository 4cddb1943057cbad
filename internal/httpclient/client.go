// Package httpclient holds the pooled HTTP client and retry policy shared by
// the Webex, tunnel, attachment and Vision clients.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Shared returns an HTTP client with connection pooling. Every outbound
// client in the bot is built from one of these so idle connections are
// reused across rooms.
func Shared(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
