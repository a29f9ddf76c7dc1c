// Package upstream builds outbound HTTP clients for provider calls,
// including per-account HTTP and SOCKS5 proxy tunneling.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyConfig describes an optional outbound proxy attached to an account.
type ProxyConfig struct {
	Type string `json:"type"` // "http" or "socks5"
	Host string `json:"host"`
	Port int    `json:"port"`
	Auth string `json:"auth,omitempty"` // "user:password", optional
}

// ClientOptions controls timeout behavior of the built client.
type ClientOptions struct {
	// Timeout bounds the whole call including body read. Used for buffered
	// requests and connectivity probes.
	Timeout time.Duration
	// Streaming leaves the body read unbounded and applies Timeout only up
	// to the response headers, so long-lived SSE streams are not cut off.
	Streaming bool
}

const (
	dialTimeout         = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// NewClient builds an *http.Client honoring the account's proxy settings.
// A nil proxyCfg produces a direct client. The connect phase (dial, TLS
// handshake) is always bounded, even for streaming clients whose overall
// call deadline is left open.
func NewClient(proxyCfg *ProxyConfig, opts ClientOptions) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxyCfg != nil && proxyCfg.Host != "" {
		switch strings.ToLower(proxyCfg.Type) {
		case "socks5":
			socksDial, err := socks5Dialer(proxyCfg, dialer)
			if err != nil {
				return nil, err
			}
			transport.DialContext = socksDial
		case "http", "":
			u, err := httpProxyURL(proxyCfg)
			if err != nil {
				return nil, err
			}
			transport.Proxy = http.ProxyURL(u)
		default:
			return nil, fmt.Errorf("unsupported proxy type %q", proxyCfg.Type)
		}
	}

	client := &http.Client{Transport: transport}
	if opts.Streaming {
		transport.ResponseHeaderTimeout = opts.Timeout
	} else {
		client.Timeout = opts.Timeout
	}
	return client, nil
}

func httpProxyURL(cfg *ProxyConfig) (*url.URL, error) {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
	}
	if cfg.Auth != "" {
		user, pass, ok := strings.Cut(cfg.Auth, ":")
		if ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u, nil
}

func socks5Dialer(cfg *ProxyConfig, forward *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *proxy.Auth
	if cfg.Auth != "" {
		user, pass, _ := strings.Cut(cfg.Auth, ":")
		auth = &proxy.Auth{User: user, Password: pass}
	}

	// forward carries the dial timeout so the hop to the proxy itself is
	// bounded too
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer, err := proxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
	}

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, address)
		}
		return dialer.Dial(network, address)
	}, nil
}
