// Package transport builds per-account HTTP round trippers: a Chrome TLS
// fingerprint (utls) for direct connections, and a strict proxy dialer
// (SOCKS5 or HTTP CONNECT) when the account requires egress isolation.
// A proxy-configured account never falls back to a direct connection —
// ErrProxyRequired is the only outcome of a broken proxy (component C8,
// spec invariant 4).
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

// ErrProxyRequired wraps any failure to construct or use a configured
// proxy. Callers must treat this as fatal for the current account attempt
// and never retry over a direct connection.
type ErrProxyRequired struct {
	AccountID string
	Cause     error
}

func (e *ErrProxyRequired) Error() string {
	return fmt.Sprintf("transport: proxy required for account %s: %v", e.AccountID, e.Cause)
}

func (e *ErrProxyRequired) Unwrap() error { return e.Cause }

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// Manager pools one RoundTripper per distinct proxy configuration (or one
// shared direct-connection RoundTripper), so repeated requests against the
// same account reuse warm TCP/TLS connections instead of dialing fresh
// each time.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

func NewManager(requestTimeout time.Duration) *Manager {
	return &Manager{entries: make(map[string]*poolEntry), requestTimeout: requestTimeout}
}

// GetClient returns an http.Client using the account's RoundTripper. The
// RoundTripper itself never falls back off a broken proxy; errors from it
// surface as *ErrProxyRequired via the proxy dialers below.
func (m *Manager) GetClient(acct *accountstore.Account) *http.Client {
	return &http.Client{Transport: m.getRoundTripper(acct), Timeout: m.requestTimeout}
}

func (m *Manager) getRoundTripper(acct *accountstore.Account) http.RoundTripper {
	key := transportKey(acct)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(acct)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup evicts idle pooled transports; run as a background goroutine
// for the lifetime of the process.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func transportKey(acct *accountstore.Account) string {
	if acct.Proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d:%s", acct.Proxy.Type, acct.Proxy.Host, acct.Proxy.Port, acct.ID)
}

func buildRoundTripper(acct *accountstore.Account) http.RoundTripper {
	if acct.Proxy != nil {
		p := acct.Proxy
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(acct.ID, p),
		}
	}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return uTLSHandshake(ctx, rawConn, host)
}

func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// proxyDialer returns the strict, non-fallback DialTLSContext for one
// account's proxy configuration. Every error path wraps *ErrProxyRequired
// so the retry engine can distinguish it from an ordinary network error.
func proxyDialer(accountID string, p *accountstore.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	switch p.Type {
	case accountstore.ProxySOCKS5:
		dial = socks5Dialer(p)
	default:
		dial = httpConnectDialer(p)
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, &ErrProxyRequired{AccountID: accountID, Cause: err}
		}
		return conn, nil
	}
}

func socks5Dialer(p *accountstore.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func httpConnectDialer(p *accountstore.Proxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}
