package transport

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaymesh/ccgate/internal/accountstore"
)

func TestTransportKeyDistinguishesDirectAndProxy(t *testing.T) {
	direct := &accountstore.Account{ID: "a1"}
	proxied := &accountstore.Account{ID: "a1", Proxy: &accountstore.Proxy{Type: accountstore.ProxySOCKS5, Host: "10.0.0.1", Port: 1080}}

	if transportKey(direct) != "direct" {
		t.Fatalf("expected direct key, got %q", transportKey(direct))
	}
	if transportKey(proxied) == "direct" {
		t.Fatalf("expected proxy key to differ from direct")
	}
}

func TestGetClientReusesPooledRoundTripperForSameAccount(t *testing.T) {
	m := NewManager(30 * time.Second)
	acct := &accountstore.Account{ID: "a1"}

	c1 := m.GetClient(acct)
	c2 := m.GetClient(acct)

	if c1.Transport != c2.Transport {
		t.Fatalf("expected pooled RoundTripper to be reused across calls")
	}
}

func TestDirectAccountUsesHTTP2Transport(t *testing.T) {
	m := NewManager(30 * time.Second)
	acct := &accountstore.Account{ID: "a1"}
	client := m.GetClient(acct)

	if _, ok := client.Transport.(*http2.Transport); !ok {
		t.Fatalf("expected direct account to use http2.Transport, got %T", client.Transport)
	}
}

func TestProxyAccountUsesHTTPTransport(t *testing.T) {
	m := NewManager(30 * time.Second)
	acct := &accountstore.Account{ID: "a1", Proxy: &accountstore.Proxy{Type: accountstore.ProxySOCKS5, Host: "127.0.0.1", Port: 1}}
	client := m.GetClient(acct)

	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Fatalf("expected proxy account to use http.Transport, got %T", client.Transport)
	}
}

func TestBrokenSOCKS5ProxyReturnsErrProxyRequiredNotDirectFallback(t *testing.T) {
	// Nothing listens on port 1 of localhost, so the dial is refused; this
	// exercises the failure path without a live proxy.
	p := &accountstore.Proxy{Type: accountstore.ProxySOCKS5, Host: "127.0.0.1", Port: 1}
	dial := socks5Dialer(p)

	_, err := dial(nil, "tcp", "example.com:443") //nolint:staticcheck // nil ctx unused by this dialer path
	if err == nil {
		t.Fatalf("expected dial failure against an unreachable proxy")
	}

	wrapped := proxyDialer("acct-1", p)
	_, err = wrapped(nil, "tcp", "example.com:443") //nolint:staticcheck
	var target *ErrProxyRequired
	if !errors.As(err, &target) {
		t.Fatalf("expected *ErrProxyRequired, got %T: %v", err, err)
	}
	if target.AccountID != "acct-1" {
		t.Fatalf("expected AccountID to be set on the wrapped error")
	}
}

func TestCleanupEvictsIdleEntries(t *testing.T) {
	m := NewManager(30 * time.Second)
	acct := &accountstore.Account{ID: "a1"}
	_ = m.GetClient(acct)

	m.mu.Lock()
	for _, e := range m.entries {
		e.lastUsed = time.Now().Add(-10 * time.Minute)
	}
	m.mu.Unlock()

	m.cleanup(5 * time.Minute)

	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected idle entry to be evicted, got %d remaining", n)
	}
}
