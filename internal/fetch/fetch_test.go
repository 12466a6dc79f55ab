package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/types"
)

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

var testResolver = staticResolver{
	"data.example.com":     {"93.184.216.34"},
	"api.data.example.com": {"93.184.216.35"},
	"rebind.example.com":   {"10.0.0.5"},
	"mixed.example.com":    {"93.184.216.36", "127.0.0.1"},
	"evil.com":             {"93.184.216.99"},
}

func newTestValidator(t *testing.T, policy Policy, srv *httptest.Server, domains ...string) *Validator {
	t.Helper()
	opts := []ValidatorOption{WithResolver(testResolver)}
	if srv != nil {
		target := srv.Listener.Addr().String()
		opts = append(opts, WithDialer(func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, target)
		}))
	}
	if len(domains) == 0 {
		domains = []string{"data.example.com"}
	}
	return NewValidator(policy, NewAllowlist(domains...), opts...)
}

func requireSecurityCheck(t *testing.T, err error, check string) {
	t.Helper()
	require.Error(t, err)
	var se *types.SecurityError
	require.True(t, errors.As(err, &se), "expected SecurityError, got %v", err)
	require.Equal(t, check, se.Check)
}

func TestValidatorPipeline(t *testing.T) {
	v := newTestValidator(t, WebPolicy, nil,
		"data.example.com", "rebind.example.com", "mixed.example.com",
		"127.0.0.1", "169.254.169.254", "localhost", "::1", "metadata.google.internal", "unresolved.example.com")

	tests := []struct {
		name  string
		url   string
		check string
	}{
		{name: "allowed", url: "https://data.example.com/export.csv"},
		{name: "allowed subdomain", url: "https://api.data.example.com/v1/items"},
		{name: "ftp protocol", url: "ftp://data.example.com/file.csv", check: "protocol"},
		{name: "websocket on web policy", url: "ws://data.example.com/feed", check: "protocol"},
		{name: "not allowlisted", url: "http://evil.com/data.csv", check: "domain"},
		{name: "suffix without dot", url: "https://notdata.example.com/x", check: "domain"},
		{name: "loopback literal", url: "http://127.0.0.1/x", check: "network"},
		{name: "metadata ip", url: "http://169.254.169.254/latest/meta-data/", check: "network"},
		{name: "localhost", url: "http://localhost/x", check: "network"},
		{name: "ipv6 loopback", url: "http://[::1]/x", check: "network"},
		{name: "internal hostname", url: "http://metadata.google.internal/x", check: "network"},
		{name: "resolves private", url: "https://rebind.example.com/x", check: "network"},
		{name: "any address private", url: "https://mixed.example.com/x", check: "network"},
		{name: "dns failure", url: "https://unresolved.example.com/x", check: "network"},
		{name: "port", url: "http://data.example.com:22/x", check: "port"},
		{name: "admin path", url: "https://data.example.com/admin/users", check: "path"},
		{name: "actuator path", url: "https://data.example.com/api/ACTUATOR/env", check: "path"},
		{name: "malformed", url: "://nope", check: "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.url)
			if tt.check == "" {
				require.NoError(t, err)
				return
			}
			requireSecurityCheck(t, err, tt.check)
		})
	}
}

func TestLoopbackAlwaysRejected(t *testing.T) {
	v := newTestValidator(t, WebPolicy, nil)
	for _, raw := range []string{"http://127.0.0.1/x", "http://169.254.169.254/latest/meta-data/"} {
		_, err := v.Validate(context.Background(), raw)
		require.True(t, types.IsSecurityError(err), raw)
	}
}

func TestStreamPolicyPorts(t *testing.T) {
	v := newTestValidator(t, StreamPolicy, nil)

	_, err := v.Validate(context.Background(), "wss://data.example.com:8888/stream")
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), "ws://data.example.com:6379/")
	requireSecurityCheck(t, err, "port")

	web := newTestValidator(t, WebPolicy, nil)
	_, err = web.Validate(context.Background(), "https://data.example.com:8888/stream")
	requireSecurityCheck(t, err, "port")
}

func TestAllowlistSharedAcrossPolicies(t *testing.T) {
	list := NewAllowlist("data.example.com")
	web := NewValidator(WebPolicy, list, WithResolver(testResolver))
	stream := NewValidator(StreamPolicy, list, WithResolver(testResolver))

	_, err := web.Validate(context.Background(), "https://evil.com/a.csv")
	requireSecurityCheck(t, err, "domain")

	list.Add("EVIL.com.")
	_, err = web.Validate(context.Background(), "https://evil.com/a.csv")
	require.NoError(t, err)
	_, err = stream.Validate(context.Background(), "wss://evil.com/feed")
	require.NoError(t, err)
	require.Equal(t, []string{"data.example.com", "evil.com"}, list.Domains())
}

func TestIsBlockedAddr(t *testing.T) {
	blocked := []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.169.254",
		"0.0.0.0", "100.64.0.1", "::1", "fe80::1", "fc00::1", "::ffff:10.0.0.1", "224.0.0.1"}
	for _, s := range blocked {
		require.True(t, IsBlockedAddr(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"93.184.216.34", "8.8.8.8", "2606:4700::1111"} {
		require.False(t, IsBlockedAddr(netip.MustParseAddr(s)), s)
	}
}

func TestDialContextRechecksResolution(t *testing.T) {
	v := newTestValidator(t, WebPolicy, nil, "rebind.example.com")
	_, err := v.DialContext(context.Background(), "tcp", "rebind.example.com:80")
	requireSecurityCheck(t, err, "network")
}

func TestFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case r.URL.Path == "/data.json":
			require.Equal(t, userAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			fmt.Fprint(w, `[{"a":1}]`)
		case r.URL.Path == "/page":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html></html>")
		case r.URL.Path == "/big":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, strings.Repeat("x", 64))
		case r.URL.Path == "/escape":
			http.Redirect(w, r, "http://evil.com/data.csv", http.StatusFound)
		case r.URL.Path == "/to-private":
			http.Redirect(w, r, "http://127.0.0.1/data.csv", http.StatusFound)
		case strings.HasPrefix(r.URL.Path, "/hop/"):
			var n int
			fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
			if n < 10 {
				http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
				return
			}
			w.Header().Set("Content-Type", "text/csv")
			fmt.Fprint(w, "a\n1\n")
		case r.URL.Path == "/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.URL.Path == "/missing":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	v := newTestValidator(t, WebPolicy, srv)
	f := NewFetcher(v, Config{MaxResponseBytes: 32, RetryMax: 2}, nil)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		resp, err := f.Fetch(ctx, "http://data.example.com/data.json")
		require.NoError(t, err)
		require.Equal(t, "application/json", resp.ContentType)
		require.Equal(t, `[{"a":1}]`, string(resp.Body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("disallowed content type", func(t *testing.T) {
		_, err := f.Fetch(ctx, "http://data.example.com/page")
		requireSecurityCheck(t, err, "content_type")
	})

	t.Run("size ceiling", func(t *testing.T) {
		_, err := f.Fetch(ctx, "http://data.example.com/big")
		requireSecurityCheck(t, err, "size")
	})

	t.Run("redirect to unlisted domain", func(t *testing.T) {
		hits.Store(0)
		_, err := f.Fetch(ctx, "http://data.example.com/escape")
		requireSecurityCheck(t, err, "domain")
		require.EqualValues(t, 1, hits.Load())
	})

	t.Run("redirect to private address", func(t *testing.T) {
		_, err := f.Fetch(ctx, "http://data.example.com/to-private")
		require.True(t, types.IsSecurityError(err))
	})

	t.Run("redirect limit", func(t *testing.T) {
		_, err := f.Fetch(ctx, "http://data.example.com/hop/7")
		require.NoError(t, err)

		_, err = f.Fetch(ctx, "http://data.example.com/hop/0")
		requireSecurityCheck(t, err, "redirect")
	})

	t.Run("server errors are retried", func(t *testing.T) {
		hits.Store(0)
		_, err := f.Fetch(ctx, "http://data.example.com/flaky")
		var ce *types.ConnectionError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, http.StatusServiceUnavailable, ce.StatusCode)
		require.EqualValues(t, 3, hits.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		hits.Store(0)
		_, err := f.Fetch(ctx, "http://data.example.com/missing")
		var ce *types.ConnectionError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, http.StatusNotFound, ce.StatusCode)
		require.EqualValues(t, 1, hits.Load())
	})

	t.Run("rejected before any request", func(t *testing.T) {
		hits.Store(0)
		_, err := f.Fetch(ctx, "http://evil.com/data.csv")
		requireSecurityCheck(t, err, "domain")
		require.Zero(t, hits.Load())
	})
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher(newTestValidator(t, WebPolicy, srv), Config{Timeout: 50 * time.Millisecond, RetryMax: 0}, nil)
	_, err := f.Fetch(context.Background(), "http://data.example.com/slow")
	require.True(t, types.IsConnectionError(err))
}
