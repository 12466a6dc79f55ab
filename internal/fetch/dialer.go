package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WithDialer replaces the function used to open connections to vetted
// addresses.
func WithDialer(dial DialFunc) ValidatorOption {
	return func(v *Validator) { v.dial = dial }
}

func defaultDial() DialFunc {
	d := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return d.DialContext
}

// DialContext resolves the target host again at connect time, rejects the
// connection if any address is blocked, and dials the first vetted address.
func (v *Validator) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
	}
	host = normalizeHost(host)
	if isBlockedHostname(host) {
		return nil, v.reject(addr, "network", fmt.Sprintf("hostname %q is blocked", host))
	}

	addrs, err := v.Resolve(ctx, host)
	if err != nil {
		return nil, v.reject(addr, "network", fmt.Sprintf("could not resolve %q: %v", host, err))
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return nil, v.reject(addr, "network", fmt.Sprintf("%q resolved to private address %s at connect time", host, a))
		}
	}
	if len(addrs) == 0 {
		return nil, v.reject(addr, "network", fmt.Sprintf("no usable addresses for %q", host))
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := v.dial(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewTransport returns a pooled transport that never consults proxy
// environment variables and dials through the validator's guarded dialer.
func NewTransport(v *Validator) *http.Transport {
	t := cleanhttp.DefaultPooledTransport()
	t.Proxy = nil
	t.DialContext = v.DialContext
	return t
}

// RedirectPolicy returns a CheckRedirect hook that stops after maxHops hops and
// runs every redirect target through the full validation pipeline.
func (v *Validator) RedirectPolicy(maxHops int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		target := req.URL.String()
		if len(via) > maxHops {
			return v.reject(target, "redirect", fmt.Sprintf("stopped after %d redirects", maxHops))
		}
		if _, err := v.Validate(req.Context(), target); err != nil {
			return err
		}
		v.logger.Debug("Following redirect", "from", via[len(via)-1].URL.String(), "to", target)
		return nil
	}
}
