// Package fetch performs outbound requests on behalf of callers while
// defending against server-side request forgery.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"ingestd/internal/types"
)

// DefaultAllowedDomains is the built-in set of open-data and API hosts.
var DefaultAllowedDomains = []string{
	"api.github.com",
	"raw.githubusercontent.com",
	"data.gov",
	"api.data.gov",
	"data.worldbank.org",
	"api.worldbank.org",
	"data.cityofnewyork.us",
	"api.census.gov",
	"jsonplaceholder.typicode.com",
	"opendata.arcgis.com",
}

// Policy holds the protocol, port and path rules of one validation profile.
type Policy struct {
	Name         string
	Protocols    []string
	Ports        []int
	BlockedPaths []string
}

var defaultBlockedPaths = []string{"/admin", "/internal", "/private", "/management", "/actuator", "/health"}

var WebPolicy = Policy{
	Name:         "web",
	Protocols:    []string{"http", "https"},
	Ports:        []int{80, 443, 8080, 8443},
	BlockedPaths: defaultBlockedPaths,
}

var StreamPolicy = Policy{
	Name:         "stream",
	Protocols:    []string{"http", "https", "ws", "wss"},
	Ports:        []int{80, 443, 8080, 8443, 3000, 5000, 8000, 8081, 8888, 9000},
	BlockedPaths: defaultBlockedPaths,
}

var blockedHostnames = []string{"localhost", "metadata.google.internal", "metadata"}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("fd00:ec2::254/128"),
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Allowlist is the runtime-extensible set of permitted domains. It is shared
// between validators so one AllowDomain call covers web and stream traffic.
type Allowlist struct {
	mu      sync.RWMutex
	domains []string
}

func NewAllowlist(domains ...string) *Allowlist {
	a := &Allowlist{}
	for _, d := range domains {
		a.Add(d)
	}
	return a
}

func (a *Allowlist) Add(domain string) {
	domain = normalizeHost(domain)
	if domain == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.domains, domain) {
		a.domains = append(a.domains, domain)
	}
}

func (a *Allowlist) Domains() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.domains)
}

// Allows reports whether host equals an entry or is a subdomain of one.
func (a *Allowlist) Allows(host string) bool {
	host = normalizeHost(host)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, d := range a.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type Validator struct {
	policy    Policy
	allowlist *Allowlist
	resolver  Resolver
	dial      DialFunc
	logger    *slog.Logger
}

type ValidatorOption func(*Validator)

func WithResolver(r Resolver) ValidatorOption {
	return func(v *Validator) { v.resolver = r }
}

func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

func NewValidator(policy Policy, allowlist *Allowlist, opts ...ValidatorOption) *Validator {
	if allowlist == nil {
		allowlist = NewAllowlist(DefaultAllowedDomains...)
	}
	v := &Validator{
		policy:    policy,
		allowlist: allowlist,
		resolver:  net.DefaultResolver,
		dial:      defaultDial(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) Policy() Policy {
	return v.policy
}

func (v *Validator) Allowlist() *Allowlist {
	return v.allowlist
}

// Validate runs the protocol, domain, private-network, port and path checks
// in that order. Every failure is a *types.SecurityError.
func (v *Validator) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, v.reject(rawURL, "url", "malformed url")
	}

	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(v.policy.Protocols, scheme) {
		return nil, v.reject(rawURL, "protocol", fmt.Sprintf("protocol %q is not allowed", u.Scheme))
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, v.reject(rawURL, "domain", "missing hostname")
	}
	if !v.allowlist.Allows(host) {
		return nil, v.reject(rawURL, "domain", fmt.Sprintf("domain %q is not in the allowlist", host))
	}

	if err := v.checkNetwork(ctx, rawURL, host); err != nil {
		return nil, err
	}

	port, err := effectivePort(u)
	if err != nil {
		return nil, v.reject(rawURL, "port", err.Error())
	}
	if !slices.Contains(v.policy.Ports, port) {
		return nil, v.reject(rawURL, "port", fmt.Sprintf("port %d is not allowed", port))
	}

	path := strings.ToLower(u.EscapedPath())
	for _, blocked := range v.policy.BlockedPaths {
		if strings.Contains(path, blocked) {
			return nil, v.reject(rawURL, "path", fmt.Sprintf("path contains blocked segment %q", blocked))
		}
	}

	return u, nil
}

func (v *Validator) checkNetwork(ctx context.Context, rawURL, host string) error {
	if isBlockedHostname(host) {
		return v.reject(rawURL, "network", fmt.Sprintf("hostname %q resolves to a private network", host))
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return v.reject(rawURL, "network", fmt.Sprintf("address %s is in a private or reserved range", addr))
		}
		return nil
	}

	addrs, err := v.Resolve(ctx, host)
	if err != nil {
		return v.reject(rawURL, "network", fmt.Sprintf("could not resolve %q: %v", host, err))
	}
	for _, addr := range addrs {
		if IsBlockedAddr(addr) {
			return v.reject(rawURL, "network", fmt.Sprintf("%q resolves to private address %s", host, addr))
		}
	}
	return nil
}

// Resolve returns the addresses of host. IP literals resolve to themselves.
func (v *Validator) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	ipAddrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

func (v *Validator) reject(rawURL, check, reason string) error {
	v.logger.Warn("Outbound request rejected", "policy", v.policy.Name, "url", rawURL, "check", check, "reason", reason)
	return types.NewSecurityError(rawURL, check, reason)
}

// IsBlockedAddr reports loopback, private, link-local, unspecified,
// multicast and other reserved addresses, including IPv4-mapped IPv6 forms.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	if slices.Contains(blockedHostnames, host) {
		return true
	}
	return strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal")
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	return strings.Trim(host, "[]")
}

func effectivePort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("invalid port %q", p)
		}
		return port, nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return 80, nil
	case "https", "wss":
		return 443, nil
	}
	return 0, fmt.Errorf("no default port for scheme %q", u.Scheme)
}
