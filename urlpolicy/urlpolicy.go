package urlpolicy

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Verdict is the outcome of a single allowlist/blocklist check.
type Verdict struct {
	Allowed          bool
	Reason           string
	BlockedByPattern bool
}

// builtinDenyTerms are host labels that are always rejected, even with an
// empty blocklist. Defense in depth: a misconfigured deployment must not
// reach gambling/adult hosts or hidden services.
var builtinDenyTerms = []string{
	"casino",
	"gambling",
	"betting",
	"poker",
	"porn",
	"adult",
	"xxx",
}

type Config struct {
	Allowed []string
	Blocked []string

	// DenyPrivateIPs rejects localhost and private/link-local address
	// literals, and (when LookupHost is set and ResolveDNS is true)
	// hostnames resolving to them.
	DenyPrivateIPs bool
	ResolveDNS     bool
}

// List is the mutable allow/block domain engine. Block patterns are checked
// first and win unconditionally, even over an explicit allow entry. Allow
// entries are exact domains; subdomains are implicitly included.
//
// Mutations take effect on the very next check. Grants are monotonic for the
// process lifetime.
type List struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
	blocked []string

	denyPrivateIPs bool
	resolveDNS     bool
	lookupHost     func(host string) ([]string, error)
}

func NewList(cfg Config) *List {
	l := &List{
		allowed:        make(map[string]struct{}, len(cfg.Allowed)),
		denyPrivateIPs: cfg.DenyPrivateIPs,
		resolveDNS:     cfg.ResolveDNS,
	}
	for _, d := range cfg.Allowed {
		if d = normalizeDomain(d); d != "" {
			l.allowed[d] = struct{}{}
		}
	}
	for _, p := range cfg.Blocked {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			l.blocked = append(l.blocked, p)
		}
	}
	return l
}

// SetLookupHost overrides the DNS resolver used for private-IP checks.
// Tests inject a fake here.
func (l *List) SetLookupHost(fn func(host string) ([]string, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookupHost = fn
}

// AddAllowed grants a domain (and its subdomains) for the process lifetime.
// This is the mechanism behind "approve once, trust thereafter".
func (l *List) AddAllowed(domain string) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed[domain] = struct{}{}
}

// AddBlocked adds a block pattern (substring or glob against the full host).
func (l *List) AddBlocked(pattern string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked = append(l.blocked, pattern)
}

// AllowedDomains returns a snapshot of the current allow entries.
func (l *List) AllowedDomains() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.allowed))
	for d := range l.allowed {
		out = append(out, d)
	}
	return out
}

// IsAllowed checks rawURL against the blocklist, built-in deny terms and the
// allowlist, in that order. Blocklist matches are never overridden by allow
// membership.
func (l *List) IsAllowed(rawURL string) Verdict {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || strings.TrimSpace(u.Hostname()) == "" {
		return Verdict{Allowed: false, Reason: "Invalid URL"}
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, p := range l.blocked {
		if hostMatchesPattern(host, p) {
			return Verdict{
				Allowed:          false,
				Reason:           fmt.Sprintf("host %q matches blocked pattern %q", host, p),
				BlockedByPattern: true,
			}
		}
	}

	if strings.HasSuffix(host, ".onion") {
		return Verdict{
			Allowed:          false,
			Reason:           "hidden-service hosts are not allowed",
			BlockedByPattern: true,
		}
	}
	for _, label := range strings.Split(host, ".") {
		for _, term := range builtinDenyTerms {
			if strings.Contains(label, term) {
				return Verdict{
					Allowed:          false,
					Reason:           fmt.Sprintf("host %q matches denied term %q", host, term),
					BlockedByPattern: true,
				}
			}
		}
	}

	if l.denyPrivateIPs {
		if err := resolveAndCheckHost(host, l.resolveDNS, l.lookupHost); err != nil {
			return Verdict{
				Allowed:          false,
				Reason:           err.Error(),
				BlockedByPattern: true,
			}
		}
	}

	for d := range l.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return Verdict{Allowed: true}
		}
	}

	return Verdict{
		Allowed: false,
		Reason:  fmt.Sprintf("host %q is not in the allowlist", host),
	}
}

// hostMatchesPattern matches p against host either as a case-insensitive
// substring or, when p contains glob metacharacters, as a glob over the
// full host.
func hostMatchesPattern(host, p string) bool {
	if strings.ContainsAny(p, "*?[") {
		ok, err := path.Match(p, host)
		return err == nil && ok
	}
	return strings.Contains(host, p)
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimSuffix(d, "/")
	d = strings.TrimPrefix(d, "www.")
	return strings.Trim(d, ".")
}

// IsDeniedPrivateHost reports whether host is a literal address (or
// localhost) that must never be reached: loopback, unspecified, link-local
// or RFC1918/fc00::/7 private ranges.
func IsDeniedPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return isPrivateIP(ip)
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return ip.IsPrivate()
}

func resolveAndCheckHost(host string, resolveDNS bool, lookup func(string) ([]string, error)) error {
	if IsDeniedPrivateHost(host) {
		return fmt.Errorf("host %q is a private or local address", host)
	}
	if !resolveDNS {
		return nil
	}
	if net.ParseIP(host) != nil {
		// Literal IP already checked above.
		return nil
	}
	if lookup == nil {
		lookup = net.LookupHost
	}
	addrs, err := lookup(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private address %q", host, a)
		}
	}
	return nil
}
