package origin

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion for same-host comparisons.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeAuthority lowercases host[:port], validates the port and drops it
// when it is the scheme's default.
func normalizeAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(strings.TrimSpace(authority))
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}
	port, ok := normalizePort(rawPort, scheme)
	if !ok {
		return "", false
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	return host, true
}

func normalizePort(rawPort, scheme string) (string, bool) {
	if rawPort == "" {
		return "", true
	}
	n, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || n == 0 {
		return "", false
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		return "", true
	}
	return strconv.FormatUint(n, 10), true
}

// Policy decides which browser origins may open a control channel.
//
// Entries are "*", "null", an exact origin ("https://app.example.com") or a
// pattern whose host may begin with "*." and whose port may be "*"
// ("https://*.github.io", "http://localhost:*"). A Policy with no entries
// allows same-host origins only.
type Policy struct {
	anyOrigin bool
	exact     map[string]struct{}
	patterns  []pattern
}

type pattern struct {
	scheme     string
	hostname   string
	subdomains bool
	// port is "" for the scheme default or "*" for any port.
	port string
}

func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range allowed {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case entry == "*":
			p.anyOrigin = true
		case strings.Contains(entry, "*"):
			pat, err := parsePattern(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid origin pattern %q: %w", raw, err)
			}
			p.patterns = append(p.patterns, pat)
		default:
			normalized, _, ok := NormalizeHeader(entry)
			if !ok {
				return nil, fmt.Errorf("invalid origin %q", raw)
			}
			p.exact[normalized] = struct{}{}
		}
	}
	return p, nil
}

func parsePattern(entry string) (pattern, error) {
	scheme, rest, ok := strings.Cut(entry, "://")
	if !ok {
		return pattern{}, errors.New("missing scheme")
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return pattern{}, errors.New("scheme must be http or https")
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.ContainsAny(rest, "/?#@") {
		return pattern{}, errors.New("pattern must be scheme://host[:port]")
	}
	hostname, port, ok := splitHostPort(rest)
	if !ok {
		return pattern{}, errors.New("malformed host")
	}

	pat := pattern{scheme: scheme, hostname: strings.ToLower(hostname)}
	if strings.HasPrefix(pat.hostname, "*.") {
		pat.subdomains = true
		pat.hostname = pat.hostname[2:]
	}
	if pat.hostname == "" || strings.Contains(pat.hostname, "*") {
		return pattern{}, errors.New(`"*" is only allowed as the leading host label or as the port`)
	}
	if port == "*" {
		pat.port = "*"
	} else if pat.port, ok = normalizePort(port, scheme); !ok {
		return pattern{}, errors.New("invalid port")
	}
	return pat, nil
}

func (pat pattern) matches(scheme, hostname, port string) bool {
	if scheme != pat.scheme {
		return false
	}
	if pat.port != "*" && port != pat.port {
		return false
	}
	if pat.subdomains {
		return strings.HasSuffix(hostname, "."+pat.hostname)
	}
	return hostname == pat.hostname
}

// AllowsAny reports whether the policy contains "*".
func (p *Policy) AllowsAny() bool {
	return p != nil && p.anyOrigin
}

// Allows checks r's Origin header. Requests without an Origin (non-browser
// clients) are allowed.
func (p *Policy) Allows(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, originHost, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	return p.AllowsOrigin(normalized, originHost, r.Host)
}

// AllowsOrigin checks an origin already normalized by NormalizeHeader against
// the policy. requestHost is the incoming Host header.
func (p *Policy) AllowsOrigin(normalizedOrigin, originHost, requestHost string) bool {
	if p == nil || (!p.anyOrigin && len(p.exact) == 0 && len(p.patterns) == 0) {
		return sameHost(normalizedOrigin, originHost, requestHost)
	}
	if p.anyOrigin {
		return true
	}
	if _, ok := p.exact[normalizedOrigin]; ok {
		return true
	}
	scheme, _, ok := strings.Cut(normalizedOrigin, "://")
	if !ok {
		return false
	}
	hostname, port, ok := splitHostPort(originHost)
	if !ok {
		return false
	}
	for _, pat := range p.patterns {
		if pat.matches(scheme, hostname, port) {
			return true
		}
	}
	return false
}

// sameHost compares host:port only. The scheme is ignored because the relay
// may sit behind a TLS-terminating proxy and see plain HTTP.
func sameHost(normalizedOrigin, originHost, requestHost string) bool {
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}
	normalizedRequestHost, ok := normalizeAuthority(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
