package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// GeneralNames holds subjectAltName entries grouped by type, in the order
// they were added.
type GeneralNames struct {
	DNSNames       []string
	EmailAddresses []string
	IPAddresses    []net.IP
	URIs           []*url.URL
}

// Len returns the total number of names.
func (g *GeneralNames) Len() int {
	return len(g.DNSNames) + len(g.EmailAddresses) + len(g.IPAddresses) + len(g.URIs)
}

// Strings renders every name with its type prefix, grouped by type.
func (g *GeneralNames) Strings() []string {
	out := make([]string, 0, g.Len())
	for _, n := range g.DNSNames {
		out = append(out, "DNS:"+n)
	}
	for _, ip := range g.IPAddresses {
		out = append(out, "IP:"+ip.String())
	}
	for _, e := range g.EmailAddresses {
		out = append(out, "email:"+e)
	}
	for _, u := range g.URIs {
		out = append(out, "URI:"+u.String())
	}
	return out
}

// Add parses a single name. A "DNS:", "IP:", "email:" or "URI:" prefix
// selects the type explicitly; bare values are classified by shape.
// Duplicates are ignored.
func (g *GeneralNames) Add(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty name")
	}

	kind, rest := "", value
	if i := strings.IndexByte(value, ':'); i > 0 {
		switch p := strings.ToLower(value[:i]); p {
		case "dns", "ip", "email", "uri":
			kind, rest = p, strings.TrimSpace(value[i+1:])
		}
	}
	if kind == "" {
		switch {
		case net.ParseIP(value) != nil:
			kind = "ip"
		case strings.Contains(value, "://"):
			kind = "uri"
		case strings.Contains(value, "@"):
			kind = "email"
		default:
			kind = "dns"
		}
	}

	switch kind {
	case "dns":
		name, err := NormalizeDNSName(rest)
		if err != nil {
			return err
		}
		if !containsString(g.DNSNames, name) {
			g.DNSNames = append(g.DNSNames, name)
		}
	case "ip":
		ip := net.ParseIP(rest)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", rest)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		for _, existing := range g.IPAddresses {
			if existing.Equal(ip) {
				return nil
			}
		}
		g.IPAddresses = append(g.IPAddresses, ip)
	case "email":
		addr, err := NormalizeEmail(rest)
		if err != nil {
			return err
		}
		if !containsString(g.EmailAddresses, addr) {
			g.EmailAddresses = append(g.EmailAddresses, addr)
		}
	case "uri":
		u, err := url.Parse(rest)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("invalid URI %q", rest)
		}
		for _, existing := range g.URIs {
			if existing.String() == u.String() {
				return nil
			}
		}
		g.URIs = append(g.URIs, u)
	}
	return nil
}

// ParseGeneralNames parses every value with Add.
func ParseGeneralNames(values []string) (GeneralNames, error) {
	var g GeneralNames
	for _, v := range values {
		if err := g.Add(v); err != nil {
			return GeneralNames{}, err
		}
	}
	return g, nil
}

// NormalizeDNSName lower-cases a DNS name, converts internationalised
// labels to their A-label form and validates label syntax. A single
// leading "*." wildcard label is preserved.
func NormalizeDNSName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("empty DNS name")
	}

	wildcard := false
	if rest, ok := strings.CutPrefix(name, "*."); ok {
		wildcard, name = true, rest
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("invalid DNS name %q: %w", name, err)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > 253 {
		return "", fmt.Errorf("DNS name %q exceeds 253 characters", name)
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("invalid DNS label in %q", name)
		}
	}

	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}

// NormalizeEmail validates an rfc822Name and normalises its domain part.
func NormalizeEmail(addr string) (string, error) {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid email address %q", addr)
	}
	d, err := NormalizeDNSName(domain)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	return local + "@" + d, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
