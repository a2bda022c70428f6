package gate

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy restricts which target hosts sessions may be opened to.
//
// Entries can be:
//   - An individual IP address (e.g., "10.0.0.1", "::1")
//   - A CIDR range (e.g., "10.0.0.0/8", "fd00::/8")
//   - An exact hostname (e.g., "bastion.example.com")
//   - A wildcard suffix (e.g., "*.internal.example.com")
//
// Deny entries win over allow entries. An empty allow list admits every host
// not denied. Hostnames are matched literally; no DNS resolution happens here.
type Policy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`

	allow matcher
	deny  matcher
}

type matcher struct {
	cidrs    []*net.IPNet
	ips      []net.IP
	hosts    map[string]struct{}
	suffixes []string
}

// LoadPolicy reads a YAML policy file. An empty path yields a nil policy,
// which permits every host.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) compile() error {
	var err error
	if p.allow, err = compileMatcher(p.Allow); err != nil {
		return fmt.Errorf("allow: %w", err)
	}
	if p.deny, err = compileMatcher(p.Deny); err != nil {
		return fmt.Errorf("deny: %w", err)
	}
	return nil
}

func compileMatcher(entries []string) (matcher, error) {
	m := matcher{hosts: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		switch {
		case strings.Contains(entry, "/"):
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return m, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			m.cidrs = append(m.cidrs, ipNet)
		case net.ParseIP(entry) != nil:
			m.ips = append(m.ips, net.ParseIP(entry))
		case strings.HasPrefix(entry, "*."):
			m.suffixes = append(m.suffixes, strings.TrimPrefix(entry, "*"))
		default:
			if err := ValidateHost(entry); err != nil {
				return m, fmt.Errorf("invalid host entry %q", entry)
			}
			m.hosts[strings.TrimSuffix(entry, ".")] = struct{}{}
		}
	}
	return m, nil
}

func (m matcher) empty() bool {
	return len(m.cidrs) == 0 && len(m.ips) == 0 && len(m.hosts) == 0 && len(m.suffixes) == 0
}

func (m matcher) matches(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		for _, cidr := range m.cidrs {
			if cidr.Contains(ip) {
				return true
			}
		}
		for _, allowed := range m.ips {
			if allowed.Equal(ip) {
				return true
			}
		}
		return false
	}
	if _, ok := m.hosts[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Permits reports whether the host may be targeted. A nil policy permits all.
func (p *Policy) Permits(host string) bool {
	if p == nil {
		return true
	}
	if p.deny.matches(host) {
		return false
	}
	if p.allow.empty() {
		return true
	}
	return p.allow.matches(host)
}
