package service

import (
	"net"
	"net/url"
	"strings"

	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
)

var privateSuffixes = []string{".internal", ".local", ".lan", ".localhost"}

// HostPolicy decides which hosts a job may target.
type HostPolicy struct {
	allowPrivate bool
	allowed      []string
}

// NewHostPolicy builds a policy from config. Allowed domains are matched
// case-insensitively and include their subdomains.
func NewHostPolicy(cfg config.PolicyConfig) *HostPolicy {
	p := &HostPolicy{allowPrivate: cfg.AllowPrivateHosts}
	for _, d := range cfg.AllowedDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			p.allowed = append(p.allowed, d)
		}
	}
	return p
}

// Check returns a ValidationError when rawURL's host is not allowed.
func (p *HostPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.ErrValidation("url is not parseable")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return models.ErrValidation("url must include a host")
	}

	if !p.allowPrivate && isPrivateHost(host) {
		return models.ErrValidation("url host " + host + " is not publicly routable")
	}

	if len(p.allowed) > 0 && !p.domainAllowed(host) {
		return models.ErrValidation("url host " + host + " is not in the allowed domains")
	}
	return nil
}

func (p *HostPolicy) domainAllowed(host string) bool {
	for _, d := range p.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// isPrivateHost only looks at the literal host. Names that resolve to
// private addresses are not caught here.
func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, s := range privateSuffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
