// File: internal/security/guard.go

// Package security screens everything that crosses the trust boundary of a
// task: URLs the agent wants to visit, page text fed back to the oracle, and
// script payloads the oracle wants executed. The guard is deliberately
// stateless so one instance can serve every session.
package security

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/webpilot/internal/config"
	"go.uber.org/zap"
)

// Violation is the reason a guard check rejected its input.
type Violation string

const (
	ViolationScheme        Violation = "disallowed_scheme"
	ViolationBlockedDomain Violation = "blocked_domain"
	ViolationNotAllowlist  Violation = "outside_allowlist"
	ViolationPrivateHost   Violation = "private_host"
	ViolationScript        Violation = "script_rejected"
	ViolationMalformed     Violation = "malformed_input"
)

// Error is returned by every guard rejection. Callers can inspect the
// Violation to decide whether the failure is worth surfacing to the oracle.
type Error struct {
	Violation Violation
	Detail    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("security: %s: %s", e.Violation, e.Detail)
}

const redactedMarker = "[REDACTED]"

// Guard applies the configured policy. Zero value is not usable; construct
// with NewGuard.
type Guard struct {
	blocked           map[string]struct{}
	allowed           map[string]struct{}
	blockPrivate      bool
	allowScripts      bool
	filterInjections  bool
	injectionPatterns []*regexp.Regexp
	scriptPatterns    []*regexp.Regexp
	logger            *zap.Logger
}

// NewGuard builds a guard from the security section of the configuration.
// Pattern lists left empty fall back to the built-in defaults; individual
// patterns that fail to compile are skipped with a warning rather than
// disabling the whole filter.
func NewGuard(cfg config.SecurityConfig, logger *zap.Logger) *Guard {
	g := &Guard{
		blocked:          make(map[string]struct{}, len(cfg.BlockedDomains)),
		allowed:          make(map[string]struct{}, len(cfg.AllowedDomains)),
		blockPrivate:     cfg.BlockPrivate,
		allowScripts:     cfg.AllowScripts,
		filterInjections: cfg.InjectionFilterEnabled,
		logger:           logger.Named("SecurityGuard"),
	}
	for _, d := range cfg.BlockedDomains {
		g.blocked[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	for _, d := range cfg.AllowedDomains {
		g.allowed[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	injections := cfg.InjectionPatterns
	if len(injections) == 0 {
		injections = config.DefaultInjectionPatterns
	}
	g.injectionPatterns = compilePatterns(injections, "injection", g.logger)

	scripts := cfg.AllowedScriptPatterns
	if len(scripts) == 0 {
		scripts = config.DefaultAllowedScriptPatterns
	}
	g.scriptPatterns = compilePatterns(scripts, "script_allowlist", g.logger)

	return g
}

func compilePatterns(patterns []string, kind string, logger *zap.Logger) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		p, err := regexp.Compile(raw)
		if err != nil {
			logger.Warn("Skipping unparseable security pattern.",
				zap.String("kind", kind), zap.String("pattern", raw), zap.Error(err))
			continue
		}
		compiled = append(compiled, p)
	}
	return compiled
}

// ValidateURL decides whether navigation to rawURL is permitted. The checks
// run in a fixed order: scheme, blocklist, allowlist, private address space.
// The hostname is compared without its port.
func (g *Guard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{Violation: ViolationMalformed, Detail: fmt.Sprintf("unparseable url: %v", err)}
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return &Error{Violation: ViolationScheme, Detail: fmt.Sprintf("scheme %q is not navigable", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &Error{Violation: ViolationMalformed, Detail: "url has no host"}
	}

	if g.domainMatches(g.blocked, host) {
		g.logger.Warn("Blocked navigation to denied domain.", zap.String("host", host))
		return &Error{Violation: ViolationBlockedDomain, Detail: fmt.Sprintf("host %q is blocklisted", host)}
	}

	if len(g.allowed) > 0 && !g.domainMatches(g.allowed, host) {
		return &Error{Violation: ViolationNotAllowlist, Detail: fmt.Sprintf("host %q is outside the allowlist", host)}
	}

	if g.blockPrivate {
		if err := g.checkPrivate(host); err != nil {
			return err
		}
	}
	return nil
}

// domainMatches reports whether host equals an entry or is a subdomain of one.
func (g *Guard) domainMatches(set map[string]struct{}, host string) bool {
	if _, ok := set[host]; ok {
		return true
	}
	for domain := range set {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// checkPrivate rejects hosts that resolve trivially to loopback, link-local
// or RFC 1918 space. Only literal IPs and the obvious localhost aliases are
// caught here; DNS rebinding defense belongs at the network layer.
func (g *Guard) checkPrivate(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &Error{Violation: ViolationPrivateHost, Detail: "localhost is not navigable"}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return &Error{Violation: ViolationPrivateHost, Detail: fmt.Sprintf("ip %s is in private address space", ip)}
	}
	return nil
}

// SanitizeText scrubs the configured injection phrasings out of page-derived
// text before it is appended to the oracle transcript. A no-op when the
// filter is disabled; SanitizeText never fails.
func (g *Guard) SanitizeText(text string) string {
	if !g.filterInjections {
		return text
	}
	clean := text
	hits := 0
	for _, p := range g.injectionPatterns {
		if p.MatchString(clean) {
			clean = p.ReplaceAllString(clean, redactedMarker)
			hits++
		}
	}
	if hits > 0 {
		g.logger.Warn("Redacted suspected prompt injection from page content.",
			zap.Int("patterns_hit", hits))
	}
	return clean
}

// ValidateScript checks an execute_script payload against the configured
// allowlist shapes. When the configuration enables arbitrary scripts the
// check passes unconditionally.
func (g *Guard) ValidateScript(script string) error {
	if g.allowScripts {
		return nil
	}
	trimmed := strings.TrimSpace(script)
	if trimmed == "" {
		return &Error{Violation: ViolationMalformed, Detail: "empty script"}
	}
	for _, p := range g.scriptPatterns {
		if p.MatchString(trimmed) {
			return nil
		}
	}
	return &Error{Violation: ViolationScript, Detail: "script does not match any permitted pattern"}
}
