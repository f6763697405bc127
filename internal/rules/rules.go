package rules

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

// Endpoint is a concrete address and port pair.
type Endpoint = netip.AddrPort

// Rule describes a single redirect entry. A rule matches either a literal
// endpoint address, a hostname pattern, or both; the first matching rule in
// table order wins.
type Rule struct {
	// Name identifies the rule in logs and diagnostics. Optional.
	Name string

	// Host is a glob pattern matched against hostnames, with '.' as the
	// separator ("*.example.com", "api.?.internal"). Optional.
	Host string

	// Addr is a literal address to match. Optional.
	Addr netip.Addr

	// Port constrains both address and host matches. Zero matches any port.
	Port uint16

	// Target is the endpoint the matched traffic is redirected to.
	// It is always a concrete address and port, never a hostname, so a
	// redirected connection can never re-enter the table.
	Target netip.AddrPort

	// Mirror copies redirected traffic to the relay companion.
	Mirror bool

	// Takeover hands redirected traffic over to the relay companion
	// entirely while the companion link is up. Implies Mirror framing.
	Takeover bool

	compiled glob.Glob
}

// MatchesAddr reports whether the rule matches the given literal endpoint.
func (r *Rule) MatchesAddr(ep Endpoint) bool {
	if !r.Addr.IsValid() {
		return false
	}

	if r.Port != 0 && r.Port != ep.Port() {
		return false
	}

	return r.Addr == ep.Addr().Unmap()
}

// MatchesHost reports whether the rule matches the given hostname and port.
func (r *Rule) MatchesHost(host string, port uint16) bool {
	if r.compiled == nil {
		return false
	}

	if r.Port != 0 && r.Port != port {
		return false
	}

	return r.compiled.Match(NormalizeHost(host))
}

func (r *Rule) String() string {
	var match string
	switch {
	case r.Host != "" && r.Addr.IsValid():
		match = fmt.Sprintf("%s|%s", r.Host, r.Addr)
	case r.Host != "":
		match = r.Host
	default:
		match = r.Addr.String()
	}

	if r.Port != 0 {
		match = fmt.Sprintf("%s:%d", match, r.Port)
	}

	return fmt.Sprintf("%s -> %s", match, r.Target)
}

// Table is an ordered, immutable rule set. Lookups are safe for concurrent
// use without locking; build a new table to change the rules.
type Table struct {
	rules []*Rule
}

// New compiles and validates the given rules, preserving their order.
func New(rs []Rule) (*Table, error) {
	t := &Table{rules: make([]*Rule, 0, len(rs))}

	for i := range rs {
		r := rs[i]

		if err := compileRule(&r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", describeRule(&r, i), err)
		}

		t.rules = append(t.rules, &r)
	}

	return t, nil
}

func compileRule(r *Rule) error {
	if r.Host == "" && !r.Addr.IsValid() {
		return fmt.Errorf("match must contain a host pattern or an address")
	}

	if !r.Target.Addr().IsValid() || r.Target.Port() == 0 {
		return fmt.Errorf("target must be a concrete address and port")
	}

	if r.Takeover {
		r.Mirror = true
	}

	if r.Host != "" {
		g, err := glob.Compile(NormalizeHost(r.Host), '.')
		if err != nil {
			return fmt.Errorf("invalid host pattern %q: %w", r.Host, err)
		}
		r.compiled = g
	}

	if r.Addr.IsValid() {
		r.Addr = r.Addr.Unmap()
	}

	return nil
}

func describeRule(r *Rule, idx int) string {
	if r.Name != "" {
		return fmt.Sprintf("%q", r.Name)
	}
	return fmt.Sprintf("[%d]", idx)
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns the rules in table order.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// LookupAddr returns the first rule matching the literal endpoint.
func (t *Table) LookupAddr(ep Endpoint) (*Rule, bool) {
	for _, r := range t.rules {
		if r.MatchesAddr(ep) {
			return r, true
		}
	}

	return nil, false
}

// LookupHost returns the first rule matching the hostname and port.
func (t *Table) LookupHost(host string, port uint16) (*Rule, bool) {
	if host == "" {
		return nil, false
	}

	for _, r := range t.rules {
		if r.MatchesHost(host, port) {
			return r, true
		}
	}

	return nil, false
}

// Lookup resolves an endpoint against the table. A literal address match
// takes precedence over a hostname pattern match; within each class the
// first rule in table order wins. A miss returns (nil, false) and the
// caller leaves the traffic untouched.
func (t *Table) Lookup(host string, ep Endpoint) (*Rule, bool) {
	if ep.IsValid() {
		if r, ok := t.LookupAddr(ep); ok {
			return r, true
		}
	}

	if host != "" {
		port := ep.Port()
		if r, ok := t.LookupHost(host, port); ok {
			return r, true
		}
	}

	return nil, false
}

// NormalizeHost lowercases a hostname and strips the trailing dot, so that
// patterns and lookups agree on one canonical form.
func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
