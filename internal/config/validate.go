package config

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/netutil"
	"github.com/sctnightcore/netredirect/internal/ptr"
	"github.com/sctnightcore/netredirect/internal/rules"
)

func checkUint16(v int64) error {
	if v < 0 || math.MaxUint16 < v {
		return fmt.Errorf("out of range[%d-%d]", 0, math.MaxUint16)
	}

	return nil
}

func checkUint32(v int64) error {
	if v < 0 || math.MaxUint32 < v {
		return fmt.Errorf("out of range[%d-%d]", 0, int64(math.MaxUint32))
	}

	return nil
}

func checkMillis(v int64) error {
	if v < 0 {
		return fmt.Errorf("negative duration")
	}

	return nil
}

func checkLogLevel(v string) error {
	_, err := zerolog.ParseLevel(strings.ToLower(v))
	if err != nil {
		return fmt.Errorf("invalid level string %s", v)
	}

	return nil
}

// checkHostPort accepts "host:port" where host may be a name or a
// literal address. Relay and DNS endpoints use it.
func checkHostPort(v string) error {
	_, err := netutil.ParseEndpoint(v)
	return err
}

// checkTargetEndpoint accepts only a literal "addr:port" with a non-zero
// port. Redirect targets must never need another resolution step.
func checkTargetEndpoint(v string) error {
	ep, err := netutil.ParseEndpoint(v)
	if err != nil {
		return err
	}

	if !ep.IsLiteral() {
		return fmt.Errorf("target host %q must be a literal address", ep.Host)
	}

	if ep.Port == 0 {
		return fmt.Errorf("target port must be non-zero")
	}

	return nil
}

func checkAddrLiteral(v string) error {
	if _, err := netip.ParseAddr(v); err != nil {
		return fmt.Errorf("invalid address %q", v)
	}

	return nil
}

func checkHostPattern(v string) error {
	if v == "" {
		return fmt.Errorf("empty host pattern")
	}

	if _, err := glob.Compile(rules.NormalizeHost(v), '.'); err != nil {
		return fmt.Errorf("invalid host pattern %q: %w", v, err)
	}

	return nil
}

func checkRuleEntry(e RuleEntry) error {
	if e.Host == nil && e.Addr == nil {
		return fmt.Errorf("rule must match a host pattern or an address")
	}

	if e.Target == nil {
		return fmt.Errorf("rule must name a target")
	}

	return nil
}

func MustParseLogLevel(s string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		panic(fmt.Sprintf("log level %q: %v", s, err))
	}

	return l
}

// ┌────────────────┐
// │ CLI VALIDATORS │
// └────────────────┘
func validateLogLevel(v string) error {
	return checkLogLevel(v)
}

func validateHostPort(v string) error {
	return checkHostPort(v)
}

func validateMillis(v int64) error {
	return checkMillis(v)
}

func validateRuleSpecs(ss []string) error {
	for _, s := range ss {
		if _, err := parseRuleSpec(s); err != nil {
			return err
		}
	}

	return nil
}

// parseRuleSpec reads the command line rule shorthand "match=target" with
// optional ",mirror" or ",takeover" suffixes. The match side is either a
// literal endpoint ("1.2.3.4:80"), a bare address, or a host pattern with
// an optional port ("*.example.com:443").
func parseRuleSpec(s string) (RuleEntry, error) {
	lhs, rhs, found := strings.Cut(s, "=")
	if !found {
		return RuleEntry{}, fmt.Errorf("rule %q: want match=target", s)
	}

	parts := strings.Split(rhs, ",")

	target := strings.TrimSpace(parts[0])
	if err := checkTargetEndpoint(target); err != nil {
		return RuleEntry{}, fmt.Errorf("rule %q: %w", s, err)
	}

	entry := RuleEntry{Target: ptr.FromValue(target)}

	for _, flag := range parts[1:] {
		switch strings.TrimSpace(flag) {
		case "mirror":
			entry.Mirror = ptr.FromValue(true)
		case "takeover":
			entry.Takeover = ptr.FromValue(true)
		default:
			return RuleEntry{}, fmt.Errorf("rule %q: unknown flag %q", s, flag)
		}
	}

	match := strings.TrimSpace(lhs)
	if match == "" {
		return RuleEntry{}, fmt.Errorf("rule %q: empty match", s)
	}

	if ep, err := netutil.ParseEndpoint(match); err == nil {
		if ep.Port != 0 {
			entry.Port = ptr.FromValue(ep.Port)
		}

		if ep.IsLiteral() {
			entry.Addr = ptr.FromValue(ep.Addr.String())
			return entry, nil
		}

		if err := checkHostPattern(ep.Host); err != nil {
			return RuleEntry{}, fmt.Errorf("rule %q: %w", s, err)
		}

		entry.Host = ptr.FromValue(ep.Host)
		return entry, nil
	}

	if addr, err := netip.ParseAddr(match); err == nil {
		entry.Addr = ptr.FromValue(addr.Unmap().String())
		return entry, nil
	}

	if err := checkHostPattern(match); err != nil {
		return RuleEntry{}, fmt.Errorf("rule %q: %w", s, err)
	}

	entry.Host = ptr.FromValue(match)

	return entry, nil
}
