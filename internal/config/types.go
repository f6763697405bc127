package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/netutil"
	"github.com/sctnightcore/netredirect/internal/ptr"
	"github.com/sctnightcore/netredirect/internal/rules"
)

// ┌─────────────────┐
// │ GENERAL OPTIONS │
// └─────────────────┘
var _ merger[*GeneralOptions] = (*GeneralOptions)(nil)

type GeneralOptions struct {
	LogLevel *zerolog.Level `toml:"log-level"`
	Silent   *bool          `toml:"silent"`

	// NativeHooks enables the ws2_32 socket patches. It only has an
	// effect on windows; other platforms hook the dialer alone.
	NativeHooks *bool `toml:"native-hooks"`
}

func (o *GeneralOptions) UnmarshalTOML(data any) (err error) {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("non-table type general config")
	}

	o.Silent = findFrom(m, "silent", parseBoolFn(), &err)
	o.NativeHooks = findFrom(m, "native-hooks", parseBoolFn(), &err)
	if p := findFrom(m, "log-level", parseStringFn(checkLogLevel), &err); isOk(p, err) {
		o.LogLevel = ptr.FromValue(MustParseLogLevel(*p))
	}

	return err
}

func (o *GeneralOptions) Clone() *GeneralOptions {
	if o == nil {
		return nil
	}

	var newLevel *zerolog.Level
	if o.LogLevel != nil {
		newLevel = ptr.FromValue(MustParseLogLevel(strings.ToLower(o.LogLevel.String())))
	}

	return &GeneralOptions{
		LogLevel:    newLevel,
		Silent:      ptr.Clone(o.Silent),
		NativeHooks: ptr.Clone(o.NativeHooks),
	}
}

func (origin *GeneralOptions) Merge(overrides *GeneralOptions) *GeneralOptions {
	if overrides == nil {
		return origin.Clone()
	}

	if origin == nil {
		return overrides.Clone()
	}

	return &GeneralOptions{
		LogLevel:    ptr.CloneOr(overrides.LogLevel, origin.LogLevel),
		Silent:      ptr.CloneOr(overrides.Silent, origin.Silent),
		NativeHooks: ptr.CloneOr(overrides.NativeHooks, origin.NativeHooks),
	}
}

// ┌─────────────┐
// │ DNS OPTIONS │
// └─────────────┘
var _ merger[*DNSOptions] = (*DNSOptions)(nil)

type DNSOptions struct {
	Upstream   *string        `toml:"upstream"`
	ListenAddr *string        `toml:"listen-addr"`
	RewriteTTL *uint32        `toml:"rewrite-ttl"`
	Timeout    *time.Duration `toml:"timeout"`

	// CorrelationTTL bounds how long a resolved address stays mapped
	// back to the hostname that produced it.
	CorrelationTTL *time.Duration `toml:"correlation-ttl"`
}

func (o *DNSOptions) UnmarshalTOML(data any) (err error) {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("'dns' must be table type")
	}

	o.Upstream = findFrom(m, "upstream", parseStringFn(checkHostPort), &err)
	o.ListenAddr = findFrom(m, "listen-addr", parseStringFn(checkHostPort), &err)
	o.RewriteTTL = findFrom(m, "rewrite-ttl", parseIntFn[uint32](checkUint32), &err)
	o.Timeout = findFrom(m, "timeout", parseMillisFn(checkMillis), &err)
	o.CorrelationTTL = findFrom(m, "correlation-ttl", parseMillisFn(checkMillis), &err)

	return err
}

func (o *DNSOptions) Clone() *DNSOptions {
	if o == nil {
		return nil
	}

	return &DNSOptions{
		Upstream:       ptr.Clone(o.Upstream),
		ListenAddr:     ptr.Clone(o.ListenAddr),
		RewriteTTL:     ptr.Clone(o.RewriteTTL),
		Timeout:        ptr.Clone(o.Timeout),
		CorrelationTTL: ptr.Clone(o.CorrelationTTL),
	}
}

func (origin *DNSOptions) Merge(overrides *DNSOptions) *DNSOptions {
	if overrides == nil {
		return origin.Clone()
	}

	if origin == nil {
		return overrides.Clone()
	}

	return &DNSOptions{
		Upstream:       ptr.CloneOr(overrides.Upstream, origin.Upstream),
		ListenAddr:     ptr.CloneOr(overrides.ListenAddr, origin.ListenAddr),
		RewriteTTL:     ptr.CloneOr(overrides.RewriteTTL, origin.RewriteTTL),
		Timeout:        ptr.CloneOr(overrides.Timeout, origin.Timeout),
		CorrelationTTL: ptr.CloneOr(overrides.CorrelationTTL, origin.CorrelationTTL),
	}
}

// ┌───────────────┐
// │ RELAY OPTIONS │
// └───────────────┘
var _ merger[*RelayOptions] = (*RelayOptions)(nil)

type RelayOptions struct {
	Enabled           *bool          `toml:"enabled"`
	Addr              *string        `toml:"addr"`
	ReconnectInterval *time.Duration `toml:"reconnect-interval"`
	PingInterval      *time.Duration `toml:"ping-interval"`
}

func (o *RelayOptions) UnmarshalTOML(data any) (err error) {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("'relay' must be table type")
	}

	o.Enabled = findFrom(m, "enabled", parseBoolFn(), &err)
	o.Addr = findFrom(m, "addr", parseStringFn(checkHostPort), &err)
	o.ReconnectInterval = findFrom(m, "reconnect-interval", parseMillisFn(checkMillis), &err)
	o.PingInterval = findFrom(m, "ping-interval", parseMillisFn(checkMillis), &err)

	return err
}

func (o *RelayOptions) Clone() *RelayOptions {
	if o == nil {
		return nil
	}

	return &RelayOptions{
		Enabled:           ptr.Clone(o.Enabled),
		Addr:              ptr.Clone(o.Addr),
		ReconnectInterval: ptr.Clone(o.ReconnectInterval),
		PingInterval:      ptr.Clone(o.PingInterval),
	}
}

func (origin *RelayOptions) Merge(overrides *RelayOptions) *RelayOptions {
	if overrides == nil {
		return origin.Clone()
	}

	if origin == nil {
		return overrides.Clone()
	}

	return &RelayOptions{
		Enabled:           ptr.CloneOr(overrides.Enabled, origin.Enabled),
		Addr:              ptr.CloneOr(overrides.Addr, origin.Addr),
		ReconnectInterval: ptr.CloneOr(overrides.ReconnectInterval, origin.ReconnectInterval),
		PingInterval:      ptr.CloneOr(overrides.PingInterval, origin.PingInterval),
	}
}

// ┌──────────────┐
// │ RULE ENTRIES │
// └──────────────┘
var _ cloner[*RuleEntry] = (*RuleEntry)(nil)

// RuleEntry is one [[rule]] table. Host and Addr are alternative match
// keys; at least one must be present. Target is always "addr:port".
type RuleEntry struct {
	Name     *string `toml:"name"`
	Host     *string `toml:"host"`
	Addr     *string `toml:"addr"`
	Port     *uint16 `toml:"port"`
	Target   *string `toml:"target"`
	Mirror   *bool   `toml:"mirror"`
	Takeover *bool   `toml:"takeover"`
}

func (e *RuleEntry) UnmarshalTOML(data any) (err error) {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("'rule' must be table type")
	}

	e.Name = findFrom(m, "name", parseStringFn(nil), &err)
	e.Host = findFrom(m, "host", parseStringFn(checkHostPattern), &err)
	e.Addr = findFrom(m, "addr", parseStringFn(checkAddrLiteral), &err)
	e.Port = findFrom(m, "port", parseIntFn[uint16](checkUint16), &err)
	e.Target = findFrom(m, "target", parseStringFn(checkTargetEndpoint), &err)
	e.Mirror = findFrom(m, "mirror", parseBoolFn(), &err)
	e.Takeover = findFrom(m, "takeover", parseBoolFn(), &err)

	if err == nil {
		err = checkRuleEntry(*e)
	}

	return err
}

func (e *RuleEntry) Clone() *RuleEntry {
	if e == nil {
		return nil
	}

	return &RuleEntry{
		Name:     ptr.Clone(e.Name),
		Host:     ptr.Clone(e.Host),
		Addr:     ptr.Clone(e.Addr),
		Port:     ptr.Clone(e.Port),
		Target:   ptr.Clone(e.Target),
		Mirror:   ptr.Clone(e.Mirror),
		Takeover: ptr.Clone(e.Takeover),
	}
}

// toRule converts the entry into a table rule. Entries decoded from TOML
// were already validated field by field, so errors here mostly concern
// entries assembled in code.
func (e *RuleEntry) toRule() (rules.Rule, error) {
	if err := checkRuleEntry(*e); err != nil {
		return rules.Rule{}, err
	}

	target, err := netutil.ParseEndpoint(ptr.FromPtr(e.Target))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("target: %w", err)
	}

	if !target.IsLiteral() {
		return rules.Rule{}, fmt.Errorf("target host %q must be a literal address", target.Host)
	}

	r := rules.Rule{
		Name:     ptr.FromPtr(e.Name),
		Host:     ptr.FromPtr(e.Host),
		Port:     ptr.FromPtr(e.Port),
		Target:   target.AddrPort(),
		Mirror:   ptr.FromPtr(e.Mirror),
		Takeover: ptr.FromPtr(e.Takeover),
	}

	if e.Addr != nil {
		addr, err := netip.ParseAddr(*e.Addr)
		if err != nil {
			return rules.Rule{}, fmt.Errorf("addr: %w", err)
		}

		r.Addr = addr.Unmap()
	}

	return r, nil
}
