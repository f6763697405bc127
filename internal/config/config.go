// Package config holds the TOML file and command line surface of the
// redirect engine. Options decode into pointer groups so that merging can
// tell "absent" from "zero"; flags win over file values, file values win
// over defaults.
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/dnsproxy"
	"github.com/sctnightcore/netredirect/internal/engine"
	"github.com/sctnightcore/netredirect/internal/ptr"
	"github.com/sctnightcore/netredirect/internal/relay"
	"github.com/sctnightcore/netredirect/internal/rules"
)

var _ merger[*Config] = (*Config)(nil)

type Config struct {
	General *GeneralOptions `toml:"general"`
	DNS     *DNSOptions     `toml:"dns"`
	Relay   *RelayOptions   `toml:"relay"`
	Rules   []RuleEntry     `toml:"rule"`
}

func (c *Config) UnmarshalTOML(data any) (err error) {
	m, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("non-table type config")
	}

	c.General = findStructFrom[GeneralOptions](m, "general", &err)
	c.DNS = findStructFrom[DNSOptions](m, "dns", &err)
	c.Relay = findStructFrom[RelayOptions](m, "relay", &err)
	c.Rules = findStructSliceFrom[RuleEntry](m, "rule", &err)

	return err
}

// Default returns a fully populated configuration. Every option group is
// present so that merging user input on top never leaves a nil group.
func Default() *Config {
	return &Config{
		General: &GeneralOptions{
			LogLevel:    ptr.FromValue(zerolog.InfoLevel),
			Silent:      ptr.FromValue(false),
			NativeHooks: ptr.FromValue(true),
		},
		DNS: &DNSOptions{
			Upstream:       ptr.FromValue(dnsproxy.DefaultUpstream),
			ListenAddr:     ptr.FromValue("127.0.0.1:5353"),
			RewriteTTL:     ptr.FromValue(uint32(dnsproxy.DefaultRewriteTTL)),
			Timeout:        ptr.FromValue(5 * time.Second),
			CorrelationTTL: ptr.FromValue(rules.DefaultCorrelationTTL),
		},
		Relay: &RelayOptions{
			Enabled:           ptr.FromValue(false),
			Addr:              ptr.FromValue(relay.DefaultAddr),
			ReconnectInterval: ptr.FromValue(relay.DefaultReconnectInterval),
			PingInterval:      ptr.FromValue(relay.DefaultPingInterval),
		},
	}
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	var entries []RuleEntry
	if c.Rules != nil {
		entries = make([]RuleEntry, 0, len(c.Rules))
		for i := range c.Rules {
			entries = append(entries, *c.Rules[i].Clone())
		}
	}

	return &Config{
		General: c.General.Clone(),
		DNS:     c.DNS.Clone(),
		Relay:   c.Relay.Clone(),
		Rules:   entries,
	}
}

// Merge layers overrides on top of origin. Scalar options replace;
// rule lists append, overrides after origin, preserving order within
// each source.
func (origin *Config) Merge(overrides *Config) *Config {
	if overrides == nil {
		return origin.Clone()
	}

	if origin == nil {
		return overrides.Clone()
	}

	merged := &Config{
		General: origin.General.Merge(overrides.General),
		DNS:     origin.DNS.Merge(overrides.DNS),
		Relay:   origin.Relay.Merge(overrides.Relay),
	}

	merged.Rules = append(merged.Rules, origin.Clone().Rules...)
	merged.Rules = append(merged.Rules, overrides.Clone().Rules...)

	return merged
}

// Level resolves the effective log level.
func (c *Config) Level() zerolog.Level {
	if c == nil || c.General == nil || c.General.LogLevel == nil {
		return zerolog.InfoLevel
	}

	return *c.General.LogLevel
}

// Silent reports whether startup output should be suppressed.
func (c *Config) Silent() bool {
	if c == nil || c.General == nil {
		return false
	}

	return ptr.FromPtr(c.General.Silent)
}

// Table compiles the rule entries into a lookup table.
func (c *Config) Table() (*rules.Table, error) {
	entries := make([]rules.Rule, 0, len(c.Rules))

	for i := range c.Rules {
		r, err := c.Rules[i].toRule()
		if err != nil {
			return nil, fmt.Errorf("rule [%d]: %w", i, err)
		}

		entries = append(entries, r)
	}

	return rules.New(entries)
}

// EngineOptions converts the configuration into attach options.
func (c *Config) EngineOptions() (engine.Options, error) {
	table, err := c.Table()
	if err != nil {
		return engine.Options{}, err
	}

	opts := engine.Options{Table: table}

	if c.General != nil {
		opts.Winsock = ptr.FromPtrOr(c.General.NativeHooks, true)
	} else {
		opts.Winsock = true
	}

	if c.DNS != nil {
		opts.DNS = dnsproxy.Options{
			Upstream:   ptr.FromPtr(c.DNS.Upstream),
			RewriteTTL: ptr.FromPtr(c.DNS.RewriteTTL),
			Timeout:    ptr.FromPtr(c.DNS.Timeout),
		}
		opts.CorrelationTTL = ptr.FromPtr(c.DNS.CorrelationTTL)
	}

	if c.Relay != nil {
		opts.RelayEnabled = ptr.FromPtr(c.Relay.Enabled)
		opts.Relay = relay.ClientOptions{
			Addr:              ptr.FromPtr(c.Relay.Addr),
			ReconnectInterval: ptr.FromPtr(c.Relay.ReconnectInterval),
			PingInterval:      ptr.FromPtr(c.Relay.PingInterval),
		}
	}

	return opts, nil
}

// DNSListenAddr resolves the standalone DNS server address.
func (c *Config) DNSListenAddr() string {
	if c == nil || c.DNS == nil || c.DNS.ListenAddr == nil {
		return "127.0.0.1:5353"
	}

	return *c.DNS.ListenAddr
}
