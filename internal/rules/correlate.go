package rules

import (
	"context"
	"net/netip"
	"time"

	"github.com/sctnightcore/netredirect/internal/datastruct"
)

// DefaultCorrelationTTL bounds how long a resolved address keeps pointing
// back at the hostname that produced it.
const DefaultCorrelationTTL = 5 * time.Minute

// The hook path does one lookup per connect, a few shards are plenty.
const correlatorShards = 8

// Correlator remembers which hostname resolved to which addresses, so that
// a later connection to a bare address can still be matched against host
// rules. Entries expire after a TTL; the resolver hook feeds the map and
// the connection hook queries it.
type Correlator struct {
	ttl    time.Duration
	byAddr *datastruct.TTLCache[string]
}

// NewCorrelator creates an empty correlator. A non-positive ttl falls back
// to DefaultCorrelationTTL.
func NewCorrelator(ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = DefaultCorrelationTTL
	}

	return &Correlator{
		ttl:    ttl,
		byAddr: datastruct.NewTTLCache[string](correlatorShards),
	}
}

// Observe records that host resolved to the given addresses.
func (c *Correlator) Observe(host string, addrs []netip.Addr) {
	if host == "" || len(addrs) == 0 {
		return
	}

	host = NormalizeHost(host)

	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		c.byAddr.Set(addr.Unmap().String(), host, c.ttl)
	}
}

// HostFor returns the hostname the address was last resolved from,
// if the entry has not expired.
func (c *Correlator) HostFor(addr netip.Addr) (string, bool) {
	return c.byAddr.Get(addr.Unmap().String())
}

// Len counts resident entries, including expired ones not yet reaped.
func (c *Correlator) Len() int {
	return c.byAddr.Len()
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Correlator) Sweep() int {
	return c.byAddr.Sweep()
}

// Janitor sweeps expired entries on the given interval until the context
// is canceled. Run it in its own goroutine.
func (c *Correlator) Janitor(ctx context.Context, every time.Duration) {
	c.byAddr.Janitor(ctx, every)
}
