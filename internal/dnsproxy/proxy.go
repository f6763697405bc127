// Package dnsproxy answers name resolution queries through the rule
// table. Hosts matched by a rule resolve straight to the rule's target,
// everything else is forwarded upstream and the answers are rewritten
// where a literal address rule matches them. Real upstream answers are
// also fed to the correlator so that later connections to those
// addresses can be traced back to the hostname they came from, and
// cached for as long as their shortest record allows.
package dnsproxy

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/sctnightcore/netredirect/internal/datastruct"
	"github.com/sctnightcore/netredirect/internal/logging"
	"github.com/sctnightcore/netredirect/internal/rules"
)

const (
	// DefaultUpstream answers the queries no rule covers.
	DefaultUpstream = "8.8.8.8:53"

	// DefaultRewriteTTL keeps rewritten answers short-lived so rule
	// changes take effect quickly.
	DefaultRewriteTTL = 10

	defaultTimeout = 5 * time.Second
)

type exchangeFunc = func(
	ctx context.Context,
	msg *dns.Msg,
	upstream string,
) (*dns.Msg, error)

// Options configures a Proxy. Zero fields fall back to the package
// defaults.
type Options struct {
	Upstream   string
	RewriteTTL uint32
	Timeout    time.Duration
}

// Proxy is a dns.Handler that serves rewritten answers.
type Proxy struct {
	logger zerolog.Logger

	table      *rules.Table
	correlator *rules.Correlator

	upstream   string
	rewriteTTL uint32
	timeout    time.Duration

	client   *dns.Client
	exchange exchangeFunc
	answers  *datastruct.TTLCache[*dns.Msg]

	servers serverSet
}

var _ dns.Handler = (*Proxy)(nil)

// New creates a proxy answering through table. The correlator may be
// nil when hostname correlation is not wanted.
func New(
	logger zerolog.Logger,
	table *rules.Table,
	correlator *rules.Correlator,
	opts Options,
) *Proxy {
	if opts.Upstream == "" {
		opts.Upstream = DefaultUpstream
	}
	if opts.RewriteTTL == 0 {
		opts.RewriteTTL = DefaultRewriteTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	p := &Proxy{
		logger:     logger,
		table:      table,
		correlator: correlator,
		upstream:   opts.Upstream,
		rewriteTTL: opts.RewriteTTL,
		timeout:    opts.Timeout,
		client:     &dns.Client{Timeout: opts.Timeout},
		answers:    datastruct.NewTTLCache[*dns.Msg](datastruct.DefaultShards),
	}
	p.exchange = p.exchangeUpstream

	return p
}

// Upstream returns the server unmatched queries are forwarded to.
func (p *Proxy) Upstream() string {
	return p.upstream
}

// Janitor expires cached answers on the given interval until the context
// is canceled. Run it in its own goroutine.
func (p *Proxy) Janitor(ctx context.Context, every time.Duration) {
	p.answers.Janitor(ctx, every)
}

// ServeDNS implements dns.Handler.
func (p *Proxy) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 0 {
		p.reply(w, failureReply(req, dns.RcodeFormatError))
		return
	}

	q := req.Question[0]
	host := rules.NormalizeHost(q.Name)
	logger := p.logger.With().
		Str("host", host).
		Str("qtype", dns.TypeToString[q.Qtype]).
		Logger()

	if rule, ok := p.table.LookupHost(host, 0); ok {
		logger.Debug().
			Str("rule", rule.Name).
			Str("target", rule.Target.Addr().String()).
			Msg("query answered from rule table")
		p.reply(w, p.ruleReply(req, q, rule))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	resp, err := p.cachedExchange(ctx, req, host)
	if err != nil {
		logger.Warn().Err(err).Str("upstream", p.upstream).Msg("upstream query failed")
		p.reply(w, failureReply(req, dns.RcodeServerFailure))
		return
	}

	p.observeAnswers(host, resp)

	if changed := p.rewriteAnswers(resp); changed > 0 {
		logger.Debug().Int("records", changed).Msg("upstream answers rewritten")
	}

	p.reply(w, resp)
}

// ruleReply builds the direct answer for a host matched by a rule. Only
// address queries get records; anything else gets an empty success so
// the client does not fall back to another resolver.
func (p *Proxy) ruleReply(req *dns.Msg, q dns.Question, rule *rules.Rule) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)

	target := rule.Target.Addr().Unmap()
	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    p.rewriteTTL,
	}

	switch q.Qtype {
	case dns.TypeA:
		if target.Is4() {
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.IP(target.AsSlice())})
		}
	case dns.TypeAAAA:
		if !target.Is4() {
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(target.AsSlice())})
		}
	}

	return m
}

// rewriteAnswers replaces answer records whose address a literal rule
// matches with the rule's target, keeping the record family. Records
// whose target is of the other family are left alone; the connection
// hook still redirects them at dial time.
func (p *Proxy) rewriteAnswers(resp *dns.Msg) int {
	changed := 0

	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addr, ok := netip.AddrFromSlice(rec.A)
			if !ok {
				continue
			}

			rule, ok := p.table.LookupAddr(netip.AddrPortFrom(addr.Unmap(), 0))
			if !ok {
				continue
			}

			target := rule.Target.Addr().Unmap()
			if !target.Is4() {
				continue
			}

			rec.A = net.IP(target.AsSlice())
			rec.Hdr.Ttl = min(rec.Hdr.Ttl, p.rewriteTTL)
			changed++

		case *dns.AAAA:
			addr, ok := netip.AddrFromSlice(rec.AAAA)
			if !ok {
				continue
			}

			rule, ok := p.table.LookupAddr(netip.AddrPortFrom(addr.Unmap(), 0))
			if !ok {
				continue
			}

			target := rule.Target.Addr().Unmap()
			if target.Is4() {
				continue
			}

			rec.AAAA = net.IP(target.AsSlice())
			rec.Hdr.Ttl = min(rec.Hdr.Ttl, p.rewriteTTL)
			changed++
		}
	}

	return changed
}

// observeAnswers records the real upstream addresses for the host so
// address lookups at connect time can recover the hostname.
func (p *Proxy) observeAnswers(host string, resp *dns.Msg) {
	if p.correlator == nil {
		return
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rec.A); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rec.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}

	p.correlator.Observe(host, addrs)
}

// cachedExchange answers from the cache when a live entry exists,
// otherwise asks the upstream. Successful answers are cached pristine,
// before the rewrite pass mutates their records, for as long as the
// shortest record in the answer.
func (p *Proxy) cachedExchange(
	ctx context.Context,
	req *dns.Msg,
	host string,
) (*dns.Msg, error) {
	logger := logging.WithLocalScope(ctx, p.logger, "cache")
	key := host + "|" + dns.Type(req.Question[0].Qtype).String()

	if cached, ok := p.answers.Get(key); ok {
		logger.Trace().Str("key", key).Msg("hit")

		m := cached.Copy()
		m.Id = req.Id
		m.Question = req.Question

		return m, nil
	}

	resp, err := p.exchange(ctx, req, p.upstream)
	if err != nil {
		return nil, err
	}

	if ttl := minAnswerTTL(resp); resp.Rcode == dns.RcodeSuccess && ttl > 0 {
		logger.Trace().Str("key", key).Uint32("ttl", ttl).Msg("set")
		p.answers.Set(key, resp.Copy(), time.Duration(ttl)*time.Second)
	}

	return resp, nil
}

func minAnswerTTL(m *dns.Msg) uint32 {
	if len(m.Answer) == 0 {
		return 0
	}

	ttl := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if t := rr.Header().Ttl; t < ttl {
			ttl = t
		}
	}

	return ttl
}

func (p *Proxy) exchangeUpstream(
	ctx context.Context,
	msg *dns.Msg,
	upstream string,
) (*dns.Msg, error) {
	resp, _, err := p.client.ExchangeContext(ctx, msg, upstream)
	return resp, err
}

func (p *Proxy) reply(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		p.logger.Trace().Err(err).Msg("failed to write dns reply")
	}
}

func failureReply(req *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	return m
}
