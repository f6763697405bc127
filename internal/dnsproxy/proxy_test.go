package dnsproxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctnightcore/netredirect/internal/rules"
)

type fakeWriter struct {
	msg *dns.Msg
}

func (w *fakeWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
}

func (w *fakeWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (w *fakeWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }

func (w *fakeWriter) Write(b []byte) (int, error) {
	return len(b), nil
}

func (w *fakeWriter) Close() error        { return nil }
func (w *fakeWriter) TsigStatus() error   { return nil }
func (w *fakeWriter) TsigTimersOnly(bool) {}
func (w *fakeWriter) Hijack()             {}

func mustTable(t *testing.T, rs []rules.Rule) *rules.Table {
	t.Helper()

	table, err := rules.New(rs)
	require.NoError(t, err)
	return table
}

func aQuery(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

func aaaaQuery(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeAAAA)
	return m
}

func upstreamReply(req *dns.Msg, answers ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = answers
	return m
}

func aRecord(name, ip string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP(ip),
	}
}

func aaaaRecord(name, ip string, ttl uint32) *dns.AAAA {
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: net.ParseIP(ip),
	}
}

func TestServeDNSAnswersRuleMatchedHost(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Name:   "game",
		Host:   "game.example.com",
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	called := false
	p.exchange = func(context.Context, *dns.Msg, string) (*dns.Msg, error) {
		called = true
		return nil, errors.New("must not be called")
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("game.example.com"))

	require.NotNil(t, w.msg)
	assert.False(t, called, "rule matched queries must not reach the upstream")
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)

	rec, ok := w.msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, rec.A.Equal(net.IPv4(5, 6, 7, 8)))
	assert.Equal(t, uint32(DefaultRewriteTTL), rec.Hdr.Ttl)
}

func TestServeDNSHostGlobMatch(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Host:   "*.example.com",
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("api.example.com"))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 1)
}

func TestServeDNSRuleFamilyMismatch(t *testing.T) {
	tcs := []struct {
		name   string
		target string
		query  *dns.Msg
	}{
		{name: "v6 target for A query", target: "[2001:db8::1]:8080", query: aQuery("game.example.com")},
		{name: "v4 target for AAAA query", target: "5.6.7.8:8080", query: aaaaQuery("game.example.com")},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			table := mustTable(t, []rules.Rule{{
				Host:   "game.example.com",
				Target: netip.MustParseAddrPort(tc.target),
			}})

			p := New(zerolog.Nop(), table, nil, Options{})

			w := &fakeWriter{}
			p.ServeDNS(w, tc.query)

			require.NotNil(t, w.msg)
			assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
			assert.Empty(t, w.msg.Answer)
		})
	}
}

func TestServeDNSForwardsUnmatchedQueries(t *testing.T) {
	table := mustTable(t, []rules.Rule{})
	p := New(zerolog.Nop(), table, nil, Options{Upstream: "9.9.9.9:53"})

	var gotUpstream string
	p.exchange = func(_ context.Context, req *dns.Msg, upstream string) (*dns.Msg, error) {
		gotUpstream = upstream
		return upstreamReply(req, aRecord("other.example.com", "93.184.216.34", 300)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("other.example.com"))

	require.NotNil(t, w.msg)
	assert.Equal(t, "9.9.9.9:53", gotUpstream)
	require.Len(t, w.msg.Answer, 1)

	rec := w.msg.Answer[0].(*dns.A)
	assert.True(t, rec.A.Equal(net.ParseIP("93.184.216.34")))
	assert.Equal(t, uint32(300), rec.Hdr.Ttl, "untouched answers keep their TTL")
}

func TestServeDNSRewritesForwardedAnswers(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Name:   "login",
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req,
			aRecord("login.example.com", "1.2.3.4", 300),
			aRecord("login.example.com", "9.9.9.9", 300),
		), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("login.example.com"))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 2)

	first := w.msg.Answer[0].(*dns.A)
	assert.True(t, first.A.Equal(net.IPv4(5, 6, 7, 8)), "matched record rewritten to the target")
	assert.Equal(t, uint32(DefaultRewriteTTL), first.Hdr.Ttl)

	second := w.msg.Answer[1].(*dns.A)
	assert.True(t, second.A.Equal(net.ParseIP("9.9.9.9")), "unmatched record left alone")
}

func TestServeDNSRewritesAAAAAnswers(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Addr:   netip.MustParseAddr("2001:db8::1"),
		Target: netip.MustParseAddrPort("[2001:db8::99]:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req, aaaaRecord("v6.example.com", "2001:db8::1", 60)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aaaaQuery("v6.example.com"))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 1)

	rec := w.msg.Answer[0].(*dns.AAAA)
	assert.True(t, rec.AAAA.Equal(net.ParseIP("2001:db8::99")))
}

func TestServeDNSFamilyMismatchLeavesRecord(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Target: netip.MustParseAddrPort("[2001:db8::99]:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req, aRecord("x.example.com", "1.2.3.4", 60)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("x.example.com"))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 1)

	rec := w.msg.Answer[0].(*dns.A)
	assert.True(t, rec.A.Equal(net.ParseIP("1.2.3.4")))
}

func TestServeDNSPortConstrainedRulesDoNotRewrite(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Port:   80,
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req, aRecord("x.example.com", "1.2.3.4", 60)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("x.example.com"))

	require.NotNil(t, w.msg)
	require.Len(t, w.msg.Answer, 1)

	// A port constrained rule cannot be applied without knowing the
	// port, so the redirect is left to the connection hook.
	rec := w.msg.Answer[0].(*dns.A)
	assert.True(t, rec.A.Equal(net.ParseIP("1.2.3.4")))
}

func TestServeDNSObservesUpstreamAnswers(t *testing.T) {
	correlator := rules.NewCorrelator(0)
	p := New(zerolog.Nop(), mustTable(t, nil), correlator, Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req,
			aRecord("api.example.com", "9.9.9.9", 60),
			aaaaRecord("api.example.com", "2001:db8::7", 60),
		), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("api.example.com"))

	host, ok := correlator.HostFor(netip.MustParseAddr("9.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, "api.example.com", host)

	host, ok = correlator.HostFor(netip.MustParseAddr("2001:db8::7"))
	require.True(t, ok)
	assert.Equal(t, "api.example.com", host)
}

func TestServeDNSCachesUpstreamAnswers(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	calls := 0
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		calls++
		return upstreamReply(req, aRecord("cached.example.com", "1.2.3.4", 300)), nil
	}

	for i := 0; i < 2; i++ {
		req := aQuery("cached.example.com")
		w := &fakeWriter{}
		p.ServeDNS(w, req)

		require.NotNil(t, w.msg)
		assert.Equal(t, req.Id, w.msg.Id)
		require.Len(t, w.msg.Answer, 1)

		// The cache holds the pristine answer, so the rewrite
		// applies cleanly to every reply.
		rec := w.msg.Answer[0].(*dns.A)
		assert.True(t, rec.A.Equal(net.IPv4(5, 6, 7, 8)))
		assert.Equal(t, uint32(DefaultRewriteTTL), rec.Hdr.Ttl)
	}

	assert.Equal(t, 1, calls, "second query must be served from the cache")
}

func TestServeDNSCacheSeparatesQueryTypes(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})
	calls := 0
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		calls++
		if req.Question[0].Qtype == dns.TypeAAAA {
			return upstreamReply(req, aaaaRecord("dual.example.com", "2001:db8::7", 60)), nil
		}
		return upstreamReply(req, aRecord("dual.example.com", "9.9.9.9", 60)), nil
	}

	for _, req := range []*dns.Msg{
		aQuery("dual.example.com"),
		aaaaQuery("dual.example.com"),
		aQuery("dual.example.com"),
		aaaaQuery("dual.example.com"),
	} {
		w := &fakeWriter{}
		p.ServeDNS(w, req)
		require.NotNil(t, w.msg)
		require.Len(t, w.msg.Answer, 1)
	}

	assert.Equal(t, 2, calls, "each query type gets its own cache entry")
}

func TestServeDNSCacheExpiry(t *testing.T) {
	now := time.Now()

	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})
	p.answers.Now = func() time.Time { return now }

	calls := 0
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		calls++
		return upstreamReply(req, aRecord("ttl.example.com", "9.9.9.9", 60)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("ttl.example.com"))
	require.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)

	p.ServeDNS(w, aQuery("ttl.example.com"))
	assert.Equal(t, 2, calls, "expired entries go back to the upstream")
}

func TestServeDNSDoesNotCacheFailures(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})
	calls := 0
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		calls++
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		return m, nil
	}

	for i := 0; i < 2; i++ {
		w := &fakeWriter{}
		p.ServeDNS(w, aQuery("nxdomain.example.com"))
		require.NotNil(t, w.msg)
		assert.Equal(t, dns.RcodeNameError, w.msg.Rcode)
	}

	assert.Equal(t, 2, calls, "negative answers are not cached")
}

func TestMinAnswerTTL(t *testing.T) {
	tcs := []struct {
		name string
		msg  *dns.Msg
		want uint32
	}{
		{
			name: "no answers",
			msg:  new(dns.Msg),
			want: 0,
		},
		{
			name: "single record",
			msg:  upstreamReply(aQuery("a.example.com"), aRecord("a.example.com", "9.9.9.9", 300)),
			want: 300,
		},
		{
			name: "shortest record wins",
			msg: upstreamReply(aQuery("a.example.com"),
				aRecord("a.example.com", "9.9.9.9", 300),
				aRecord("a.example.com", "8.8.8.8", 60),
			),
			want: 60,
		},
		{
			name: "zero ttl record",
			msg: upstreamReply(aQuery("a.example.com"),
				aRecord("a.example.com", "9.9.9.9", 0),
				aRecord("a.example.com", "8.8.8.8", 300),
			),
			want: 0,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, minAnswerTTL(tc.msg))
		})
	}
}

func TestServeDNSCacheHitStillObserves(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), rules.NewCorrelator(0), Options{})
	p.exchange = func(_ context.Context, req *dns.Msg, _ string) (*dns.Msg, error) {
		return upstreamReply(req, aRecord("warm.example.com", "9.9.9.9", 60)), nil
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("warm.example.com"))

	// A fresh correlator must be fed again by the cached reply.
	p.correlator = rules.NewCorrelator(0)
	p.ServeDNS(w, aQuery("warm.example.com"))

	host, ok := p.correlator.HostFor(netip.MustParseAddr("9.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, "warm.example.com", host)
}

func TestServeDNSUpstreamFailure(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})
	p.exchange = func(context.Context, *dns.Msg, string) (*dns.Msg, error) {
		return nil, errors.New("upstream unreachable")
	}

	w := &fakeWriter{}
	p.ServeDNS(w, aQuery("unreachable.example.com"))

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeServerFailure, w.msg.Rcode)
}

func TestServeDNSEmptyQuestion(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})

	w := &fakeWriter{}
	p.ServeDNS(w, new(dns.Msg))

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeFormatError, w.msg.Rcode)
}

func TestStartServesQueries(t *testing.T) {
	table := mustTable(t, []rules.Rule{{
		Host:   "game.example.com",
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})

	p := New(zerolog.Nop(), table, nil, Options{})
	addr, err := p.Start()
	require.NoError(t, err)
	defer p.Stop()

	client := &dns.Client{Timeout: 2 * time.Second}
	resp, _, err := client.Exchange(aQuery("game.example.com"), addr)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	rec, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, rec.A.Equal(net.IPv4(5, 6, 7, 8)))
}

func TestStopShutsDownServer(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})
	addr, err := p.Start()
	require.NoError(t, err)
	require.NotEmpty(t, p.Addr())

	require.NoError(t, p.Stop())
	assert.Empty(t, p.Addr())

	client := &dns.Client{Timeout: 200 * time.Millisecond}
	_, _, err = client.Exchange(aQuery("gone.example.com"), addr)
	assert.Error(t, err)
}

func TestDefaultOptions(t *testing.T) {
	p := New(zerolog.Nop(), mustTable(t, nil), nil, Options{})

	assert.Equal(t, DefaultUpstream, p.Upstream())
	assert.Equal(t, uint32(DefaultRewriteTTL), p.rewriteTTL)
	assert.Equal(t, defaultTimeout, p.timeout)
}
