package dnsproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
)

type serverSet struct {
	mu   sync.Mutex
	list []*dns.Server
	addr string
}

func (s *serverSet) add(srv *dns.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, srv)
}

func (s *serverSet) take() []*dns.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.list
	s.list = nil
	s.addr = ""
	return list
}

func (s *serverSet) setAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

func (s *serverSet) currentAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves the proxy on an ephemeral loopback UDP port and returns
// the chosen address. This is the in-process mode: the resolver hook
// points the stub resolver at the returned address.
func (p *Proxy) Start() (string, error) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind dns proxy: %w", err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: p}
	p.servers.add(srv)
	p.servers.setAddr(pc.LocalAddr().String())

	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			p.logger.Trace().Err(err).Msg("dns proxy stopped serving")
		}
	}()

	p.logger.Debug().
		Str("addr", pc.LocalAddr().String()).
		Str("upstream", p.upstream).
		Msg("dns proxy listening")

	return pc.LocalAddr().String(), nil
}

// Addr returns the address Start chose, or empty when not started.
func (p *Proxy) Addr() string {
	return p.servers.currentAddr()
}

// ListenAndServe serves the proxy on a fixed address over both UDP and
// TCP until ctx is cancelled. This is the standalone mode used by the
// command line tool.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	udp := &dns.Server{Addr: addr, Net: "udp", Handler: p}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: p}
	p.servers.add(udp)
	p.servers.add(tcp)

	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()

	p.logger.Info().
		Str("addr", addr).
		Str("upstream", p.upstream).
		Msg("dns proxy listening")

	select {
	case <-ctx.Done():
		return p.Stop()
	case err := <-errCh:
		p.Stop()
		return err
	}
}

// Stop shuts down every listener the proxy started.
func (p *Proxy) Stop() error {
	var errs []error
	for _, srv := range p.servers.take() {
		if err := srv.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
