package dnsproxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/miekg/dns"
)

// PipeDial hands the stub resolver an in-memory connection served by
// this proxy. The network and address are ignored; every query ends up
// in ServeDNS without touching a socket. The returned conn is a stream,
// so the resolver frames messages with the 2-byte length prefix
// regardless of the network it asked for.
func (p *Proxy) PipeDial(ctx context.Context, network, address string) (net.Conn, error) {
	near, far := net.Pipe()

	p.logger.Trace().
		Str("network", network).
		Str("address", address).
		Msg("resolver query routed in process")

	go p.servePipe(far)

	return near, nil
}

func (p *Proxy) servePipe(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := readStreamMsg(conn)
		if err != nil {
			if err != io.EOF {
				p.logger.Trace().Err(err).Msg("resolver pipe closed")
			}
			return
		}

		p.ServeDNS(&pipeWriter{conn: conn}, req)
	}
}

func readStreamMsg(conn net.Conn) (*dns.Msg, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}

	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, err
	}

	return msg, nil
}

// pipeWriter adapts one end of the pipe to dns.ResponseWriter with the
// stream framing the stub resolver expects.
type pipeWriter struct {
	conn net.Conn
}

var _ dns.ResponseWriter = (*pipeWriter)(nil)

func (w *pipeWriter) WriteMsg(m *dns.Msg) error {
	packed, err := m.Pack()
	if err != nil {
		return err
	}

	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf, uint16(len(packed)))
	copy(buf[2:], packed)

	_, err = w.conn.Write(buf)
	return err
}

func (w *pipeWriter) Write(b []byte) (int, error) {
	return w.conn.Write(b)
}

func (w *pipeWriter) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *pipeWriter) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }
func (w *pipeWriter) Close() error         { return w.conn.Close() }
func (w *pipeWriter) TsigStatus() error    { return nil }
func (w *pipeWriter) TsigTimersOnly(bool)  {}
func (w *pipeWriter) Hijack()              {}
