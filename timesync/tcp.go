package timesync

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// TCPProber speaks the device's time-echo protocol: the client writes
// its current time as 8 big-endian nanosecond bytes, the device echoes
// those bytes followed by 8 bytes of its own clock. The connection is
// kept open between probes and redialed on error.
type TCPProber struct {
	addr   string
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPProber targets the device's time-echo service, reported as
// Phone.TimeEchoPort in the status snapshot.
func NewTCPProber(host string, port int) *TCPProber {
	return &TCPProber{
		addr:   net.JoinHostPort(host, fmt.Sprint(port)),
		dialer: net.Dialer{Timeout: 2 * time.Second},
	}
}

func (p *TCPProber) Probe(ctx context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.ensureConn(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: time echo dial: %v", realtime.ErrConnection, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	}

	var buf [16]byte
	sent := time.Now()
	binary.BigEndian.PutUint64(buf[:8], uint64(sent.UnixNano()))
	if _, err := conn.Write(buf[:8]); err != nil {
		p.dropConn()
		return ProbeResult{}, fmt.Errorf("%w: time echo write: %v", realtime.ErrConnection, err)
	}
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		p.dropConn()
		return ProbeResult{}, fmt.Errorf("%w: time echo read: %v", realtime.ErrConnection, err)
	}
	received := time.Now()

	echoed := int64(binary.BigEndian.Uint64(buf[:8]))
	if echoed != sent.UnixNano() {
		p.dropConn()
		return ProbeResult{}, fmt.Errorf("%w: time echo mismatch", realtime.ErrProtocol)
	}
	return ProbeResult{
		DeviceTimeNS:  int64(binary.BigEndian.Uint64(buf[8:])),
		LocalSent:     sent,
		LocalReceived: received,
	}, nil
}

func (p *TCPProber) ensureConn(ctx context.Context) (net.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *TCPProber) dropConn() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *TCPProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropConn()
	return nil
}
