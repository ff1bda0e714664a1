package timesync

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

type fakeProber struct {
	results []ProbeResult
	idx     int
}

func (f *fakeProber) Probe(ctx context.Context) (ProbeResult, error) {
	res := f.results[f.idx]
	if f.idx < len(f.results)-1 {
		f.idx++
	}
	return res, nil
}

func (f *fakeProber) Close() error { return nil }

func cfg() realtime.TimesyncConfig {
	return realtime.DefaultOptions().Timesync
}

// probeAt builds a symmetric round trip centered on local, with the
// device clock ahead by offset.
func probeAt(local time.Time, offset, rtt time.Duration) ProbeResult {
	return ProbeResult{
		DeviceTimeNS:  local.Add(offset).UnixNano(),
		LocalSent:     local.Add(-rtt / 2),
		LocalReceived: local.Add(rtt / 2),
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	now := time.Now()
	f := &fakeProber{results: []ProbeResult{
		probeAt(now, 37*time.Millisecond, 4*time.Millisecond),
	}}
	e := NewEstimator(cfg(), nil)
	if err := e.ProbeOnce(context.Background(), f); err != nil {
		t.Fatalf("probe: %v", err)
	}

	deviceNS := now.Add(time.Second).UnixNano()
	local := e.Translate(deviceNS)
	if got := e.ToDevice(local); got != deviceNS {
		t.Fatalf("round trip not exact: %d != %d", got, deviceNS)
	}
	// device leads by 37ms, so translated local time trails device time
	want := time.Unix(0, deviceNS).Add(-37 * time.Millisecond)
	if diff := local.Sub(want); diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("unexpected translation, off by %v", diff)
	}
}

func TestTranslateNeverBlocksBeforeFirstProbe(t *testing.T) {
	e := NewEstimator(cfg(), nil)
	deviceNS := time.Now().UnixNano()
	if got := e.Translate(deviceNS); got.UnixNano() != deviceNS {
		t.Fatalf("zero-offset passthrough expected, got %v", got)
	}
}

func TestSlowProbeKeepsLastGoodOffset(t *testing.T) {
	now := time.Now()
	f := &fakeProber{results: []ProbeResult{
		probeAt(now, 20*time.Millisecond, 4*time.Millisecond),
		probeAt(now.Add(time.Second), 500*time.Millisecond, 900*time.Millisecond),
	}}
	e := NewEstimator(cfg(), nil)
	ctx := context.Background()
	if err := e.ProbeOnce(ctx, f); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	before := e.Estimate()
	if err := e.ProbeOnce(ctx, f); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	after := e.Estimate()
	if after.Offset != before.Offset {
		t.Fatalf("slow probe moved the offset: %v -> %v", before.Offset, after.Offset)
	}
	if after.Uncertainty <= before.Uncertainty {
		t.Fatalf("slow probe should raise uncertainty: %v -> %v", before.Uncertainty, after.Uncertainty)
	}
}

func TestDriftJumpResetsEstimate(t *testing.T) {
	now := time.Now()
	f := &fakeProber{results: []ProbeResult{
		probeAt(now, 10*time.Millisecond, 4*time.Millisecond),
		probeAt(now.Add(time.Second), 5*time.Second, 4*time.Millisecond),
	}}
	e := NewEstimator(cfg(), nil)
	ctx := context.Background()
	_ = e.ProbeOnce(ctx, f)
	_ = e.ProbeOnce(ctx, f)
	got := e.Estimate().Offset
	if diff := got - 5*time.Second; diff < -50*time.Millisecond || diff > 50*time.Millisecond {
		t.Fatalf("expected reset to ~5s, got %v", got)
	}
}

func TestEWMAConverges(t *testing.T) {
	now := time.Now()
	f := &fakeProber{}
	for i := 0; i < 50; i++ {
		f.results = append(f.results,
			probeAt(now.Add(time.Duration(i)*time.Second), 40*time.Millisecond, 4*time.Millisecond))
	}
	e := NewEstimator(cfg(), nil)
	ctx := context.Background()
	for range f.results {
		_ = e.ProbeOnce(ctx, f)
	}
	got := e.Estimate().Offset
	if diff := got - 40*time.Millisecond; diff < -2*time.Millisecond || diff > 2*time.Millisecond {
		t.Fatalf("EWMA did not converge: %v", got)
	}
}

func TestTCPProber(t *testing.T) {
	const deviceOffset = 123 * time.Millisecond
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				var req [8]byte
				for {
					if _, err := c.Read(req[:]); err != nil {
						return
					}
					var resp [16]byte
					copy(resp[:8], req[:])
					deviceNow := time.Now().Add(deviceOffset)
					binary.BigEndian.PutUint64(resp[8:], uint64(deviceNow.UnixNano()))
					if _, err := c.Write(resp[:]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p := NewTCPProber("127.0.0.1", addr.Port)
	defer p.Close()

	res, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.RoundTrip() <= 0 {
		t.Fatalf("non-positive round trip: %v", res.RoundTrip())
	}
	got := time.Duration(res.DeviceTimeNS - res.LocalReceived.UnixNano())
	if got < deviceOffset-time.Second || got > deviceOffset+time.Second {
		t.Fatalf("implausible device clock: %v", got)
	}
}
