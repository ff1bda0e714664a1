// Package timesync estimates the offset between the device clock and
// the local clock so that device-reported capture timestamps can be
// translated into local time.
package timesync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// ProbeResult is one round-trip measurement. DeviceTimeNS is the
// device clock reading taken between LocalSent and LocalReceived.
type ProbeResult struct {
	DeviceTimeNS  int64
	LocalSent     time.Time
	LocalReceived time.Time
}

// RoundTrip is the probe's total wire time.
func (p ProbeResult) RoundTrip() time.Duration {
	return p.LocalReceived.Sub(p.LocalSent)
}

// offset assumes the device read its clock at the round-trip midpoint.
func (p ProbeResult) offset() time.Duration {
	mid := p.LocalSent.Add(p.RoundTrip() / 2)
	return time.Duration(p.DeviceTimeNS - mid.UnixNano())
}

// Prober performs one round-trip measurement against the device.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
	Close() error
}

// Estimator maintains an exponentially-weighted offset estimate. The
// current estimate is replaced atomically, so Translate never blocks
// and readers always see a consistent value.
type Estimator struct {
	cfg realtime.TimesyncConfig
	log logrus.FieldLogger

	current atomic.Pointer[realtime.ClockOffset]
}

// NewEstimator builds an estimator. The first successful probe seeds
// the estimate; before that, Translate maps device time straight onto
// the local epoch (zero offset). The prober is supplied per probe
// because the device's echo endpoint is only known once a status
// snapshot arrives.
func NewEstimator(cfg realtime.TimesyncConfig, log logrus.FieldLogger) *Estimator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Estimator{cfg: cfg, log: log}
	e.current.Store(&realtime.ClockOffset{})
	return e
}

// Estimate returns the current offset snapshot.
func (e *Estimator) Estimate() realtime.ClockOffset {
	return *e.current.Load()
}

// Translate converts a device capture timestamp (ns) to local time
// using the current offset. It never blocks and never fails; with no
// estimate yet the device time is passed through unchanged.
func (e *Estimator) Translate(deviceNS int64) time.Time {
	off := e.current.Load()
	return time.Unix(0, deviceNS-int64(off.Offset))
}

// ToDevice is the exact inverse of Translate under a fixed offset.
func (e *Estimator) ToDevice(local time.Time) int64 {
	off := e.current.Load()
	return local.UnixNano() + int64(off.Offset)
}

// ProbeOnce performs a single measurement and folds it into the
// estimate. A slow round trip (above MaxRoundTrip) only raises the
// uncertainty bound; the last good offset stays in effect, so a timing
// hiccup never degrades translation for callers.
func (e *Estimator) ProbeOnce(ctx context.Context, prober Prober) error {
	res, err := prober.Probe(ctx)
	if err != nil {
		return err
	}
	e.fold(res)
	return nil
}

func (e *Estimator) fold(res ProbeResult) {
	prev := e.current.Load()
	sample := res.offset()
	now := time.Now()

	if res.RoundTrip() > e.cfg.MaxRoundTrip {
		next := *prev
		next.Uncertainty = maxDuration(next.Uncertainty, res.RoundTrip()/2)
		next.LastUpdated = now
		e.current.Store(&next)
		e.log.WithFields(logrus.Fields{
			"rtt":    res.RoundTrip(),
			"offset": prev.Offset,
		}).Debug("timesync: slow probe, keeping last good offset")
		return
	}

	next := &realtime.ClockOffset{LastUpdated: now}
	switch {
	case prev.LastUpdated.IsZero():
		// first good probe seeds the estimate
		next.Offset = sample
		next.Uncertainty = res.RoundTrip() / 2
	case absDuration(sample-prev.Offset) > e.cfg.DriftReset:
		// device clock jumped (reboot, NTP step); restart from the sample
		e.log.WithFields(logrus.Fields{
			"old": prev.Offset,
			"new": sample,
		}).Info("timesync: offset jump, resetting estimate")
		next.Offset = sample
		next.Uncertainty = res.RoundTrip() / 2
	default:
		alpha := e.cfg.Alpha
		next.Offset = prev.Offset + time.Duration(alpha*float64(sample-prev.Offset))
		residual := absDuration(sample - next.Offset)
		next.Uncertainty = prev.Uncertainty +
			time.Duration(alpha*float64(residual-prev.Uncertainty))
	}
	e.current.Store(next)
}

// Run probes periodically until ctx ends. Probe failures are logged
// and retried on the next tick; they never invalidate the estimate.
func (e *Estimator) Run(ctx context.Context, prober Prober) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	if err := e.ProbeOnce(ctx, prober); err != nil && ctx.Err() == nil {
		e.log.WithError(err).Debug("timesync: initial probe failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ProbeOnce(ctx, prober); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Debug("timesync: probe failed")
			}
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
