package realtime

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DropPolicy selects what a full stream buffer does with new samples.
type DropPolicy int

const (
	// DropOldest discards the oldest buffered sample to make room.
	// Default: a live consumer wants the freshest data.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming sample instead.
	DropNewest
)

// VideoDecoder turns an encoded access unit into pixels. Optional;
// video frames always carry the raw access unit regardless.
type VideoDecoder interface {
	Decode(accessUnit []byte) (*ImageBuffer, error)
}

// PCMDecoder turns an encoded audio unit into PCM samples. Optional;
// audio chunks always carry the raw unit regardless.
type PCMDecoder interface {
	Decode(unit []byte) (pcm []float32, rate, channels int, err error)
}

// Options configures a device session. The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	Logger logrus.FieldLogger

	Backoff  BackoffConfig
	Command  CommandConfig
	Stream   StreamConfig
	Timesync TimesyncConfig
}

// BackoffConfig bounds the reconnect backoff shared by the control
// channel and stream sessions.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next computes the interval following cur.
func (b BackoffConfig) Next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(cur) * b.Multiplier)
	if next > b.Max {
		return b.Max
	}
	return next
}

type CommandConfig struct {
	Timeout   time.Duration // per-command response bound
	QueueSize int           // pending command queue length
}

type StreamConfig struct {
	Buffer               int        // per-sensor sample buffer
	DropPolicy           DropPolicy // policy when the buffer is full
	DecodeErrorThreshold int        // consecutive decode errors before reconnect
	TransportBuffer      int        // transport unit channel depth

	// Video and PCM decode scene/eye frames and audio chunks on the
	// way to the consumer. Nil leaves samples with raw payloads only.
	Video VideoDecoder
	PCM   PCMDecoder
}

type TimesyncConfig struct {
	Interval     time.Duration // probe period
	Alpha        float64       // EWMA smoothing factor for the offset
	MaxRoundTrip time.Duration // probes slower than this lower confidence only
	DriftReset   time.Duration // a single-probe offset jump beyond this resets the estimate
}

// DefaultOptions gives baseline sensible defaults.
func DefaultOptions() Options {
	opts := Options{}
	opts.Logger = logrus.StandardLogger()
	opts.Backoff = BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
	opts.Command = CommandConfig{
		Timeout:   5 * time.Second,
		QueueSize: 16,
	}
	opts.Stream = StreamConfig{
		Buffer:               32,
		DropPolicy:           DropOldest,
		DecodeErrorThreshold: 25,
		TransportBuffer:      64,
	}
	opts.Timesync = TimesyncConfig{
		Interval:     10 * time.Second,
		Alpha:        0.2,
		MaxRoundTrip: 150 * time.Millisecond,
		DriftReset:   time.Second,
	}
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = d.Backoff.Initial
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = d.Backoff.Max
	}
	if o.Backoff.Multiplier <= 1 {
		o.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if o.Command.Timeout <= 0 {
		o.Command.Timeout = d.Command.Timeout
	}
	if o.Command.QueueSize <= 0 {
		o.Command.QueueSize = d.Command.QueueSize
	}
	if o.Stream.Buffer <= 0 {
		o.Stream.Buffer = d.Stream.Buffer
	}
	if o.Stream.DecodeErrorThreshold <= 0 {
		o.Stream.DecodeErrorThreshold = d.Stream.DecodeErrorThreshold
	}
	if o.Stream.TransportBuffer <= 0 {
		o.Stream.TransportBuffer = d.Stream.TransportBuffer
	}
	if o.Timesync.Interval <= 0 {
		o.Timesync.Interval = d.Timesync.Interval
	}
	if o.Timesync.Alpha <= 0 || o.Timesync.Alpha > 1 {
		o.Timesync.Alpha = d.Timesync.Alpha
	}
	if o.Timesync.MaxRoundTrip <= 0 {
		o.Timesync.MaxRoundTrip = d.Timesync.MaxRoundTrip
	}
	if o.Timesync.DriftReset <= 0 {
		o.Timesync.DriftReset = d.Timesync.DriftReset
	}
	return o
}

// Normalized returns a copy with zero fields replaced by defaults.
func (o Options) Normalized() Options { return o.withDefaults() }
