package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
	"github.com/pupil-labs/pl-realtime-api/transport"
)

// State is a stream session's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Clock translates device-clock timestamps to the local clock.
// *timesync.Estimator satisfies it.
type Clock interface {
	Translate(deviceNS int64) time.Time
}

// VideoDecoder turns an encoded access unit into pixels. Optional; when
// absent, video frames carry the raw access unit only.
type VideoDecoder = realtime.VideoDecoder

// PCMDecoder turns an encoded audio unit into PCM samples. Optional;
// when absent, audio chunks carry the raw unit only.
type PCMDecoder = realtime.PCMDecoder

// Config describes one sensor stream.
type Config struct {
	Kind   realtime.SensorKind
	URL    string
	Client transport.Client

	Clock Clock        // nil means device timestamps pass through untranslated
	Video VideoDecoder // scene and eye camera streams
	PCM   PCMDecoder   // audio streams

	// OnState is invoked from the session goroutine on every state
	// change. Must not block.
	OnState func(State)

	Options realtime.Options
}

// Session streams one sensor. Open starts the connect loop; samples
// arrive on Samples until Close. The transport is reopened with
// backoff after failures, and each reconnect boundary is marked with a
// realtime.Discontinuity sample so consumers never assume timestamp
// continuity across it.
type Session struct {
	cfg  Config
	opts realtime.Options
	log  logrus.FieldLogger

	out chan realtime.Sample

	mu      sync.Mutex
	state   State
	opened  bool
	cancel  context.CancelFunc
	closeWg sync.WaitGroup

	closeOnce sync.Once
}

// New builds a session. Call Open to start streaming. Decoders left
// unset on the config fall back to the ones carried by the options.
func New(cfg Config) *Session {
	opts := cfg.Options.Normalized()
	if cfg.Video == nil {
		cfg.Video = opts.Stream.Video
	}
	if cfg.PCM == nil {
		cfg.PCM = opts.Stream.PCM
	}
	return &Session{
		cfg:  cfg,
		opts: opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "stream",
			"sensor":    cfg.Kind,
		}),
		out:   make(chan realtime.Sample, opts.Stream.Buffer),
		state: StateIdle,
	}
}

// Samples delivers decoded samples in production order. Closed when the
// session ends.
func (s *Session) Samples() <-chan realtime.Sample { return s.out }

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	if s.state == StateClosed && v != StateClosed {
		s.mu.Unlock()
		return
	}
	changed := s.state != v
	s.state = v
	s.mu.Unlock()
	if changed && s.cfg.OnState != nil {
		s.cfg.OnState(v)
	}
}

// Open starts the streaming loop. It returns immediately; connection
// failures are retried with backoff rather than reported here.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return realtime.ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream already open", realtime.ErrRejected)
	}
	s.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.closeWg.Add(1)
	go s.run(runCtx)
	return nil
}

// Close stops the session and closes the sample channel. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		cancel := s.cancel
		opened := s.opened
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if opened {
			s.closeWg.Wait()
		} else {
			close(s.out)
		}
		if s.cfg.OnState != nil {
			s.cfg.OnState(StateClosed)
		}
	})
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.closeWg.Done()
	defer close(s.out)

	backoff := time.Duration(0)
	connected := false
	for {
		s.setState(StateConnecting)
		conn, err := s.cfg.Client.Open(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = s.opts.Backoff.Next(backoff)
			s.log.WithError(err).WithField("retry_in", backoff).Warn("stream open failed")
			if !sleep(ctx, backoff) {
				return
			}
			continue
		}
		backoff = 0
		s.setState(StateStreaming)
		if connected {
			s.deliver(realtime.Discontinuity{Sensor: s.cfg.Kind, Captured: time.Now()})
		}
		connected = true

		ok := s.consume(ctx, conn)
		conn.Close()
		if !ok || ctx.Err() != nil {
			return
		}
		s.log.Info("stream lost, reconnecting")
		backoff = s.opts.Backoff.Next(0)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// consume drains one connection. Returns false when the session should
// stop instead of reconnecting.
func (s *Session) consume(ctx context.Context, conn transport.Conn) bool {
	decodeErrs := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-conn.Units():
			if !ok {
				return true
			}
			if u.Track != expectedTrack(s.cfg.Kind) {
				continue
			}
			sample, err := s.decode(u)
			if err != nil {
				decodeErrs++
				s.log.WithError(err).Debug("dropping undecodable unit")
				if decodeErrs >= s.opts.Stream.DecodeErrorThreshold {
					s.log.WithField("errors", decodeErrs).Warn("sustained decode errors, reconnecting")
					return true
				}
				continue
			}
			decodeErrs = 0
			s.deliver(sample)
		}
	}
}

// deliver hands a sample to the consumer without ever blocking the
// stream loop. Under DropOldest a full buffer sheds its oldest entry
// so an idle consumer always finds the freshest data on return.
func (s *Session) deliver(sample realtime.Sample) {
	if s.opts.Stream.DropPolicy == realtime.DropNewest {
		select {
		case s.out <- sample:
		default:
		}
		return
	}
	for {
		select {
		case s.out <- sample:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

func (s *Session) translate(deviceNS int64) time.Time {
	if s.cfg.Clock == nil {
		return time.Unix(0, deviceNS)
	}
	return s.cfg.Clock.Translate(deviceNS)
}

func (s *Session) decode(u transport.Unit) (realtime.Sample, error) {
	switch s.cfg.Kind {
	case realtime.KindGaze:
		g, err := ParseGaze(u.Payload)
		if err != nil {
			return nil, err
		}
		g.DeviceTime = u.DeviceTimeNS
		g.Captured = s.translate(u.DeviceTimeNS)
		return g, nil

	case realtime.KindIMU:
		m, err := ParseIMU(u.Payload)
		if err != nil {
			return nil, err
		}
		// The packet's own timestamp is authoritative when present.
		if m.DeviceTime == 0 {
			m.DeviceTime = u.DeviceTimeNS
		}
		m.Captured = s.translate(m.DeviceTime)
		return m, nil

	case realtime.KindEyeEvents:
		ev, err := ParseEyeEvent(u.Payload)
		if err != nil {
			return nil, err
		}
		ev.DeviceTime = u.DeviceTimeNS
		ev.Captured = s.translate(u.DeviceTimeNS)
		return ev, nil

	case realtime.KindWorld, realtime.KindEyes:
		frame := realtime.VideoFrame{
			Sensor:     s.cfg.Kind,
			Raw:        u.Payload,
			DeviceTime: u.DeviceTimeNS,
			Captured:   s.translate(u.DeviceTimeNS),
		}
		if s.cfg.Video != nil {
			img, err := s.cfg.Video.Decode(u.Payload)
			if err != nil {
				return nil, err
			}
			frame.Image = img
		}
		return frame, nil

	case realtime.KindAudio:
		chunk := realtime.AudioChunk{
			Raw:        u.Payload,
			DeviceTime: u.DeviceTimeNS,
			Captured:   s.translate(u.DeviceTimeNS),
		}
		if s.cfg.PCM != nil {
			pcm, rate, channels, err := s.cfg.PCM.Decode(u.Payload)
			if err != nil {
				return nil, err
			}
			chunk.PCM, chunk.Rate, chunk.Channels = pcm, rate, channels
		}
		return chunk, nil
	}
	return nil, fmt.Errorf("%w: no decoder for sensor %q", realtime.ErrProtocol, s.cfg.Kind)
}

func expectedTrack(kind realtime.SensorKind) transport.TrackKind {
	switch kind {
	case realtime.KindWorld, realtime.KindEyes:
		return transport.TrackVideo
	case realtime.KindAudio:
		return transport.TrackAudio
	}
	return transport.TrackData
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
