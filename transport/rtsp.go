package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmpeg4audio"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// RTSPClient opens RTSP sessions against the device's streaming
// endpoints. H.264 video and MPEG-4 audio tracks are depacketized into
// full access units; data tracks (gaze, imu, eye events) pass through
// as raw payloads. Unit timestamps come from the library's RTCP
// sender-report mapping, which on these devices reports the device's
// wallclock.
type RTSPClient struct {
	ReadTimeout time.Duration
	Buffer      int // unit channel depth
	Logger      logrus.FieldLogger
}

func (c *RTSPClient) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// Open negotiates the session, subscribes to every advertised medium
// and starts delivery. It returns once the stream is playing.
func (c *RTSPClient) Open(ctx context.Context, rawURL string) (Conn, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad stream url %q: %v", realtime.ErrProtocol, rawURL, err)
	}

	readTimeout := c.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	buffer := c.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	rc := &gortsplib.Client{
		ReadTimeout:  readTimeout,
		WriteTimeout: readTimeout,
	}
	if err := rc.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("%w: rtsp start: %v", realtime.ErrConnection, err)
	}

	desc, _, err := rc.Describe(u)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: rtsp describe: %v", realtime.ErrConnection, err)
	}
	if err := rc.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: rtsp setup: %v", realtime.ErrConnection, err)
	}

	conn := &rtspConn{
		client: rc,
		units:  make(chan Unit, buffer),
		done:   make(chan struct{}),
		log:    c.logger().WithField("url", rawURL),
	}
	for _, medi := range desc.Medias {
		conn.tracks = append(conn.tracks, trackKind(medi.Type))
	}

	rc.OnPacketRTPAny(func(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
		conn.handlePacket(medi, forma, pkt)
	})

	if _, err := rc.Play(nil); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: rtsp play: %v", realtime.ErrConnection, err)
	}

	go func() {
		err := rc.Wait()
		if err != nil {
			conn.log.WithError(err).Debug("rtsp session ended")
		}
		conn.shutdown()
	}()
	// caller cancellation covers the whole session, not only setup
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.done:
		}
	}()

	return conn, nil
}

type rtspConn struct {
	client *gortsplib.Client
	units  chan Unit
	tracks []TrackKind
	log    logrus.FieldLogger

	decMu    sync.Mutex
	h264Dec  map[*description.Media]*rtph264.Decoder
	aacDec   map[*description.Media]*rtpmpeg4audio.Decoder
	dropped  uint64
	doneOnce sync.Once
	done     chan struct{}
}

func (c *rtspConn) Units() <-chan Unit { return c.units }

func (c *rtspConn) Tracks() []TrackKind {
	return append([]TrackKind(nil), c.tracks...)
}

// Close stops the session. The unit channel closes once the read loop
// has exited, so no packet callback can race the close.
func (c *rtspConn) Close() error {
	c.client.Close()
	return nil
}

func (c *rtspConn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		close(c.units)
	})
}

func (c *rtspConn) handlePacket(medi *description.Media, forma format.Format, pkt *rtp.Packet) {
	ntp, ok := c.client.PacketNTP(medi, pkt)
	if !ok {
		// wallclock mapping unknown until the first sender report
		return
	}

	switch f := forma.(type) {
	case *format.H264:
		au, err := c.h264Decoder(medi, f).Decode(pkt)
		if err != nil {
			if err != rtph264.ErrNonStartingPacketAndNoPrevious && err != rtph264.ErrMorePacketsNeeded {
				c.log.WithError(err).Debug("h264 depacketize")
			}
			return
		}
		c.deliver(Unit{
			Track:        TrackVideo,
			Payload:      joinAnnexB(au),
			DeviceTimeNS: ntp.UnixNano(),
			Sequence:     pkt.SequenceNumber,
		})
	case *format.MPEG4Audio:
		aus, err := c.aacDecoder(medi, f).Decode(pkt)
		if err != nil {
			c.log.WithError(err).Debug("aac depacketize")
			return
		}
		for _, au := range aus {
			c.deliver(Unit{
				Track:        TrackAudio,
				Payload:      au,
				DeviceTimeNS: ntp.UnixNano(),
				Sequence:     pkt.SequenceNumber,
			})
		}
	default:
		c.deliver(Unit{
			Track:        trackKind(medi.Type),
			Payload:      pkt.Payload,
			DeviceTimeNS: ntp.UnixNano(),
			Sequence:     pkt.SequenceNumber,
		})
	}
}

// deliver hands a unit to the consumer without ever blocking the
// packet callback; consumers that fall behind lose the oldest unit.
func (c *rtspConn) deliver(u Unit) {
	select {
	case <-c.done:
		return
	default:
	}
	for {
		select {
		case c.units <- u:
			return
		default:
		}
		select {
		case <-c.units:
			c.dropped++
		default:
		}
	}
}

func (c *rtspConn) h264Decoder(medi *description.Media, f *format.H264) *rtph264.Decoder {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.h264Dec == nil {
		c.h264Dec = make(map[*description.Media]*rtph264.Decoder)
	}
	if dec, ok := c.h264Dec[medi]; ok {
		return dec
	}
	dec, err := f.CreateDecoder()
	if err != nil {
		// CreateDecoder only fails on malformed SDP parameters; fall
		// back to a fresh decoder without them
		dec = &rtph264.Decoder{}
		_ = dec.Init()
	}
	c.h264Dec[medi] = dec
	return dec
}

func (c *rtspConn) aacDecoder(medi *description.Media, f *format.MPEG4Audio) *rtpmpeg4audio.Decoder {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.aacDec == nil {
		c.aacDec = make(map[*description.Media]*rtpmpeg4audio.Decoder)
	}
	if dec, ok := c.aacDec[medi]; ok {
		return dec
	}
	dec, err := f.CreateDecoder()
	if err != nil {
		c.log.WithError(err).Debug("aac decoder init")
		dec = &rtpmpeg4audio.Decoder{}
		_ = dec.Init()
	}
	c.aacDec[medi] = dec
	return dec
}

func trackKind(t description.MediaType) TrackKind {
	switch t {
	case description.MediaTypeVideo:
		return TrackVideo
	case description.MediaTypeAudio:
		return TrackAudio
	}
	return TrackData
}

func joinAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(annexBStartCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}
