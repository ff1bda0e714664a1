// Package transport is the boundary to the per-sensor streaming
// protocol. A Client opens a session against a sensor endpoint and
// delivers framed, timestamped units; session negotiation, RTP
// depacketization and sender-report clock mapping are handled by the
// underlying protocol library. Everything above this package treats
// units as opaque payloads.
package transport

import (
	"context"
)

// TrackKind names an elementary stream within one transport session.
// Sensor-data endpoints (gaze, imu, eye events) expose a single data
// track; the scene endpoint carries a video track and, on devices with
// a microphone, an audio track multiplexed into the same session.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
	TrackData  TrackKind = "data"
)

// Unit is one framed transport payload: a full video access unit, one
// encoded audio unit, or one sensor datum. DeviceTimeNS is the capture
// timestamp on the device clock, derived from the transport's sender
// reports; units that arrive before the clock mapping is known are not
// delivered.
type Unit struct {
	Track        TrackKind
	Payload      []byte
	DeviceTimeNS int64
	Sequence     uint16
}

// Conn is one open streaming session.
type Conn interface {
	// Units delivers frames in arrival order. The channel is closed
	// when the session ends, whether by Close or by transport failure.
	Units() <-chan Unit

	// Tracks lists the elementary streams negotiated for this session.
	Tracks() []TrackKind

	// Close tears the session down. Idempotent.
	Close() error
}

// Client opens streaming sessions.
type Client interface {
	Open(ctx context.Context, rawURL string) (Conn, error)
}
