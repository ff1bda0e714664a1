// Package stream turns one sensor endpoint into a stream of decoded,
// clock-corrected samples. A Session owns the transport connection for
// its sensor, reconnects with backoff, and hands samples to the
// consumer over a bounded channel. Gaze, IMU and eye-event payloads are
// decoded here; video and audio payload decoding is delegated to
// injected decoders.
package stream

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// Gaze payload layouts, network byte order. The device picks the
// richest layout its pipeline supports; consumers detect which one
// arrived via the PerEye/EyeState/Eyelid flags.
const (
	gazeLenBasic    = 9  // x, y, worn
	gazeLenPerEye   = 25 // + left x/y, right x/y
	gazeLenEyeState = 65 // + pupil diameters, eyeball centers, optical axes
	gazeLenEyelid   = 89 // + eyelid angles and apertures
)

func be32(raw []byte, i int) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
}

// ParseGaze decodes one gaze datum. The worn byte is 255 when the
// device believes the glasses are on the wearer's head.
func ParseGaze(raw []byte) (realtime.GazeSample, error) {
	n := len(raw)
	if n != gazeLenBasic && n != gazeLenPerEye && n != gazeLenEyeState && n != gazeLenEyelid {
		return realtime.GazeSample{}, fmt.Errorf("%w: gaze payload of %d bytes", realtime.ErrProtocol, n)
	}
	s := realtime.GazeSample{
		X:    be32(raw, 0),
		Y:    be32(raw, 1),
		Worn: raw[8] == 255,
	}
	if n == gazeLenBasic {
		return s, nil
	}
	rest := raw[9:]
	if n == gazeLenPerEye {
		s.PerEye = true
		s.LeftX, s.LeftY = be32(rest, 0), be32(rest, 1)
		s.RightX, s.RightY = be32(rest, 2), be32(rest, 3)
		return s, nil
	}
	s.EyeState = true
	s.PupilDiameterLeft = be32(rest, 0)
	s.EyeballCenterLeft = realtime.Vector3{X: be32(rest, 1), Y: be32(rest, 2), Z: be32(rest, 3)}
	s.OpticalAxisLeft = realtime.Vector3{X: be32(rest, 4), Y: be32(rest, 5), Z: be32(rest, 6)}
	s.PupilDiameterRight = be32(rest, 7)
	s.EyeballCenterRight = realtime.Vector3{X: be32(rest, 8), Y: be32(rest, 9), Z: be32(rest, 10)}
	s.OpticalAxisRight = realtime.Vector3{X: be32(rest, 11), Y: be32(rest, 12), Z: be32(rest, 13)}
	if n == gazeLenEyeState {
		return s, nil
	}
	lid := rest[14*4:]
	s.Eyelid = true
	s.EyelidAngleTopLeft = be32(lid, 0)
	s.EyelidAngleBotLeft = be32(lid, 1)
	s.EyelidApertureLeft = be32(lid, 2)
	s.EyelidAngleTopRight = be32(lid, 3)
	s.EyelidAngleBotRight = be32(lid, 4)
	s.EyelidApertureRight = be32(lid, 5)
	return s, nil
}

// ParseEyeEvent decodes one eye-event datum: a space-separated text
// record of an event type code followed by type-specific fields. Onset
// events carry only a start time, blinks an interval, and completed
// fixations and saccades a full kinematic description.
func ParseEyeEvent(raw []byte) (realtime.EyeEvent, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return realtime.EyeEvent{}, fmt.Errorf("%w: empty eye event", realtime.ErrProtocol)
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return realtime.EyeEvent{}, fmt.Errorf("%w: eye event type %q", realtime.ErrProtocol, fields[0])
	}
	ev := realtime.EyeEvent{Type: realtime.EyeEventType(code)}

	readInt := func(i int, dst *int64) error {
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: eye event field %d: %v", realtime.ErrProtocol, i, err)
		}
		*dst = v
		return nil
	}
	readFloat := func(i int, dst *float32) error {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return fmt.Errorf("%w: eye event field %d: %v", realtime.ErrProtocol, i, err)
		}
		*dst = float32(v)
		return nil
	}

	switch ev.Type {
	case realtime.EventSaccadeOnset, realtime.EventFixationOnset:
		if len(fields) < 2 {
			return ev, fmt.Errorf("%w: truncated onset event", realtime.ErrProtocol)
		}
		if err := readInt(1, &ev.StartNS); err != nil {
			return ev, err
		}
		return ev, nil
	case realtime.EventBlink:
		if len(fields) < 3 {
			return ev, fmt.Errorf("%w: truncated blink event", realtime.ErrProtocol)
		}
		if err := readInt(1, &ev.StartNS); err != nil {
			return ev, err
		}
		if err := readInt(2, &ev.EndNS); err != nil {
			return ev, err
		}
		return ev, nil
	case realtime.EventSaccade, realtime.EventFixation:
		if len(fields) < 13 {
			return ev, fmt.Errorf("%w: truncated %s event (%d fields)", realtime.ErrProtocol, ev.Type, len(fields))
		}
		if err := readInt(1, &ev.StartNS); err != nil {
			return ev, err
		}
		if err := readInt(2, &ev.EndNS); err != nil {
			return ev, err
		}
		for i, dst := range []*float32{
			&ev.StartX, &ev.StartY, &ev.EndX, &ev.EndY,
			&ev.MeanGazeX, &ev.MeanGazeY,
			&ev.AmplitudePixels, &ev.AmplitudeAngleDeg,
			&ev.MeanVelocity, &ev.MaxVelocity,
		} {
			if err := readFloat(3+i, dst); err != nil {
				return ev, err
			}
		}
		return ev, nil
	}
	return ev, fmt.Errorf("%w: eye event type %d", realtime.ErrProtocol, code)
}

// Protobuf field numbers of the device's IMU packet.
const (
	imuFieldTimeNS = 1
	imuFieldGyro   = 2
	imuFieldAccel  = 3
	imuFieldRotVec = 4

	vecFieldX = 1
	vecFieldY = 2
	vecFieldZ = 3
	vecFieldW = 4
)

// ParseIMU decodes one protobuf-encoded IMU packet.
func ParseIMU(raw []byte) (realtime.IMUSample, error) {
	var s realtime.IMUSample
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: imu packet tag", realtime.ErrProtocol)
		}
		b = b[n:]
		switch {
		case num == imuFieldTimeNS && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, fmt.Errorf("%w: imu timestamp", realtime.ErrProtocol)
			}
			s.DeviceTime = int64(v)
			b = b[n:]
		case typ == protowire.BytesType && (num == imuFieldGyro || num == imuFieldAccel || num == imuFieldRotVec):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return s, fmt.Errorf("%w: imu field %d", realtime.ErrProtocol, num)
			}
			b = b[n:]
			x, y, z, w, err := parseIMUVector(v)
			if err != nil {
				return s, err
			}
			switch num {
			case imuFieldGyro:
				s.Gyro = realtime.Vector3{X: x, Y: y, Z: z}
			case imuFieldAccel:
				s.Accel = realtime.Vector3{X: x, Y: y, Z: z}
			case imuFieldRotVec:
				s.Rotation = realtime.Quaternion{X: x, Y: y, Z: z, W: w}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, fmt.Errorf("%w: imu field %d", realtime.ErrProtocol, num)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func parseIMUVector(b []byte) (x, y, z, w float32, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.Fixed32Type {
			return x, y, z, w, fmt.Errorf("%w: imu vector encoding", realtime.ErrProtocol)
		}
		b = b[n:]
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return x, y, z, w, fmt.Errorf("%w: imu vector value", realtime.ErrProtocol)
		}
		b = b[n:]
		f := math.Float32frombits(v)
		switch num {
		case vecFieldX:
			x = f
		case vecFieldY:
			y = f
		case vecFieldZ:
			z = f
		case vecFieldW:
			w = f
		}
	}
	return x, y, z, w, nil
}
