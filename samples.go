package realtime

import "time"

// Sample is one timestamped datum produced by a stream session.
// DeviceTimeNS is the capture timestamp on the device clock;
// CapturedAt is the same instant translated to the local clock at
// production time, so late-read samples keep correct-at-capture
// timestamps.
type Sample interface {
	Kind() SensorKind
	DeviceTimeNS() int64
	CapturedAt() time.Time
}

// Vector3 is a 3D vector (gyro deg/s, accel m/s², positions in mm).
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is a rotation in (x, y, z, w) order.
type Quaternion struct {
	X, Y, Z, W float32
}

// GazeSample is one gaze estimate in scene-camera pixel coordinates.
// Eye-state fields are only populated when the device streams the
// extended payload layouts; absent values stay zero and EyeState
// reports availability.
type GazeSample struct {
	X, Y float32
	Worn bool

	// dual-monocular layout
	LeftX, LeftY   float32
	RightX, RightY float32
	PerEye         bool

	// eye-state layout
	EyeState           bool
	PupilDiameterLeft  float32 // mm
	PupilDiameterRight float32
	EyeballCenterLeft  Vector3
	EyeballCenterRight Vector3
	OpticalAxisLeft    Vector3
	OpticalAxisRight   Vector3

	// eyelid layout
	Eyelid              bool
	EyelidAngleTopLeft  float32 // rad
	EyelidAngleBotLeft  float32
	EyelidApertureLeft  float32 // mm
	EyelidAngleTopRight float32
	EyelidAngleBotRight float32
	EyelidApertureRight float32

	DeviceTime int64
	Captured   time.Time
}

func (s GazeSample) Kind() SensorKind      { return KindGaze }
func (s GazeSample) DeviceTimeNS() int64   { return s.DeviceTime }
func (s GazeSample) CapturedAt() time.Time { return s.Captured }

// ImageBuffer is a decoded video frame in packed pixel form.
type ImageBuffer struct {
	Pixels []byte
	Width  int
	Height int
	Stride int
	Format string // e.g. "bgr24"
}

// VideoFrame is one scene or eye camera frame. Raw always carries the
// Annex B access unit; Image is set when a decoder is configured.
type VideoFrame struct {
	Sensor SensorKind // KindWorld or KindEyes
	Raw    []byte
	Image  *ImageBuffer

	DeviceTime int64
	Captured   time.Time
}

func (f VideoFrame) Kind() SensorKind      { return f.Sensor }
func (f VideoFrame) DeviceTimeNS() int64   { return f.DeviceTime }
func (f VideoFrame) CapturedAt() time.Time { return f.Captured }

// AudioChunk is one decoded audio unit. Raw always carries the encoded
// access unit; PCM is set when a decoder is configured.
type AudioChunk struct {
	Raw      []byte
	PCM      []float32
	Rate     int
	Channels int

	DeviceTime int64
	Captured   time.Time
}

func (c AudioChunk) Kind() SensorKind      { return KindAudio }
func (c AudioChunk) DeviceTimeNS() int64   { return c.DeviceTime }
func (c AudioChunk) CapturedAt() time.Time { return c.Captured }

// IMUSample is one inertial measurement.
type IMUSample struct {
	Gyro     Vector3
	Accel    Vector3
	Rotation Quaternion

	DeviceTime int64
	Captured   time.Time
}

func (s IMUSample) Kind() SensorKind      { return KindIMU }
func (s IMUSample) DeviceTimeNS() int64   { return s.DeviceTime }
func (s IMUSample) CapturedAt() time.Time { return s.Captured }

// EyeEventType classifies an eye event detection.
type EyeEventType int

const (
	EventSaccade EyeEventType = iota
	EventFixation
	EventSaccadeOnset
	EventFixationOnset
	EventBlink
)

func (t EyeEventType) String() string {
	switch t {
	case EventSaccade:
		return "saccade"
	case EventFixation:
		return "fixation"
	case EventSaccadeOnset:
		return "saccade_onset"
	case EventFixationOnset:
		return "fixation_onset"
	case EventBlink:
		return "blink"
	}
	return "unknown"
}

// EyeEvent is one detected blink, fixation or saccade interval.
// Kinematic fields are populated for completed fixations and saccades
// only.
type EyeEvent struct {
	Type    EyeEventType
	StartNS int64
	EndNS   int64

	AmplitudeAngleDeg float32
	AmplitudePixels   float32
	MeanVelocity      float32
	MaxVelocity       float32
	StartX, StartY    float32
	EndX, EndY        float32
	MeanGazeX         float32
	MeanGazeY         float32

	DeviceTime int64
	Captured   time.Time
}

func (e EyeEvent) Kind() SensorKind      { return KindEyeEvents }
func (e EyeEvent) DeviceTimeNS() int64   { return e.DeviceTime }
func (e EyeEvent) CapturedAt() time.Time { return e.Captured }

// Discontinuity marks an explicit reconnect boundary in a sample
// stream. Timestamps are non-decreasing per sensor except across one
// of these markers.
type Discontinuity struct {
	Sensor SensorKind

	DeviceTime int64
	Captured   time.Time
}

func (d Discontinuity) Kind() SensorKind      { return d.Sensor }
func (d Discontinuity) DeviceTimeNS() int64   { return d.DeviceTime }
func (d Discontinuity) CapturedAt() time.Time { return d.Captured }

// ClockOffset is the estimated difference between the device clock and
// the local clock (device minus local), with a confidence bound.
type ClockOffset struct {
	Offset      time.Duration
	Uncertainty time.Duration
	LastUpdated time.Time
}
