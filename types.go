package realtime

import (
	"fmt"
	"strings"
)

// SensorKind identifies one of the device's sensor streams. The world
// sensor carries scene video; audio travels multiplexed on the world
// transport and is demultiplexed client-side.
type SensorKind string

const (
	KindGaze      SensorKind = "gaze"
	KindWorld     SensorKind = "world"
	KindEyes      SensorKind = "eyes"
	KindIMU       SensorKind = "imu"
	KindEyeEvents SensorKind = "eye_events"
	KindAudio     SensorKind = "audio"
)

// TransportKind returns the sensor whose streaming transport delivers
// this kind's data. Identity for everything except audio, which rides
// on the world transport.
func (k SensorKind) TransportKind() SensorKind {
	if k == KindAudio {
		return KindWorld
	}
	return k
}

// ConnType distinguishes how a sensor is reachable.
type ConnType string

const (
	ConnDirect    ConnType = "DIRECT"
	ConnWebsocket ConnType = "WEBSOCKET"
)

// DeviceEndpoint is a resolved, reachable device. Produced by
// discovery; immutable afterwards.
type DeviceEndpoint struct {
	Host     string // IP address of the host device
	Port     int    // REST / websocket API port
	FullName string // full mDNS service name, e.g. "PI monitor:Phone:1234._http._tcp.local."
	DNSName  string // mDNS host name, e.g. "pi.local."
}

// APIURL builds the HTTP URL for an API path, e.g. "/status".
func (e DeviceEndpoint) APIURL(path string) string {
	return fmt.Sprintf("http://%s:%d/api%s", e.Host, e.Port, path)
}

// StatusWSURL is the websocket endpoint carrying status pushes and
// command traffic.
func (e DeviceEndpoint) StatusWSURL() string {
	return fmt.Sprintf("ws://%s:%d/api/status", e.Host, e.Port)
}

// CalibrationURL is where the device serves its factory calibration
// blob, outside the /api prefix.
func (e DeviceEndpoint) CalibrationURL() string {
	return fmt.Sprintf("http://%s:%d/calibration.bin", e.Host, e.Port)
}

// DeviceName extracts the human-readable phone name from the mDNS
// service name, which follows "PI monitor:<phone name>:<hardware id>".
func (e DeviceEndpoint) DeviceName() string {
	parts := strings.Split(e.FullName, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return e.FullName
}

func (e DeviceEndpoint) String() string {
	return fmt.Sprintf("%s:%d (%s)", e.Host, e.Port, e.DeviceName())
}

// Sensor describes one sensor stream advertised by the device.
type Sensor struct {
	Sensor    SensorKind `json:"sensor"`
	ConnType  ConnType   `json:"conn_type"`
	Connected bool       `json:"connected"`
	IP        string     `json:"ip"`
	Port      int        `json:"port"`
	Params    string     `json:"params"`
	Protocol  string     `json:"protocol"`
}

// URL returns the streaming endpoint for a connected sensor, empty
// otherwise.
func (s Sensor) URL() string {
	if !s.Connected || s.IP == "" {
		return ""
	}
	proto := s.Protocol
	if proto == "" {
		proto = "rtsp"
	}
	return fmt.Sprintf("%s://%s:%d/?%s", proto, s.IP, s.Port, s.Params)
}

// Phone holds host-device state reported in status pushes.
type Phone struct {
	BatteryLevel int    `json:"battery_level"`
	BatteryState string `json:"battery_state"` // OK / LOW / CRITICAL
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	IP           string `json:"ip"`
	Memory       int64  `json:"memory"`
	MemoryState  string `json:"memory_state"`
	TimeEchoPort int    `json:"time_echo_port"` // 0 when the device has no echo service
}

// Hardware identifies the attached glasses module.
type Hardware struct {
	Version           string `json:"version"`
	GlassesSerial     string `json:"glasses_serial"`
	WorldCameraSerial string `json:"world_camera_serial"`
	ModuleSerial      string `json:"module_serial"`
}

// Recording describes the in-progress recording, if any.
type Recording struct {
	Action     string `json:"action"`
	ID         string `json:"id"`
	Message    string `json:"message"`
	DurationNS int64  `json:"rec_duration_ns"`
}

// NetworkDevice describes a peer discovered by the host device itself.
// Reported over the status channel; carried but otherwise unused here.
type NetworkDevice struct {
	IP         string `json:"ip"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Connected  bool   `json:"connected"`
}

// Event is a device-side annotated event, returned when sending one.
type Event struct {
	Name        string `json:"name"`
	RecordingID string `json:"recording_id"`
	Timestamp   int64  `json:"timestamp"` // unix epoch, nanoseconds
}

// RecordingState is the coarse recording lifecycle visible to callers.
type RecordingState string

const (
	StateIdle      RecordingState = "idle"
	StateRecording RecordingState = "recording"
	StateSaving    RecordingState = "saving"
)
