package realtime

import "testing"

func TestDeviceEndpointURLs(t *testing.T) {
	ep := DeviceEndpoint{Host: "192.168.0.2", Port: 8080}
	if got := ep.APIURL("/status"); got != "http://192.168.0.2:8080/api/status" {
		t.Fatalf("api url: %s", got)
	}
	if got := ep.StatusWSURL(); got != "ws://192.168.0.2:8080/api/status" {
		t.Fatalf("ws url: %s", got)
	}
	if got := ep.CalibrationURL(); got != "http://192.168.0.2:8080/calibration.bin" {
		t.Fatalf("calibration url: %s", got)
	}
}

func TestDeviceName(t *testing.T) {
	ep := DeviceEndpoint{FullName: "PI monitor:My Phone:1a2b3c._http._tcp.local."}
	if got := ep.DeviceName(); got != "My Phone" {
		t.Fatalf("device name: %q", got)
	}
	plain := DeviceEndpoint{FullName: "somethingelse"}
	if got := plain.DeviceName(); got != "somethingelse" {
		t.Fatalf("fallback device name: %q", got)
	}
}

func TestTransportKind(t *testing.T) {
	if KindAudio.TransportKind() != KindWorld {
		t.Fatalf("audio must ride the world transport")
	}
	for _, k := range []SensorKind{KindGaze, KindWorld, KindEyes, KindIMU, KindEyeEvents} {
		if k.TransportKind() != k {
			t.Fatalf("%s should use its own transport", k)
		}
	}
}

func TestSensorURL(t *testing.T) {
	s := Sensor{
		Sensor: KindGaze, ConnType: ConnDirect, Connected: true,
		IP: "192.168.0.2", Port: 8686, Params: "camera=gaze", Protocol: "rtsp",
	}
	if got := s.URL(); got != "rtsp://192.168.0.2:8686/?camera=gaze" {
		t.Fatalf("sensor url: %s", got)
	}
	s.Connected = false
	if got := s.URL(); got != "" {
		t.Fatalf("disconnected sensor should have no url, got %s", got)
	}
}

func TestBackoffNext(t *testing.T) {
	b := BackoffConfig{Initial: 100, Max: 1000, Multiplier: 2}
	if got := b.Next(0); got != 100 {
		t.Fatalf("first interval: %d", got)
	}
	if got := b.Next(400); got != 800 {
		t.Fatalf("doubling: %d", got)
	}
	if got := b.Next(900); got != 1000 {
		t.Fatalf("cap: %d", got)
	}
}
