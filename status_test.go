package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustRaw(t *testing.T, records ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		out = append(out, json.RawMessage(r))
	}
	return out
}

func TestParseComponent(t *testing.T) {
	c, err := ParseComponent([]byte(`{"model": "Phone", "data": {"device_name": "P1", "battery_level": 80}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	phone, ok := c.(Phone)
	if !ok {
		t.Fatalf("expected Phone, got %T", c)
	}
	if phone.DeviceName != "P1" || phone.BatteryLevel != 80 {
		t.Fatalf("unexpected phone: %+v", phone)
	}
}

func TestParseComponentUnknownModel(t *testing.T) {
	_, err := ParseComponent([]byte(`{"model": "Thermostat", "data": {}}`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestParseComponentIgnoresUnknownFields(t *testing.T) {
	c, err := ParseComponent([]byte(`{"model": "Sensor", "data": {"sensor": "gaze", "conn_type": "DIRECT", "connected": true, "future_field": 42}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s := c.(Sensor); s.Sensor != KindGaze || !s.Connected {
		t.Fatalf("unexpected sensor: %+v", s)
	}
}

func TestParseStatusDropsBadRecords(t *testing.T) {
	s, err := ParseStatus(mustRaw(t,
		`{"model": "Phone", "data": {"device_name": "P1"}}`,
		`{"model": "Gadget", "data": {}}`,
		`not even json`,
		`{"model": "Sensor", "data": {"sensor": "gaze", "conn_type": "DIRECT", "connected": true}}`,
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Phone.DeviceName != "P1" {
		t.Fatalf("phone lost: %+v", s.Phone)
	}
	if len(s.Sensors) != 1 {
		t.Fatalf("expected 1 sensor, got %d", len(s.Sensors))
	}
}

func TestParseStatusSortsConnectedFirst(t *testing.T) {
	s, err := ParseStatus(mustRaw(t,
		`{"model": "Sensor", "data": {"sensor": "world", "conn_type": "DIRECT", "connected": false}}`,
		`{"model": "Sensor", "data": {"sensor": "imu", "conn_type": "DIRECT", "connected": true}}`,
		`{"model": "Sensor", "data": {"sensor": "gaze", "conn_type": "DIRECT", "connected": true}}`,
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !s.Sensors[0].Connected || !s.Sensors[1].Connected || s.Sensors[2].Connected {
		t.Fatalf("connected sensors not sorted first: %+v", s.Sensors)
	}
	if s.Sensors[0].Sensor != KindGaze {
		t.Fatalf("expected name order within connected group, got %+v", s.Sensors)
	}
}

func TestWithComponentDoesNotMutate(t *testing.T) {
	s, _ := ParseStatus(mustRaw(t,
		`{"model": "Sensor", "data": {"sensor": "gaze", "conn_type": "DIRECT", "connected": true}}`,
	))
	next := s.WithComponent(Recording{Action: "START", ID: "r1"})

	if s.Recording != nil {
		t.Fatalf("original snapshot gained a recording")
	}
	if next.Recording == nil || next.Recording.ID != "r1" {
		t.Fatalf("new snapshot missing the recording: %+v", next.Recording)
	}

	next2 := next.WithComponent(Sensor{Sensor: KindGaze, ConnType: ConnDirect, Connected: false})
	if !next.Sensors[0].Connected {
		t.Fatalf("sensor update leaked into the previous snapshot")
	}
	if next2.Sensors[0].Connected {
		t.Fatalf("sensor update not applied: %+v", next2.Sensors)
	}
}

func TestWithComponentReplacesMatchingSensor(t *testing.T) {
	s := &DeviceStatus{Sensors: []Sensor{
		{Sensor: KindGaze, ConnType: ConnDirect, Connected: true},
		{Sensor: KindGaze, ConnType: ConnWebsocket, Connected: true},
	}}
	next := s.WithComponent(Sensor{Sensor: KindGaze, ConnType: ConnDirect, Connected: false})
	if len(next.Sensors) != 2 {
		t.Fatalf("sensor update appended instead of replacing: %+v", next.Sensors)
	}
}

func TestRecordingState(t *testing.T) {
	s := &DeviceStatus{}
	if s.RecordingState() != StateIdle {
		t.Fatalf("no recording should be idle")
	}
	s.Recording = &Recording{Action: "START"}
	if s.RecordingState() != StateRecording {
		t.Fatalf("START should be recording")
	}
	s.Recording = &Recording{Action: "SAVE"}
	if s.RecordingState() != StateSaving {
		t.Fatalf("SAVE should be saving")
	}
	s.Recording = &Recording{Action: "STOP"}
	if s.RecordingState() != StateIdle {
		t.Fatalf("STOP should be idle")
	}
}

func TestDirectSensorAudioUsesWorldTransport(t *testing.T) {
	s := &DeviceStatus{Sensors: []Sensor{
		{Sensor: KindWorld, ConnType: ConnDirect, Connected: true, IP: "10.0.0.2", Port: 8686},
	}}
	sensor, ok := s.DirectSensor(KindAudio)
	if !ok {
		t.Fatalf("audio should resolve through the world sensor")
	}
	if sensor.Sensor != KindWorld {
		t.Fatalf("unexpected transport sensor: %+v", sensor)
	}

	if _, ok := s.DirectSensor(KindIMU); ok {
		t.Fatalf("imu sensor should be absent")
	}
}
