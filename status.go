package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Component is one element of a status push. Concrete types: Phone,
// Hardware, Sensor, Recording, NetworkDevice, Event.
type Component interface{ component() }

func (Phone) component()         {}
func (Hardware) component()      {}
func (Sensor) component()        {}
func (Recording) component()     {}
func (NetworkDevice) component() {}
func (Event) component()         {}

type componentEnvelope struct {
	Model string          `json:"model"`
	Data  json.RawMessage `json:"data"`
}

// ParseComponent decodes one {"model": ..., "data": ...} record.
// Unknown models return ErrProtocol so callers can skip them; device
// firmware adds component types over time and unknown ones must not
// break parsing. Unrecognized fields inside known models are ignored
// for the same reason.
func ParseComponent(raw []byte) (Component, error) {
	var env componentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed component: %v", ErrProtocol, err)
	}
	var v Component
	switch env.Model {
	case "Phone":
		v = &Phone{}
	case "Hardware":
		v = &Hardware{}
	case "Sensor":
		v = &Sensor{}
	case "Recording":
		v = &Recording{}
	case "NetworkDevice":
		v = &NetworkDevice{}
	case "Event":
		v = &Event{}
	default:
		return nil, fmt.Errorf("%w: unknown component model %q", ErrProtocol, env.Model)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrProtocol, env.Model, err)
	}
	switch p := v.(type) {
	case *Phone:
		return *p, nil
	case *Hardware:
		return *p, nil
	case *Sensor:
		return *p, nil
	case *Recording:
		return *p, nil
	case *NetworkDevice:
		return *p, nil
	case *Event:
		return *p, nil
	}
	return nil, fmt.Errorf("%w: unknown component model %q", ErrProtocol, env.Model)
}

// DeviceStatus is an immutable snapshot of device state. It is never
// mutated in place: updates go through WithComponent, which returns a
// fresh snapshot, so concurrent readers always observe a fully-formed
// value.
type DeviceStatus struct {
	Phone     Phone
	Hardware  Hardware
	Sensors   []Sensor
	Recording *Recording
}

// ParseStatus builds a snapshot from a full list of component records,
// dropping records it cannot interpret.
func ParseStatus(raw []json.RawMessage) (*DeviceStatus, error) {
	s := &DeviceStatus{}
	for _, rec := range raw {
		c, err := ParseComponent(rec)
		if err != nil {
			continue
		}
		s.apply(c)
	}
	sort.SliceStable(s.Sensors, func(i, j int) bool {
		a, b := s.Sensors[i], s.Sensors[j]
		if a.Connected != b.Connected {
			return a.Connected
		}
		if a.ConnType != b.ConnType {
			return a.ConnType < b.ConnType
		}
		return a.Sensor < b.Sensor
	})
	return s, nil
}

// WithComponent returns a new snapshot with one component replaced.
func (s *DeviceStatus) WithComponent(c Component) *DeviceStatus {
	next := &DeviceStatus{
		Phone:    s.Phone,
		Hardware: s.Hardware,
		Sensors:  append([]Sensor(nil), s.Sensors...),
	}
	if s.Recording != nil {
		rec := *s.Recording
		next.Recording = &rec
	}
	next.apply(c)
	return next
}

func (s *DeviceStatus) apply(c Component) {
	switch v := c.(type) {
	case Phone:
		s.Phone = v
	case Hardware:
		s.Hardware = v
	case Recording:
		rec := v
		s.Recording = &rec
	case Sensor:
		for i, existing := range s.Sensors {
			if existing.Sensor == v.Sensor && existing.ConnType == v.ConnType {
				s.Sensors[i] = v
				return
			}
		}
		s.Sensors = append(s.Sensors, v)
	case NetworkDevice, Event:
		// informational, not part of the snapshot
	}
}

// RecordingState derives the coarse recording lifecycle.
func (s *DeviceStatus) RecordingState() RecordingState {
	if s.Recording == nil {
		return StateIdle
	}
	switch s.Recording.Action {
	case "START":
		return StateRecording
	case "SAVE":
		return StateSaving
	}
	return StateIdle
}

// DirectSensor returns the DIRECT-connection descriptor for a kind.
// Audio has no descriptor of its own: it reports the world sensor,
// whose transport carries the multiplexed audio track.
func (s *DeviceStatus) DirectSensor(kind SensorKind) (Sensor, bool) {
	for _, sensor := range s.Sensors {
		if sensor.Sensor == kind.TransportKind() && sensor.ConnType == ConnDirect {
			return sensor, true
		}
	}
	return Sensor{Sensor: kind.TransportKind(), ConnType: ConnDirect}, false
}

// MatchingSensors filters the snapshot's sensors. Zero values match
// anything.
func (s *DeviceStatus) MatchingSensors(kind SensorKind, conn ConnType) []Sensor {
	var out []Sensor
	for _, sensor := range s.Sensors {
		if kind != "" && sensor.Sensor != kind {
			continue
		}
		if conn != "" && sensor.ConnType != conn {
			continue
		}
		out = append(out, sensor)
	}
	return out
}
