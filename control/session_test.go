package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// deviceStub serves the REST status endpoint and the websocket status
// channel the way the companion device does.
type deviceStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	dialCount int
	handle    func(conn *websocket.Conn, req commandRequest) commandResponse
}

func newDeviceStub(t *testing.T) (*deviceStub, realtime.DeviceEndpoint, func()) {
	stub := &deviceStub{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := stub.upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			stub.mu.Lock()
			stub.conns = append(stub.conns, conn)
			stub.dialCount++
			stub.mu.Unlock()
			go stub.serve(conn)
			return
		}
		if r.URL.Path == "/api/status" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(statusBody))
			return
		}
		http.NotFound(w, r)
	}))

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep := realtime.DeviceEndpoint{Host: host, Port: port, FullName: "PI monitor:Test:123._http._tcp.local."}
	return stub, ep, srv.Close
}

const statusBody = `{"result": [
	{"model": "Phone", "data": {"battery_level": 93, "battery_state": "OK",
		"device_id": "dev1", "device_name": "Test Phone", "ip": "192.168.0.2",
		"memory": 2048, "memory_state": "OK", "time_echo_port": 12345}},
	{"model": "Sensor", "data": {"sensor": "gaze", "conn_type": "DIRECT",
		"connected": true, "ip": "192.168.0.2", "port": 8686, "params": "camera=gaze", "protocol": "rtsp"}},
	{"model": "Sensor", "data": {"sensor": "world", "conn_type": "DIRECT",
		"connected": true, "ip": "192.168.0.2", "port": 8686, "params": "camera=world", "protocol": "rtsp"}}
]}`

func (d *deviceStub) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req commandRequest
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			continue
		}
		d.mu.Lock()
		handle := d.handle
		d.mu.Unlock()
		resp := commandResponse{ID: req.ID, Result: json.RawMessage(`{"ok": true}`)}
		if handle != nil {
			resp = handle(conn, req)
		}
		payload, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}

func (d *deviceStub) push(t *testing.T, raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatalf("no websocket connection to push on")
	}
	conn := d.conns[len(d.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (d *deviceStub) dropConns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = nil
}

func (d *deviceStub) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

func testOptions() realtime.Options {
	opts := realtime.DefaultOptions()
	opts.Backoff.Initial = 20 * time.Millisecond
	opts.Backoff.Max = 100 * time.Millisecond
	opts.Command.Timeout = time.Second
	return opts
}

func waitNotification(t *testing.T, sub Subscription, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed while waiting for kind %d", kind)
			}
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification kind %d", kind)
		}
	}
}

func TestConnectSeedsSnapshot(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()
	_ = stub

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateLive {
		t.Fatalf("expected live state, got %v", s.State())
	}

	status := s.Status()
	if status == nil {
		t.Fatalf("no snapshot after connect")
	}
	if status.Phone.DeviceName != "Test Phone" || status.Phone.TimeEchoPort != 12345 {
		t.Fatalf("unexpected phone: %+v", status.Phone)
	}
	if got := len(status.MatchingSensors("", realtime.ConnDirect)); got != 2 {
		t.Fatalf("expected 2 direct sensors, got %d", got)
	}
	gaze, ok := status.DirectSensor(realtime.KindGaze)
	if !ok || gaze.URL() != "rtsp://192.168.0.2:8686/?camera=gaze" {
		t.Fatalf("unexpected gaze sensor: %+v", gaze)
	}
}

func TestStatusPushReplacesSnapshot(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := s.Status()
	sub := s.Subscribe(8)
	defer sub.Close()

	stub.push(t, `{"model": "Recording", "data": {"action": "START", "id": "rec1", "message": "", "rec_duration_ns": 0}}`)

	n := waitNotification(t, sub, NotifyStatus)
	if n.Status.RecordingState() != realtime.StateRecording {
		t.Fatalf("expected recording state, got %v", n.Status.RecordingState())
	}
	if before.Recording != nil {
		t.Fatalf("old snapshot mutated in place")
	}
}

func TestUnknownComponentIsIgnored(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub := s.Subscribe(8)
	defer sub.Close()

	stub.push(t, `{"model": "FirmwareGizmo", "data": {"x": 1}}`)
	stub.push(t, `{"model": "Recording", "data": {"action": "START", "id": "rec1"}}`)

	n := waitNotification(t, sub, NotifyStatus)
	if n.Status.Recording == nil {
		t.Fatalf("known push after unknown push was lost")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()
	stub.handle = func(conn *websocket.Conn, req commandRequest) commandResponse {
		if req.Method != MethodRecordingStart {
			return commandResponse{ID: req.ID, Error: &CommandError{Code: 400, Message: "unexpected method"}}
		}
		return commandResponse{ID: req.ID, Result: json.RawMessage(`{"id": "rec42"}`)}
	}

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	id, err := s.RecordingStart(context.Background())
	if err != nil {
		t.Fatalf("recording start: %v", err)
	}
	if id != "rec42" {
		t.Fatalf("unexpected recording id %q", id)
	}
}

func TestCommandRejected(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()
	stub.handle = func(conn *websocket.Conn, req commandRequest) commandResponse {
		return commandResponse{ID: req.ID, Error: &CommandError{Code: 409, Message: "recording already running"}}
	}

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := s.RecordingStart(context.Background())
	if !errors.Is(err, realtime.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()
	stub.handle = func(conn *websocket.Conn, req commandRequest) commandResponse {
		time.Sleep(time.Second) // never answer in time
		return commandResponse{ID: req.ID, Result: json.RawMessage(`{}`)}
	}

	opts := testOptions()
	opts.Command.Timeout = 100 * time.Millisecond
	s := NewSession(opts)
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := s.Command(context.Background(), RecordingStart())
	if !errors.Is(err, realtime.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReconnectDeliversFreshSnapshot(t *testing.T) {
	stub, ep, stop := newDeviceStub(t)
	defer stop()

	s := NewSession(testOptions())
	defer s.Close()
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub := s.Subscribe(8)
	defer sub.Close()

	stub.dropConns()

	waitNotification(t, sub, NotifyDisconnected)
	n := waitNotification(t, sub, NotifyConnected)
	if n.Status == nil {
		t.Fatalf("reconnect notification without a snapshot")
	}
	if stub.dials() < 2 {
		t.Fatalf("expected a redial, saw %d dials", stub.dials())
	}
	if s.State() != StateLive {
		t.Fatalf("expected live after reconnect, got %v", s.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, ep, stop := newDeviceStub(t)
	defer stop()

	s := NewSession(testOptions())
	if err := s.Connect(context.Background(), ep); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Command(context.Background(), RecordingStart()); !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	s := NewSession(testOptions())
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, realtime.DeviceEndpoint{Host: "127.0.0.1", Port: 1})
	if !errors.Is(err, realtime.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
