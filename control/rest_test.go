package control

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

func restSession(t *testing.T, handler http.Handler) (*Session, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := NewSession(testOptions())
	s.endpoint = realtime.DeviceEndpoint{Host: host, Port: port}
	return s, func() {
		_ = s.Close()
		srv.Close()
	}
}

func TestFetchStatus(t *testing.T) {
	s, stop := restSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(statusBody))
	}))
	defer stop()

	status, err := s.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status.Phone.DeviceID != "dev1" {
		t.Fatalf("unexpected phone: %+v", status.Phone)
	}
	if len(status.Sensors) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(status.Sensors))
	}
}

func TestFetchStatusErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		code int
		want error
	}{
		{"not found", http.StatusNotFound, realtime.ErrNotFound},
		{"server error", http.StatusInternalServerError, realtime.ErrConnection},
		{"bad request", http.StatusBadRequest, realtime.ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, stop := restSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message": "nope"}`, tc.code)
			}))
			defer stop()

			_, err := s.FetchStatus(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: expected %v, got %v", tc.code, tc.want, err)
			}
		})
	}
}

func TestCalibrationFetch(t *testing.T) {
	blob := calibrationBlob(t, 3, "ser123", 712.5)
	s, stop := restSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calibration.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	}))
	defer stop()

	cal, err := s.Calibration(context.Background())
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	if cal.Version != 3 || cal.Serial != "ser123" {
		t.Fatalf("unexpected header: version=%d serial=%q", cal.Version, cal.Serial)
	}
	if cal.Scene.Matrix[0] != 712.5 {
		t.Fatalf("unexpected scene matrix: %v", cal.Scene.Matrix)
	}
}

func TestCalibrationTruncated(t *testing.T) {
	s, stop := restSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{1, 2, 3})
	}))
	defer stop()

	_, err := s.Calibration(context.Background())
	if !errors.Is(err, realtime.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

// calibrationBlob builds a valid binary calibration record with fx as
// the scene camera's first matrix entry.
func calibrationBlob(t *testing.T, version uint8, serial string, fx float64) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	buf.WriteByte(version)
	var ser [6]byte
	copy(ser[:], serial)
	buf.Write(ser[:])
	for cam := 0; cam < 3; cam++ {
		var block [33]float64
		if cam == 0 {
			block[0] = fx
		}
		if err := binary.Write(buf, binary.LittleEndian, block[:]); err != nil {
			t.Fatalf("build blob: %v", err)
		}
	}
	return buf.Bytes()
}
