package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// FetchStatus does a one-shot GET of the full status snapshot. Used to
// seed the session on connect and reconnect; live updates arrive over
// the websocket.
func (s *Session) FetchStatus(ctx context.Context) (*realtime.DeviceStatus, error) {
	var payload struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := s.getJSON(ctx, s.endpoint.APIURL("/status"), &payload); err != nil {
		return nil, err
	}
	return realtime.ParseStatus(payload.Result)
}

// Calibration fetches and decodes the device's factory calibration.
func (s *Session) Calibration(ctx context.Context) (*realtime.Calibration, error) {
	raw, err := s.getBytes(ctx, s.endpoint.CalibrationURL())
	if err != nil {
		return nil, err
	}
	return realtime.ParseCalibration(raw)
}

func (s *Session) getJSON(ctx context.Context, url string, out any) error {
	body, err := s.getBytes(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", realtime.ErrProtocol, url, err)
	}
	return nil
}

func (s *Session) getBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: GET %s", realtime.ErrTimeout, url)
		}
		return nil, fmt.Errorf("%w: GET %s: %v", realtime.ErrConnection, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: GET %s", realtime.ErrNotFound, url)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: GET %s: %s", realtime.ErrConnection, url, resp.Status)
	default:
		return nil, fmt.Errorf("%w: GET %s: %s: %s", realtime.ErrRejected, url, resp.Status, deviceMessage(body))
	}
}

func deviceMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return string(body)
}
