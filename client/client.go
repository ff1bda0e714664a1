// Package client is the blocking facade: discover a device, then pull
// samples and issue commands with plain synchronous calls. It runs the
// device orchestrator on its own goroutines and keeps a single-slot
// latest-sample handoff per sensor kind, so a Receive call always
// returns the freshest sample instead of a backlog.
package client

import (
	"context"
	"sync"
	"time"

	realtime "github.com/pupil-labs/pl-realtime-api"
	"github.com/pupil-labs/pl-realtime-api/device"
	"github.com/pupil-labs/pl-realtime-api/discovery"
)

// deviceLink is the slice of the orchestrator the facade drives.
type deviceLink interface {
	Connect(ctx context.Context) error
	Close() error
	Status() *realtime.DeviceStatus
	Events(buffer int) device.Subscription
	RequestSensor(kind realtime.SensorKind) error
	ReleaseSensor(kind realtime.SensorKind)
	RecordingStart(ctx context.Context) (string, error)
	RecordingStopAndSave(ctx context.Context) error
	RecordingCancel(ctx context.Context) error
	SendEvent(ctx context.Context, name string, timestampNS *int64) (realtime.Event, error)
	Template(ctx context.Context) (*realtime.Template, error)
	TemplateData(ctx context.Context) (map[string][]string, error)
	SetTemplateData(ctx context.Context, answers map[string][]string) error
	Calibration(ctx context.Context) (*realtime.Calibration, error)
}

// MatchedScene pairs a scene frame with the most recent gaze sample
// at the time the frame was received.
type MatchedScene struct {
	Frame realtime.VideoFrame
	Gaze  realtime.GazeSample
}

// Client is a blocking handle on one device.
type Client struct {
	dev  deviceLink
	opts realtime.Options

	slots map[realtime.SensorKind]chan realtime.Sample

	statusMu     chan struct{} // 1-token mutex, also guards statusSig swap
	statusSig    chan struct{}
	latestStatus *realtime.DeviceStatus

	cancel    context.CancelFunc
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Connect builds a facade over the endpoint and brings the device up.
func Connect(ctx context.Context, endpoint realtime.DeviceEndpoint, opts realtime.Options) (*Client, error) {
	return connect(ctx, device.New(endpoint, opts), opts)
}

// DiscoverOne finds the first device on the local network and connects
// to it. realtime.ErrNotFound when none announces itself in time.
func DiscoverOne(ctx context.Context, timeout time.Duration, opts realtime.Options) (*Client, error) {
	endpoint, err := discovery.NewScanner().DiscoverOne(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, endpoint, opts)
}

func connect(ctx context.Context, dev deviceLink, opts realtime.Options) (*Client, error) {
	opts = opts.Normalized()
	c := &Client{
		dev:       dev,
		opts:      opts,
		slots:     make(map[realtime.SensorKind]chan realtime.Sample),
		statusMu:  make(chan struct{}, 1),
		statusSig: make(chan struct{}),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, kind := range []realtime.SensorKind{
		realtime.KindGaze, realtime.KindWorld, realtime.KindEyes,
		realtime.KindIMU, realtime.KindEyeEvents, realtime.KindAudio,
	} {
		c.slots[kind] = make(chan realtime.Sample, 1)
	}

	if err := dev.Connect(ctx); err != nil {
		return nil, err
	}
	c.storeStatus(dev.Status())

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	sub := dev.Events(opts.Stream.Buffer)
	go c.pump(pumpCtx, sub)
	return c, nil
}

// pump distributes orchestrator events into the per-kind handoffs.
func (c *Client) pump(ctx context.Context, sub device.Subscription) {
	defer close(c.done)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case device.EventSample:
				if _, boundary := ev.Sample.(realtime.Discontinuity); boundary {
					continue
				}
				c.offer(ev.Sensor, ev.Sample)
			case device.EventStatus, device.EventConnected:
				c.storeStatus(ev.Status)
			case device.EventDisconnected:
				c.dropStatus()
			}
		}
	}
}

// offer replaces the slot's occupant: the slot always holds the newest
// sample of its kind.
func (c *Client) offer(kind realtime.SensorKind, sample realtime.Sample) {
	slot, ok := c.slots[kind]
	if !ok {
		return
	}
	for {
		select {
		case slot <- sample:
			return
		default:
		}
		select {
		case <-slot:
		default:
		}
	}
}

func (c *Client) storeStatus(s *realtime.DeviceStatus) {
	if s == nil {
		return
	}
	c.statusMu <- struct{}{}
	c.latestStatus = s
	close(c.statusSig)
	c.statusSig = make(chan struct{})
	<-c.statusMu
}

// dropStatus forgets the snapshot when the control channel drops, so
// blocking calls never satisfy on pre-disconnect state.
func (c *Client) dropStatus() {
	c.statusMu <- struct{}{}
	c.latestStatus = nil
	close(c.statusSig)
	c.statusSig = make(chan struct{})
	<-c.statusMu
}

func (c *Client) statusAndSignal() (*realtime.DeviceStatus, <-chan struct{}) {
	c.statusMu <- struct{}{}
	s, sig := c.latestStatus, c.statusSig
	<-c.statusMu
	return s, sig
}

// Status returns the latest status snapshot, or nil while the control
// channel is down.
func (c *Client) Status() *realtime.DeviceStatus {
	s, _ := c.statusAndSignal()
	return s
}

// receive pulls the freshest sample of a kind, requesting the sensor
// on first use. realtime.ErrTimeout when nothing arrives in time.
func (c *Client) receive(kind realtime.SensorKind, timeout time.Duration) (realtime.Sample, error) {
	select {
	case <-c.closed:
		return nil, realtime.ErrClosed
	default:
	}
	if err := c.dev.RequestSensor(kind); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sample := <-c.slots[kind]:
		return sample, nil
	case <-c.closed:
		return nil, realtime.ErrClosed
	case <-timer.C:
		return nil, realtime.ErrTimeout
	}
}

// ReceiveGaze blocks for the next gaze sample.
func (c *Client) ReceiveGaze(timeout time.Duration) (realtime.GazeSample, error) {
	s, err := c.receive(realtime.KindGaze, timeout)
	if err != nil {
		return realtime.GazeSample{}, err
	}
	return s.(realtime.GazeSample), nil
}

// ReceiveSceneFrame blocks for the next scene camera frame.
func (c *Client) ReceiveSceneFrame(timeout time.Duration) (realtime.VideoFrame, error) {
	s, err := c.receive(realtime.KindWorld, timeout)
	if err != nil {
		return realtime.VideoFrame{}, err
	}
	return s.(realtime.VideoFrame), nil
}

// ReceiveEyesFrame blocks for the next eye camera frame.
func (c *Client) ReceiveEyesFrame(timeout time.Duration) (realtime.VideoFrame, error) {
	s, err := c.receive(realtime.KindEyes, timeout)
	if err != nil {
		return realtime.VideoFrame{}, err
	}
	return s.(realtime.VideoFrame), nil
}

// ReceiveIMU blocks for the next inertial sample.
func (c *Client) ReceiveIMU(timeout time.Duration) (realtime.IMUSample, error) {
	s, err := c.receive(realtime.KindIMU, timeout)
	if err != nil {
		return realtime.IMUSample{}, err
	}
	return s.(realtime.IMUSample), nil
}

// ReceiveEyeEvent blocks for the next blink/fixation/saccade event.
func (c *Client) ReceiveEyeEvent(timeout time.Duration) (realtime.EyeEvent, error) {
	s, err := c.receive(realtime.KindEyeEvents, timeout)
	if err != nil {
		return realtime.EyeEvent{}, err
	}
	return s.(realtime.EyeEvent), nil
}

// ReceiveAudio blocks for the next audio chunk.
func (c *Client) ReceiveAudio(timeout time.Duration) (realtime.AudioChunk, error) {
	s, err := c.receive(realtime.KindAudio, timeout)
	if err != nil {
		return realtime.AudioChunk{}, err
	}
	return s.(realtime.AudioChunk), nil
}

// ReceiveMatchedScene blocks for the next scene frame and pairs it with
// the most recent gaze sample. Both streams are requested; the call
// waits for whichever half is still missing within the timeout.
func (c *Client) ReceiveMatchedScene(timeout time.Duration) (MatchedScene, error) {
	deadline := time.Now().Add(timeout)
	frame, err := c.ReceiveSceneFrame(timeout)
	if err != nil {
		return MatchedScene{}, err
	}
	gaze, err := c.ReceiveGaze(time.Until(deadline))
	if err != nil {
		return MatchedScene{}, err
	}
	return MatchedScene{Frame: frame, Gaze: gaze}, nil
}

// StartSensor requests a sensor stream without pulling a sample.
func (c *Client) StartSensor(kind realtime.SensorKind) error {
	return c.dev.RequestSensor(kind)
}

// StopSensor releases a sensor stream.
func (c *Client) StopSensor(kind realtime.SensorKind) {
	c.dev.ReleaseSensor(kind)
}

// RecordingStart begins a recording and returns its id.
func (c *Client) RecordingStart(ctx context.Context) (string, error) {
	return c.dev.RecordingStart(ctx)
}

// RecordingStopAndSave stops the running recording and blocks until a
// status snapshot without an open recording confirms the save. Only
// snapshots received after the command result count: the pre-command
// snapshot may already read idle and says nothing about this save.
// The wait is bounded by ctx.
func (c *Client) RecordingStopAndSave(ctx context.Context) error {
	if err := c.dev.RecordingStopAndSave(ctx); err != nil {
		return err
	}
	_, sig := c.statusAndSignal()
	for {
		select {
		case <-sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return realtime.ErrClosed
		}
		status, next := c.statusAndSignal()
		if status != nil && status.RecordingState() == realtime.StateIdle {
			return nil
		}
		sig = next
	}
}

// RecordingCancel discards the running recording.
func (c *Client) RecordingCancel(ctx context.Context) error {
	return c.dev.RecordingCancel(ctx)
}

// SendEvent annotates the recording. A nil timestamp lets the device
// stamp the event on arrival.
func (c *Client) SendEvent(ctx context.Context, name string, timestampNS *int64) (realtime.Event, error) {
	return c.dev.SendEvent(ctx, name, timestampNS)
}

// Template fetches the active recording template definition.
func (c *Client) Template(ctx context.Context) (*realtime.Template, error) {
	return c.dev.Template(ctx)
}

// TemplateData fetches the current template answers.
func (c *Client) TemplateData(ctx context.Context) (map[string][]string, error) {
	return c.dev.TemplateData(ctx)
}

// SetTemplateData validates and saves template answers.
func (c *Client) SetTemplateData(ctx context.Context, answers map[string][]string) error {
	return c.dev.SetTemplateData(ctx, answers)
}

// Calibration fetches the device's factory camera calibration.
func (c *Client) Calibration(ctx context.Context) (*realtime.Calibration, error) {
	return c.dev.Calibration(ctx)
}

// Close tears the facade and the device down. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.dev.Close()
		<-c.done
	})
	return err
}
