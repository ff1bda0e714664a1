// Package device orchestrates one companion device: it owns the
// control channel, the clock offset estimator and one stream session
// per requested sensor, and reconciles the set of open streams against
// the device's reported sensor state on every status change.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
	"github.com/pupil-labs/pl-realtime-api/control"
	"github.com/pupil-labs/pl-realtime-api/stream"
	"github.com/pupil-labs/pl-realtime-api/timesync"
	"github.com/pupil-labs/pl-realtime-api/transport"
)

// EventKind tags entries on the merged event surface.
type EventKind int

const (
	// EventStatus carries a fresh full status snapshot.
	EventStatus EventKind = iota
	// EventConnected and EventDisconnected track the control channel.
	EventConnected
	EventDisconnected
	// EventSample carries one sensor sample.
	EventSample
)

// Event is one entry on the merged device event stream.
type Event struct {
	Kind   EventKind
	Device string

	Status *realtime.DeviceStatus // EventStatus, EventConnected
	Sensor realtime.SensorKind    // EventSample
	Sample realtime.Sample        // EventSample
}

// Subscription is a handle on the merged event stream.
type Subscription interface {
	C() <-chan Event
	Close()
}

// controlLink is the slice of the control session the orchestrator
// drives.
type controlLink interface {
	Connect(ctx context.Context, endpoint realtime.DeviceEndpoint) error
	Close() error
	Status() *realtime.DeviceStatus
	Subscribe(buffer int) control.Subscription
	RecordingStart(ctx context.Context) (string, error)
	RecordingStopAndSave(ctx context.Context) error
	RecordingCancel(ctx context.Context) error
	SendEvent(ctx context.Context, name string, timestampNS *int64) (realtime.Event, error)
	Template(ctx context.Context) (*realtime.Template, error)
	TemplateData(ctx context.Context) (map[string][]string, error)
	SetTemplateData(ctx context.Context, answers map[string][]string) error
	Calibration(ctx context.Context) (*realtime.Calibration, error)
}

// streamHandle is the slice of a stream session the orchestrator
// drives.
type streamHandle interface {
	Open(ctx context.Context) error
	Samples() <-chan realtime.Sample
	Close() error
}

// activeStream is one open session plus the endpoint it was dialed
// with, so an address change in a later snapshot recycles it.
type activeStream struct {
	h   streamHandle
	url string
}

// Device is one orchestrated companion device.
type Device struct {
	endpoint realtime.DeviceEndpoint
	opts     realtime.Options
	log      logrus.FieldLogger

	ctrl      controlLink
	newStream func(cfg stream.Config) streamHandle
	newProber func(host string, port int) timesync.Prober
	clock     *timesync.Estimator
	shared    *stream.SharedOpener
	direct    transport.Client

	mu        sync.Mutex
	connected bool
	desired   map[realtime.SensorKind]bool
	active    map[realtime.SensorKind]activeStream
	subs      map[*subscription]struct{}
	closed    bool
	cancel    context.CancelFunc
	probeStop context.CancelFunc
	prober    timesync.Prober

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an orchestrator for the endpoint. Call Connect to bring it
// up.
func New(endpoint realtime.DeviceEndpoint, opts realtime.Options) *Device {
	opts = opts.Normalized()
	rtsp := &transport.RTSPClient{
		Buffer: opts.Stream.TransportBuffer,
		Logger: opts.Logger,
	}
	d := &Device{
		endpoint: endpoint,
		opts:     opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "device",
			"device":    endpoint.DeviceName(),
		}),
		ctrl:    control.NewSession(opts),
		clock:   timesync.NewEstimator(opts.Timesync, opts.Logger),
		shared:  stream.NewSharedOpener(rtsp, opts.Stream.TransportBuffer),
		direct:  rtsp,
		desired: make(map[realtime.SensorKind]bool),
		active:  make(map[realtime.SensorKind]activeStream),
		subs:    make(map[*subscription]struct{}),
	}
	d.newStream = func(cfg stream.Config) streamHandle { return stream.New(cfg) }
	d.newProber = func(host string, port int) timesync.Prober {
		return timesync.NewTCPProber(host, port)
	}
	return d
}

// Endpoint reports the device this orchestrator is bound to.
func (d *Device) Endpoint() realtime.DeviceEndpoint { return d.endpoint }

// Clock exposes the device clock offset estimator.
func (d *Device) Clock() *timesync.Estimator { return d.clock }

// Connect brings up the control channel, seeds the status snapshot and
// starts the orchestration loop. Stream sessions come and go with
// RequestSensor and the device's own sensor state afterwards.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return realtime.ErrClosed
	}
	if d.cancel != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: device already connected", realtime.ErrRejected)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.ctrl.Connect(ctx, d.endpoint); err != nil {
		cancel()
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
		return err
	}

	sub := d.ctrl.Subscribe(d.opts.Command.QueueSize)
	d.wg.Add(1)
	go d.run(runCtx, sub)

	status := d.ctrl.Status()
	d.mu.Lock()
	d.connected = true
	d.startTimesyncLocked(status)
	d.reconcileLocked(runCtx, status)
	d.mu.Unlock()
	d.publish(Event{Kind: EventConnected, Device: d.endpoint.DeviceName(), Status: status})
	return nil
}

// run relays control notifications into reconciliation and the merged
// event stream.
func (d *Device) run(ctx context.Context, sub control.Subscription) {
	defer d.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			d.handleNotification(ctx, n)
		}
	}
}

func (d *Device) handleNotification(ctx context.Context, n control.Notification) {
	name := d.endpoint.DeviceName()
	switch n.Kind {
	case control.NotifyStatus:
		d.mu.Lock()
		if d.connected {
			d.reconcileLocked(ctx, n.Status)
		}
		d.mu.Unlock()
		d.publish(Event{Kind: EventStatus, Device: name, Status: n.Status})

	case control.NotifyDisconnected:
		// All per-sensor transports ride the same network path as the
		// control channel. Tear them down now and rebuild from the
		// fresh snapshot after reconnect.
		d.mu.Lock()
		d.connected = false
		d.teardownStreamsLocked()
		d.stopTimesyncLocked()
		d.mu.Unlock()
		d.publish(Event{Kind: EventDisconnected, Device: name})

	case control.NotifyConnected:
		d.mu.Lock()
		d.connected = true
		d.startTimesyncLocked(n.Status)
		d.reconcileLocked(ctx, n.Status)
		d.mu.Unlock()
		d.publish(Event{Kind: EventConnected, Device: name, Status: n.Status})
	}
}

// RequestSensor adds a sensor to the desired set. Idempotent; the
// stream opens once the device reports the sensor connected.
func (d *Device) RequestSensor(kind realtime.SensorKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return realtime.ErrClosed
	}
	if d.desired[kind] {
		return nil
	}
	d.desired[kind] = true
	if d.connected {
		d.reconcileLocked(context.Background(), d.ctrl.Status())
	}
	return nil
}

// ReleaseSensor removes a sensor from the desired set and closes its
// stream. Idempotent.
func (d *Device) ReleaseSensor(kind realtime.SensorKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.desired[kind] {
		return
	}
	delete(d.desired, kind)
	if a, ok := d.active[kind]; ok {
		delete(d.active, kind)
		go a.h.Close()
	}
}

// reconcileLocked drives the active stream set to desired ∩ connected.
// Duplicate status pushes and arbitrary push orders settle on the same
// fixpoint.
func (d *Device) reconcileLocked(ctx context.Context, status *realtime.DeviceStatus) {
	if status == nil {
		return
	}
	want := make(map[realtime.SensorKind]realtime.Sensor)
	for kind := range d.desired {
		sensor, ok := status.DirectSensor(kind)
		if ok && sensor.Connected {
			want[kind] = sensor
		}
	}
	for kind, a := range d.active {
		sensor, keep := want[kind]
		if keep && sensor.URL() == a.url {
			continue
		}
		delete(d.active, kind)
		d.log.WithField("sensor", kind).Info("closing stream")
		go a.h.Close()
	}
	for kind, sensor := range want {
		if _, running := d.active[kind]; running {
			continue
		}
		h := d.newStream(stream.Config{
			Kind:    kind,
			URL:     sensor.URL(),
			Client:  d.transportFor(kind),
			Clock:   d.clock,
			Video:   d.opts.Stream.Video,
			PCM:     d.opts.Stream.PCM,
			Options: d.opts,
		})
		if err := h.Open(ctx); err != nil {
			d.log.WithError(err).WithField("sensor", kind).Warn("stream open failed")
			h.Close()
			continue
		}
		d.log.WithField("sensor", kind).Info("opening stream")
		d.active[kind] = activeStream{h: h, url: sensor.URL()}
		d.wg.Add(1)
		go d.pump(kind, h)
	}
}

// transportFor picks the transport client for a sensor. Scene video
// and audio share one session on the scene endpoint.
func (d *Device) transportFor(kind realtime.SensorKind) transport.Client {
	switch kind {
	case realtime.KindWorld:
		return d.shared.View(transport.TrackVideo)
	case realtime.KindAudio:
		return d.shared.View(transport.TrackAudio)
	case realtime.KindEyes:
		return d.shared.View(transport.TrackVideo)
	}
	return d.direct
}

// pump forwards one stream's samples onto the merged event stream.
func (d *Device) pump(kind realtime.SensorKind, h streamHandle) {
	defer d.wg.Done()
	name := d.endpoint.DeviceName()
	for sample := range h.Samples() {
		d.publish(Event{Kind: EventSample, Device: name, Sensor: kind, Sample: sample})
	}
}

func (d *Device) teardownStreamsLocked() {
	for kind, a := range d.active {
		delete(d.active, kind)
		go a.h.Close()
	}
}

func (d *Device) startTimesyncLocked(status *realtime.DeviceStatus) {
	if d.probeStop != nil || status == nil || status.Phone.TimeEchoPort == 0 {
		return
	}
	prober := d.newProber(d.endpoint.Host, status.Phone.TimeEchoPort)
	probeCtx, cancel := context.WithCancel(context.Background())
	d.prober = prober
	d.probeStop = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.clock.Run(probeCtx, prober)
	}()
}

func (d *Device) stopTimesyncLocked() {
	if d.probeStop == nil {
		return
	}
	d.probeStop()
	d.probeStop = nil
	if d.prober != nil {
		d.prober.Close()
		d.prober = nil
	}
}

// Events subscribes to the merged event stream. A full buffer sheds
// the oldest entry so a slow consumer keeps seeing fresh events.
func (d *Device) Events(buffer int) Subscription {
	if buffer <= 0 {
		buffer = d.opts.Stream.Buffer
	}
	sub := &subscription{d: d, ch: make(chan Event, buffer)}
	d.mu.Lock()
	if d.closed {
		close(sub.ch)
		sub.released = true
	} else {
		d.subs[sub] = struct{}{}
	}
	d.mu.Unlock()
	return sub
}

func (d *Device) publish(ev Event) {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		sub.send(ev)
	}
}

// Status reports the latest status snapshot.
func (d *Device) Status() *realtime.DeviceStatus { return d.ctrl.Status() }

// Command passthroughs.

func (d *Device) RecordingStart(ctx context.Context) (string, error) {
	return d.ctrl.RecordingStart(ctx)
}

func (d *Device) RecordingStopAndSave(ctx context.Context) error {
	return d.ctrl.RecordingStopAndSave(ctx)
}

func (d *Device) RecordingCancel(ctx context.Context) error {
	return d.ctrl.RecordingCancel(ctx)
}

func (d *Device) SendEvent(ctx context.Context, name string, timestampNS *int64) (realtime.Event, error) {
	return d.ctrl.SendEvent(ctx, name, timestampNS)
}

func (d *Device) Template(ctx context.Context) (*realtime.Template, error) {
	return d.ctrl.Template(ctx)
}

func (d *Device) TemplateData(ctx context.Context) (map[string][]string, error) {
	return d.ctrl.TemplateData(ctx)
}

func (d *Device) SetTemplateData(ctx context.Context, answers map[string][]string) error {
	return d.ctrl.SetTemplateData(ctx, answers)
}

func (d *Device) Calibration(ctx context.Context) (*realtime.Calibration, error) {
	return d.ctrl.Calibration(ctx)
}

// Close tears down streams, the clock prober and the control channel.
// Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.connected = false
		cancel := d.cancel
		d.teardownStreamsLocked()
		d.stopTimesyncLocked()
		subs := make([]*subscription, 0, len(d.subs))
		for sub := range d.subs {
			subs = append(subs, sub)
		}
		d.subs = make(map[*subscription]struct{})
		d.mu.Unlock()

		d.ctrl.Close()
		if cancel != nil {
			cancel()
		}
		d.wg.Wait()
		for _, sub := range subs {
			sub.release()
		}
	})
	return nil
}

type subscription struct {
	d  *Device
	ch chan Event

	mu       sync.Mutex
	released bool
}

func (s *subscription) C() <-chan Event { return s.ch }

// send never blocks; a full buffer sheds its oldest event.
func (s *subscription) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	close(s.ch)
}

func (s *subscription) Close() {
	s.d.mu.Lock()
	delete(s.d.subs, s)
	s.d.mu.Unlock()
	s.release()
}
