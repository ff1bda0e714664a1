// Package control maintains the persistent control channel to one
// device: a websocket connection carrying pushed status updates and
// request/response commands, plus the REST fetches that seed it.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

// State is the control channel lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// NotificationKind tags what a subscriber is being told.
type NotificationKind int

const (
	// NotifyStatus carries a replaced status snapshot.
	NotifyStatus NotificationKind = iota
	// NotifyConnected is sent when the channel goes live, with the
	// fresh full snapshot. Consumers must not assume continuity with
	// anything seen before the preceding NotifyDisconnected.
	NotifyConnected
	// NotifyDisconnected precedes any reconnection attempt.
	NotifyDisconnected
)

// Notification is one ordered, at-most-once delivery to a subscriber.
type Notification struct {
	Kind   NotificationKind
	Status *realtime.DeviceStatus // set for NotifyStatus and NotifyConnected
}

// Subscription delivers notifications in arrival order. Slow
// subscribers lose notifications rather than stalling the channel.
type Subscription interface {
	C() <-chan Notification
	Close() error
}

type commandResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CommandError   `json:"error,omitempty"`
}

// CommandError is a device-side command refusal.
type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("device rejected command (%d): %s", e.Code, e.Message)
}

type commandRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type reply struct {
	resp commandResponse
	err  error
}

type outbound struct {
	id      string
	payload []byte
}

// Session is the control channel to one device. One Session per live
// device connection; create with NewSession, start with Connect.
type Session struct {
	opts   realtime.Options
	log    logrus.FieldLogger
	dialer *websocket.Dialer
	httpc  httpDoer

	endpoint realtime.DeviceEndpoint

	stateMu sync.Mutex
	state   State

	connMu sync.RWMutex
	conn   *websocket.Conn

	status atomic.Pointer[realtime.DeviceStatus]

	pendingMu sync.Mutex
	pending   map[string]chan reply

	subsMu sync.RWMutex
	subs   []*subscription

	writeCh   chan outbound
	closed    chan struct{}
	closeOnce sync.Once
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewSession builds an unconnected session.
func NewSession(opts realtime.Options) *Session {
	opts = opts.Normalized()
	return &Session{
		opts:    opts,
		log:     opts.Logger.WithField("component", "control"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		httpc:   newHTTPClient(),
		state:   StateDisconnected,
		pending: make(map[string]chan reply),
		writeCh: make(chan outbound, opts.Command.QueueSize),
		closed:  make(chan struct{}),
	}
}

// Connect establishes the websocket, fetches the initial full status
// snapshot and starts the push listener, writer and reconnect loops.
// Fails with realtime.ErrConnection if the device is unreachable
// within the dial bound.
func (s *Session) Connect(ctx context.Context, endpoint realtime.DeviceEndpoint) error {
	if s.isClosed() {
		return realtime.ErrClosed
	}
	s.endpoint = endpoint
	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	snap, err := s.FetchStatus(ctx)
	if err != nil {
		conn.Close()
		s.setState(StateDisconnected)
		return err
	}
	s.status.Store(snap)
	s.setConn(conn)
	s.setState(StateLive)
	s.notify(Notification{Kind: NotifyConnected, Status: snap})

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.wg.Add(2)
	go s.run(runCtx, conn)
	go s.writer()
	return nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint.StatusWSURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: control dial %s: %v", realtime.ErrConnection, s.endpoint.StatusWSURL(), err)
	}
	return conn, nil
}

// Status returns the latest snapshot without touching the network.
// Nil before the first Connect completes.
func (s *Session) Status() *realtime.DeviceStatus {
	return s.status.Load()
}

// State reports the channel lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(v State) {
	s.stateMu.Lock()
	s.state = v
	s.stateMu.Unlock()
}

// Subscribe registers for ordered, at-most-once notifications.
func (s *Session) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Notification, buffer), owner: s}
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	return sub
}

// notify delivers to all subscribers. Only called from the goroutine
// owning the connection, so subscribers observe arrival order.
func (s *Session) notify(n Notification) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- n:
		default:
			// at-most-once: a stalled subscriber drops, never blocks
		}
	}
}

// Command submits a request/response command. Commands from concurrent
// callers are queued and written in submission order; each either
// succeeds with the device-confirmed result or fails with a typed
// error (ErrRejected, ErrTimeout, ErrNotConnected, ErrClosed).
func (s *Session) Command(ctx context.Context, cmd Command) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, realtime.ErrClosed
	}
	if s.State() != StateLive {
		return nil, realtime.ErrNotConnected
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.opts.Command.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	payload, err := json.Marshal(commandRequest{ID: id, Method: cmd.Method, Params: cmd.Params})
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	select {
	case s.writeCh <- outbound{id: id, payload: payload}:
	case <-s.closed:
		return nil, realtime.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: command %s not submitted", realtime.ErrTimeout, cmd.Method)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: %v", realtime.ErrRejected, cmd.Method, r.resp.Error)
		}
		return r.resp.Result, nil
	case <-s.closed:
		return nil, realtime.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: command %s", realtime.ErrTimeout, cmd.Method)
	}
}

// writer serializes all outgoing frames on the current connection.
func (s *Session) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case out := <-s.writeCh:
			conn := s.currentConn()
			if conn == nil || s.State() != StateLive {
				s.resolve(out.id, reply{err: realtime.ErrNotConnected})
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out.payload); err != nil {
				s.resolve(out.id, reply{err: fmt.Errorf("%w: control write: %v", realtime.ErrConnection, err)})
			}
		}
	}
}

func (s *Session) resolve(id string, r reply) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- r
	}
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- reply{err: err}
	}
	s.pendingMu.Unlock()
}

// run owns the connection lifecycle: it consumes pushes until the
// transport fails, then reconnects with exponential backoff. Each
// reconnect refetches a full snapshot; subscribers see an explicit
// NotifyDisconnected before any retry and NotifyConnected with the
// fresh snapshot afterwards, never an incremental diff across the gap.
func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		err := s.readLoop(conn)
		conn.Close()
		s.setConn(nil)
		if s.isClosed() || ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Info("control channel lost")
		s.setState(StateDisconnected)
		s.failPending(fmt.Errorf("%w: control channel lost", realtime.ErrConnection))
		s.notify(Notification{Kind: NotifyDisconnected})

		next, ok := s.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

func (s *Session) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	var backoff time.Duration
	for {
		backoff = s.opts.Backoff.Next(backoff)
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.closed:
			return nil, false
		case <-time.After(backoff):
		}

		s.setState(StateConnecting)
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := s.dial(dialCtx)
		if err != nil {
			cancel()
			s.setState(StateDisconnected)
			s.log.WithError(err).WithField("backoff", backoff).Debug("control redial failed")
			continue
		}
		snap, err := s.FetchStatus(dialCtx)
		cancel()
		if err != nil {
			conn.Close()
			s.setState(StateDisconnected)
			s.log.WithError(err).Debug("status refetch after redial failed")
			continue
		}
		s.status.Store(snap)
		s.setConn(conn)
		s.setState(StateLive)
		s.notify(Notification{Kind: NotifyConnected, Status: snap})
		return conn, true
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// command response: has a correlation id
		var resp commandResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID != "" &&
			(resp.Result != nil || resp.Error != nil) {
			s.resolve(resp.ID, reply{resp: resp})
			continue
		}

		s.handlePush(data)
	}
}

// handlePush folds one status push into the snapshot and publishes the
// replacement. Pushes are either a single component record or a full
// snapshot ({"model": "Status", "data": [...]}); either way readers
// only ever see a complete, freshly built snapshot.
func (s *Session) handlePush(data []byte) {
	var env struct {
		Model string          `json:"model"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.WithError(err).Warn("dropping malformed push")
		return
	}
	if env.Model == "Status" {
		var raws []json.RawMessage
		if err := json.Unmarshal(env.Data, &raws); err != nil {
			s.log.WithError(err).Warn("dropping malformed full-status push")
			return
		}
		snap, err := realtime.ParseStatus(raws)
		if err != nil {
			s.log.WithError(err).Warn("dropping unparsable full-status push")
			return
		}
		s.status.Store(snap)
		s.notify(Notification{Kind: NotifyStatus, Status: snap})
		return
	}

	component, err := realtime.ParseComponent(data)
	if err != nil {
		// unknown component models are expected from newer firmware
		s.log.WithField("model", env.Model).Debug("dropping unknown component")
		return
	}
	cur := s.status.Load()
	if cur == nil {
		cur = &realtime.DeviceStatus{}
	}
	snap := cur.WithComponent(component)
	s.status.Store(snap)
	s.notify(Notification{Kind: NotifyStatus, Status: snap})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close terminates the channel, cancels in-flight commands and
// releases all subscriptions. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.setState(StateClosed)
		if s.cancelRun != nil {
			s.cancelRun()
		}
		if conn := s.currentConn(); conn != nil {
			conn.Close()
		}
		s.failPending(realtime.ErrClosed)
		s.subsMu.Lock()
		subs := s.subs
		s.subs = nil
		s.subsMu.Unlock()
		for _, sub := range subs {
			sub.release()
		}
	})
	return nil
}

type subscription struct {
	ch        chan Notification
	owner     *Session
	closeOnce sync.Once
}

func (s *subscription) C() <-chan Notification { return s.ch }

func (s *subscription) Close() error {
	s.owner.unsubscribe(s)
	s.release()
	return nil
}

func (s *subscription) release() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *Session) unsubscribe(sub *subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
