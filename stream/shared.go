package stream

import (
	"context"
	"sync"

	realtime "github.com/pupil-labs/pl-realtime-api"
	"github.com/pupil-labs/pl-realtime-api/transport"
)

// SharedOpener multiplexes one underlying transport connection per URL
// across several sessions. The scene endpoint carries video and audio
// in a single session; opening it once and fanning units out lets a
// video session and an audio session coexist without a second
// connection, and an audio-only consumer still gets its track without
// paying for video decode.
type SharedOpener struct {
	client transport.Client
	buffer int

	mu    sync.Mutex
	conns map[string]*sharedConn
}

// NewSharedOpener wraps client. buffer is the per-view unit channel
// depth; zero picks a default.
func NewSharedOpener(client transport.Client, buffer int) *SharedOpener {
	if buffer <= 0 {
		buffer = realtime.DefaultOptions().Stream.TransportBuffer
	}
	return &SharedOpener{
		client: client,
		buffer: buffer,
		conns:  make(map[string]*sharedConn),
	}
}

// View returns a transport.Client whose connections deliver only the
// given track, sharing the underlying connection with every other view
// of the same URL.
func (o *SharedOpener) View(track transport.TrackKind) transport.Client {
	return &viewOpener{opener: o, track: track}
}

func (o *SharedOpener) acquire(ctx context.Context, rawURL string) (*sharedConn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sc, ok := o.conns[rawURL]; ok {
		sc.refs++
		return sc, nil
	}
	conn, err := o.client.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	sc := &sharedConn{
		opener: o,
		url:    rawURL,
		conn:   conn,
		refs:   1,
	}
	o.conns[rawURL] = sc
	go sc.fanOut()
	return sc, nil
}

// release drops one reference; the last reference closes the
// underlying connection.
func (o *SharedOpener) release(sc *sharedConn) {
	o.mu.Lock()
	sc.refs--
	last := sc.refs == 0
	if last && o.conns[sc.url] == sc {
		delete(o.conns, sc.url)
	}
	o.mu.Unlock()
	if last {
		sc.conn.Close()
	}
}

// evict removes a shared connection whose underlying transport died so
// the next acquire dials fresh.
func (o *SharedOpener) evict(sc *sharedConn) {
	o.mu.Lock()
	if o.conns[sc.url] == sc {
		delete(o.conns, sc.url)
	}
	o.mu.Unlock()
}

type sharedConn struct {
	opener *SharedOpener
	url    string
	conn   transport.Conn
	refs   int

	viewMu sync.Mutex
	views  []*viewConn
}

func (sc *sharedConn) attach(v *viewConn) {
	sc.viewMu.Lock()
	sc.views = append(sc.views, v)
	sc.viewMu.Unlock()
}

func (sc *sharedConn) detach(v *viewConn) {
	sc.viewMu.Lock()
	for i, cur := range sc.views {
		if cur == v {
			sc.views = append(sc.views[:i], sc.views[i+1:]...)
			break
		}
	}
	sc.viewMu.Unlock()
}

// fanOut pumps the underlying connection into every attached view. A
// slow view sheds its own oldest unit; it never stalls the others.
func (sc *sharedConn) fanOut() {
	for u := range sc.conn.Units() {
		sc.viewMu.Lock()
		for _, v := range sc.views {
			if u.Track != v.track {
				continue
			}
			select {
			case v.units <- u:
			default:
				select {
				case <-v.units:
				default:
				}
				select {
				case v.units <- u:
				default:
				}
			}
		}
		sc.viewMu.Unlock()
	}
	// Underlying transport ended. Close every view so sessions see the
	// loss and reconnect through a fresh shared connection.
	sc.opener.evict(sc)
	sc.viewMu.Lock()
	views := sc.views
	sc.views = nil
	sc.viewMu.Unlock()
	for _, v := range views {
		v.closeUnits()
	}
}

type viewOpener struct {
	opener *SharedOpener
	track  transport.TrackKind
}

func (vo *viewOpener) Open(ctx context.Context, rawURL string) (transport.Conn, error) {
	sc, err := vo.opener.acquire(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	v := &viewConn{
		shared: sc,
		track:  vo.track,
		units:  make(chan transport.Unit, vo.opener.buffer),
	}
	sc.attach(v)
	return v, nil
}

type viewConn struct {
	shared *sharedConn
	track  transport.TrackKind
	units  chan transport.Unit

	unitsOnce sync.Once
	closeOnce sync.Once
}

func (v *viewConn) Units() <-chan transport.Unit { return v.units }

func (v *viewConn) Tracks() []transport.TrackKind {
	return []transport.TrackKind{v.track}
}

func (v *viewConn) Close() error {
	v.closeOnce.Do(func() {
		v.shared.detach(v)
		v.closeUnits()
		v.shared.opener.release(v.shared)
	})
	return nil
}

func (v *viewConn) closeUnits() {
	v.unitsOnce.Do(func() { close(v.units) })
}
