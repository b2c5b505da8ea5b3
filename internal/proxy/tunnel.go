package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/ira/internal/httpx"
	"github.com/matst80/ira/internal/obs"
)

// closeUpstreamUnavailable is sent downstream when the upstream leg cannot be opened.
const closeUpstreamUnavailable = websocket.CloseTryAgainLater

// Tunneler relays websocket upgrades that are not for the bridge to the
// upstream application.
type Tunneler struct {
	target   Target
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[*tunnelSession]struct{}
	wg       sync.WaitGroup
}

func NewTunneler(target Target, dialTimeout time.Duration) *Tunneler {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tunneler{
		target: target,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*tunnelSession]struct{}),
	}
}

// Open accepts the downstream upgrade at once, then connects upstream and
// relays text frames both ways until either side goes away.
func (t *Tunneler) Open(w http.ResponseWriter, r *http.Request) {
	if !t.begin() {
		http.Error(w, "bridge shutting down", http.StatusServiceUnavailable)
		return
	}
	defer t.wg.Done()

	down, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("tunnel.upgrade", obs.Fields{"err": err, "path": r.URL.Path})
		obs.ErrorsTotal.WithLabelValues("tunnel_upgrade").Inc()
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	s := newTunnelSession(down, t.target.WebSocket(r.URL).String(), cancel)
	if !t.track(s) {
		s.shutdown(websocket.CloseGoingAway, "bridge shutting down")
		return
	}
	defer t.untrack(s)

	go s.pump(s.down, s.upstream, "downstream")

	up, _, err := t.dialer.DialContext(ctx, s.url, httpx.DialHeaders(r))
	if err != nil && s.ended() {
		// downstream left or Shutdown ran while dialing
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		obs.Error("tunnel.upstream.dial", obs.Fields{"url": s.url, "err": err})
		obs.ErrorsTotal.WithLabelValues("tunnel_upstream").Inc()
		s.shutdown(closeUpstreamUnavailable, ErrUpstreamUnavailable.Error())
		return
	}
	if !s.connect(up) {
		_ = up.Close()
		return
	}
	obs.TunnelEstablishedTotal.Inc()
	obs.ActiveTunnels.Inc()
	obs.Debug("tunnel.open", obs.Fields{"url": s.url})
	started := time.Now()

	s.pump(up, s.downstream, "upstream")
	<-s.done

	obs.ActiveTunnels.Dec()
	obs.TunnelDurationSeconds.Observe(time.Since(started).Seconds())
	obs.Debug("tunnel.closed", obs.Fields{"url": s.url, "outcome": s.outcome().String()})
}

func (t *Tunneler) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *Tunneler) track(s *tunnelSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.sessions[s] = struct{}{}
	return true
}

func (t *Tunneler) untrack(s *tunnelSession) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

// Len reports open tunnel sessions, including those still dialing upstream.
func (t *Tunneler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Shutdown aborts pending dials, closes every session and waits for the
// relays to finish or ctx to expire.
func (t *Tunneler) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	open := make([]*tunnelSession, 0, len(t.sessions))
	for s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	t.cancel()
	for _, s := range open {
		s.shutdown(websocket.CloseGoingAway, "bridge shutting down")
	}
	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tunnelSession is one downstream/upstream pair. Frames read downstream are
// held until ready is closed so nothing is written to a missing upstream.
type tunnelSession struct {
	url   string
	down  *websocket.Conn
	ready chan struct{}
	done  chan struct{}

	stopDial context.CancelFunc

	mu     sync.Mutex
	up     *websocket.Conn
	result httpx.Outcome
	once   sync.Once
}

func newTunnelSession(down *websocket.Conn, url string, stopDial context.CancelFunc) *tunnelSession {
	return &tunnelSession{
		url:      url,
		down:     down,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		stopDial: stopDial,
	}
}

func (s *tunnelSession) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// connect installs the upstream leg and opens the gate. It fails when the
// session was torn down while dialing.
func (s *tunnelSession) connect(up *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended() {
		return false
	}
	s.up = up
	close(s.ready)
	return true
}

func (s *tunnelSession) upstream() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *tunnelSession) downstream() *websocket.Conn { return s.down }

func (s *tunnelSession) outcome() httpx.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// pump copies text frames from src to the connection returned by dst until
// src fails, then ends the whole session. Binary frames are dropped.
func (s *tunnelSession) pump(src *websocket.Conn, dst func() *websocket.Conn, leg string) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			s.finish(leg, err)
			return
		}
		if mt != websocket.TextMessage {
			obs.Debug("tunnel.skip_frame", obs.Fields{"leg": leg, "type": mt})
			continue
		}
		select {
		case <-s.ready:
		case <-s.done:
			return
		}
		if err := dst().WriteMessage(websocket.TextMessage, data); err != nil {
			s.finish(leg+"_write", err)
			return
		}
	}
}

// finish records why the relay stopped and closes both legs. A close frame
// read from one side is passed on to the other.
func (s *tunnelSession) finish(leg string, err error) {
	o := httpx.Classify(err)
	if o == httpx.OutcomeFailed {
		obs.Error("tunnel.relay", obs.Fields{"leg": leg, "url": s.url, "err": err})
		obs.ErrorsTotal.WithLabelValues("tunnel_relay").Inc()
	}
	code, text := closeFor(o)
	var ce *websocket.CloseError
	if errors.As(err, &ce) && forwardable(ce.Code) {
		code, text = ce.Code, ce.Text
	}
	s.mu.Lock()
	if s.result < o {
		s.result = o
	}
	s.mu.Unlock()
	s.shutdown(code, text)
}

// closeFor picks the close frame sent when the failing leg gave none, so the
// other side can tell an abrupt loss from an orderly close.
func closeFor(o httpx.Outcome) (int, string) {
	switch o {
	case httpx.OutcomePeerReset:
		return websocket.CloseGoingAway, httpx.ErrPeerReset.Error()
	case httpx.OutcomeFailed:
		return websocket.CloseInternalServerErr, "relay failed"
	}
	return websocket.CloseNormalClosure, ""
}

func forwardable(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}

// shutdown sends a best-effort close frame on each open leg and closes both.
func (s *tunnelSession) shutdown(code int, text string) {
	s.once.Do(func() {
		s.mu.Lock()
		up := s.up
		close(s.done)
		s.mu.Unlock()
		s.stopDial()

		msg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(time.Second)
		_ = s.down.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.down.Close()
		if up != nil {
			_ = up.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = up.Close()
		}
	})
}
