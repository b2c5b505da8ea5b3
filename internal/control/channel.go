// Package control owns the persistent websocket between the bridge and the
// browser tab that executes commands.
package control

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/ira/internal/httpx"
	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/session"
)

// State is the lifecycle position of a Channel.
type State int32

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

var errNotActive = errors.New("control channel not active")

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 16 << 20
)

// Resolver receives inbound results and teardown notifications.
type Resolver interface {
	Resolve(token, payload string) bool
	CancelAll(token string)
}

// Registry is the subset of session.Registry a channel needs.
type Registry interface {
	Issue() string
	Register(token string, conn session.Conn) error
	Unregister(token string)
}

// Channel is one attached browser tab.
type Channel struct {
	token  string
	conn   *websocket.Conn
	remote string
	state  atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	outcome   httpx.Outcome
}

var _ session.Conn = (*Channel)(nil)

func (c *Channel) Token() string      { return c.token }
func (c *Channel) RemoteAddr() string { return c.remote }
func (c *Channel) State() State       { return State(c.state.Load()) }

// Done is closed once teardown has finished.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send writes one text frame. Writes are serialized; a failed write closes the
// transport so the receive loop tears the session down.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if c.State() != Active {
		return errNotActive
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		obs.Error("control.write", obs.Fields{"token": c.token, "err": err, "outcome": httpx.Classify(err).String()})
		obs.ErrorsTotal.WithLabelValues("control_write").Inc()
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close starts an orderly close; the receive loop finishes teardown.
func (c *Channel) Close() error {
	if c.state.CompareAndSwap(int32(Connecting), int32(Closing)) {
		return c.conn.Close()
	}
	if !c.state.CompareAndSwap(int32(Active), int32(Closing)) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Channel) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Options tunes an Acceptor.
type Options struct {
	// PingInterval enables keepalive pings; a peer that misses two is dropped.
	PingInterval time.Duration
}

// Acceptor upgrades browser requests into Channels.
type Acceptor struct {
	registry Registry
	resolver Resolver
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	channels map[*Channel]struct{}
	wg       sync.WaitGroup
}

func NewAcceptor(registry Registry, resolver Resolver, opts Options) *Acceptor {
	return &Acceptor{
		registry: registry,
		resolver: resolver,
		opts:     opts,
		channels: make(map[*Channel]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the channel until it closes.
func (a *Acceptor) Serve(w http.ResponseWriter, r *http.Request) {
	if !a.begin() {
		http.Error(w, "bridge shutting down", http.StatusServiceUnavailable)
		return
	}
	defer a.wg.Done()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("control.upgrade", obs.Fields{"err": err, "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("control_upgrade").Inc()
		return
	}
	ch := &Channel{token: a.registry.Issue(), conn: conn, remote: r.RemoteAddr, done: make(chan struct{})}
	if !a.track(ch) {
		_ = conn.Close()
		return
	}
	defer a.untrack(ch)

	if err := ch.activate(a.registry); err != nil {
		obs.Error("control.register", obs.Fields{"err": err, "token": ch.token})
		_ = conn.Close()
		ch.state.Store(int32(Closed))
		close(ch.done)
		return
	}
	obs.Info("control.attached", obs.Fields{"token": ch.token, "remote": ch.remote})
	ch.run(a.resolver, a.opts)
	ch.teardown(a.registry, a.resolver)
}

func (a *Acceptor) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) track(ch *Channel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.channels[ch] = struct{}{}
	return true
}

func (a *Acceptor) untrack(ch *Channel) {
	a.mu.Lock()
	delete(a.channels, ch)
	a.mu.Unlock()
}

// Shutdown refuses new channels, closes the open ones and waits for their
// teardown or ctx, whichever comes first. Close errors are ignored.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	open := make([]*Channel, 0, len(a.channels))
	for ch := range a.channels {
		open = append(open, ch)
	}
	a.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errClosedEarly = errors.New("channel closed before activation")

func (c *Channel) activate(reg Registry) error {
	c.conn.SetReadLimit(maxMessageSize)
	// Active must be visible before the token is, or an immediate dispatch would fail.
	if !c.state.CompareAndSwap(int32(Connecting), int32(Active)) {
		return errClosedEarly
	}
	if err := reg.Register(c.token, c); err != nil {
		return err
	}
	return nil
}

func (c *Channel) run(res Resolver, opts Options) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop(opts.PingInterval, stopPing)
	}

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.outcome = httpx.Classify(err)
			if c.outcome == httpx.OutcomeFailed {
				obs.Error("control.read", obs.Fields{"token": c.token, "err": err})
				obs.ErrorsTotal.WithLabelValues("control_read").Inc()
			}
			return
		}
		if mt != websocket.TextMessage {
			obs.Debug("control.skip_frame", obs.Fields{"token": c.token, "type": mt})
			continue
		}
		res.Resolve(c.token, string(data))
	}
}

func (c *Channel) pingLoop(every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				obs.Debug("control.ping", obs.Fields{"token": c.token, "err": err})
				return
			}
		}
	}
}

func (c *Channel) teardown(reg Registry, res Resolver) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		reg.Unregister(c.token)
		res.CancelAll(c.token)
		_ = c.conn.Close()
		c.state.Store(int32(Closed))
		close(c.done)
		obs.Info("control.detached", obs.Fields{"token": c.token, "outcome": c.outcome.String()})
	})
}
