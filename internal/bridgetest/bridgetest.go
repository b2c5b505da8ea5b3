// Package bridgetest starts in-process bridges and scripted browser tabs for
// tests.
package bridgetest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/matst80/ira/internal/bridge"
	"github.com/matst80/ira/internal/proto"
)

// Bridge is a running bridge bound to a loopback port.
type Bridge struct {
	*bridge.Server
	HTTP *httptest.Server
	URL  string
}

// NewServer starts a bridge in front of upstream and stops it at test cleanup.
// opts may be nil.
func NewServer(t testing.TB, upstream string, opts *bridge.Options) *Bridge {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := bridge.Options{}
	if opts != nil {
		o = *opts
	}
	o.Upstream = upstream
	srv, err := bridge.New(o)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &Bridge{Server: srv, HTTP: hs, URL: hs.URL}
}

// ControlURL is the websocket address a browser tab attaches to.
func (b *Bridge) ControlURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/" + b.Prefix() + "/"
}

// Handler answers one command; the returned text is sent back verbatim. A
// false second result sends nothing.
type Handler func(cmd proto.Command) (string, bool)

// Browser is a fake tab driving the control channel from Go.
type Browser struct {
	conn *websocket.Conn
	done chan struct{}

	mu       sync.Mutex
	received []proto.Command
}

// Attach connects a fake browser to b that answers with handle.
func Attach(t testing.TB, b *Bridge, handle Handler) *Browser {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.ControlURL(), nil)
	if err != nil {
		t.Fatalf("attach browser: %v", err)
	}
	br := &Browser{conn: conn, done: make(chan struct{})}
	go br.loop(handle)
	t.Cleanup(func() { _ = br.Close() })
	return br
}

func (br *Browser) loop(handle Handler) {
	defer close(br.done)
	for {
		_, data, err := br.conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := proto.ParseCommand(string(data))
		if err != nil {
			continue
		}
		br.mu.Lock()
		br.received = append(br.received, cmd)
		br.mu.Unlock()
		if handle == nil {
			continue
		}
		if reply, ok := handle(cmd); ok {
			if err := br.conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}
}

// Received returns the commands seen so far.
func (br *Browser) Received() []proto.Command {
	br.mu.Lock()
	defer br.mu.Unlock()
	return append([]proto.Command(nil), br.received...)
}

// Done is closed when the browser's connection ends.
func (br *Browser) Done() <-chan struct{} { return br.done }

// Close drops the connection without a close handshake.
func (br *Browser) Close() error { return br.conn.Close() }

// WaitBrowser blocks until some browser is attached and returns its token.
func WaitBrowser(t testing.TB, b *Bridge) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.WaitAttached(ctx); err != nil {
		t.Fatalf("no browser attached: %v", err)
	}
	tok, ok := b.Token()
	if !ok {
		t.Fatal("browser detached again")
	}
	return tok
}

// Echo replies {"exit_code":0} to every command.
func Echo(proto.Command) (string, bool) { return `{"exit_code":0}`, true }
