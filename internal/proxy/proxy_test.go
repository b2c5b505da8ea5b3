package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/ira/internal/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	_, err := ParseTarget("ftp://example.com")
	assert.Error(t, err)
	_, err = ParseTarget("http://")
	assert.Error(t, err)

	tg, err := ParseTarget("https://example.com/app/?x=1")
	require.NoError(t, err)

	in, _ := url.Parse("/static/a.js?v=2")
	assert.Equal(t, "https://example.com/app/static/a.js?v=2", tg.HTTP(in).String())
	assert.Equal(t, "wss://example.com/app/static/a.js?v=2", tg.WebSocket(in).String())

	plain, err := ParseTarget("http://localhost:8080")
	require.NoError(t, err)
	in, _ = url.Parse("/a%2Fb")
	assert.Equal(t, "http://localhost:8080/a%2Fb", plain.HTTP(in).String())
	in, _ = url.Parse("/socket")
	assert.Equal(t, "ws://localhost:8080/socket", plain.WebSocket(in).String())
}

func TestReverseCopiesStatusBodyAndContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "q=1", r.URL.RawQuery)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	tg, err := ParseTarget(upstream.URL)
	require.NoError(t, err)
	front := httptest.NewServer(NewReverse(tg, time.Second))
	defer front.Close()

	res, err := http.Get(front.URL + "/hello?q=1")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	res, err = http.Get(front.URL + "/missing")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReverseUpstreamDownIsBadGateway(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	tg, err := ParseTarget(addr)
	require.NoError(t, err)
	front := httptest.NewServer(NewReverse(tg, 200*time.Millisecond))
	defer front.Close()

	res, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, string(body), ErrUpstreamUnavailable.Error())
}

func wsURL(u string) string { return "ws" + strings.TrimPrefix(u, "http") }

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(mt, append([]byte(r.URL.Path+":"), data...))
		}
	}))
}

func TestTunnelRelaysTextFrames(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tg, err := ParseTarget(upstream.URL)
	require.NoError(t, err)
	tun := NewTunneler(tg, time.Second)
	front := httptest.NewServer(http.HandlerFunc(tun.Open))
	defer front.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/live", nil)
	require.NoError(t, err)
	defer c.Close()

	// sent before the upstream leg is necessarily up
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("one")))
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0x1}))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("two")))

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"/live:one", "/live:two"} {
		mt, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, want, string(data))
	}

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return tun.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelUpstreamDropClosesDownstream(t *testing.T) {
	up := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := c.ReadMessage()
		if err == nil {
			_ = c.WriteMessage(websocket.TextMessage, data)
		}
		// no close frame
		_ = c.NetConn().Close()
	}))
	defer upstream.Close()

	tg, err := ParseTarget(upstream.URL)
	require.NoError(t, err)
	tun := NewTunneler(tg, time.Second)
	front := httptest.NewServer(http.HandlerFunc(tun.Open))
	defer front.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/drop", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("once")))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "once", string(data))

	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	require.Eventually(t, func() bool { return tun.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseForOutcome(t *testing.T) {
	code, _ := closeFor(httpx.OutcomeClosed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	code, _ = closeFor(httpx.OutcomePeerReset)
	assert.Equal(t, websocket.CloseGoingAway, code)
	code, _ = closeFor(httpx.OutcomeFailed)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
}

func TestTunnelUpstreamDialFailureClosesDownstream(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	tg, err := ParseTarget(addr)
	require.NoError(t, err)
	tun := NewTunneler(tg, 500*time.Millisecond)
	front := httptest.NewServer(http.HandlerFunc(tun.Open))
	defer front.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/live", nil)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, closeUpstreamUnavailable, ce.Code)
	assert.Equal(t, ErrUpstreamUnavailable.Error(), ce.Text)
}

func TestTunnelUpstreamRejectsHandshake(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	tg, err := ParseTarget(upstream.URL)
	require.NoError(t, err)
	tun := NewTunneler(tg, time.Second)
	front := httptest.NewServer(http.HandlerFunc(tun.Open))
	defer front.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/nope", nil)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, closeUpstreamUnavailable), "got %v", err)
}

func TestTunnelShutdownClosesSessions(t *testing.T) {
	upstream := echoUpstream(t)
	defer upstream.Close()

	tg, err := ParseTarget(upstream.URL)
	require.NoError(t, err)
	tun := NewTunneler(tg, time.Second)
	front := httptest.NewServer(http.HandlerFunc(tun.Open))
	defer front.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL)+"/", nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tun.Shutdown(ctx))
	assert.Equal(t, 0, tun.Len())

	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
