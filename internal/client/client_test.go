package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/matst80/ira/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge mimics the bridge's two endpoints.
type fakeBridge struct {
	mu       sync.Mutex
	token    string
	commands []string
	reply    func(cmd proto.Command) (int, string)
}

func (f *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/ira/token.json":
		if token == "" {
			_, _ = w.Write([]byte(`{"exit_code":1,"token":""}`))
			return
		}
		_ = json.NewEncoder(w).Encode(proto.TokenResponse{Token: token})
	case r.Method == http.MethodPost && r.URL.Path == "/ira/"+token+"/rpc.json":
		data := r.PostFormValue(proto.FormField)
		f.mu.Lock()
		f.commands = append(f.commands, data)
		f.mu.Unlock()
		cmd, err := proto.ParseCommand(data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := f.reply(cmd)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	case r.Method == http.MethodPost:
		_, _ = w.Write([]byte(`{"exit_code":1,"error":"session not found"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBridge) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newFake(t *testing.T) (*fakeBridge, *Client) {
	t.Helper()
	f := &fakeBridge{token: "abc", reply: func(proto.Command) (int, string) { return 200, `{"exit_code":0}` }}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, New(srv.URL + "/")
}

func TestTokenWithoutBrowser(t *testing.T) {
	f, c := newFake(t)
	f.token = ""
	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoBrowser)

	_, err = c.Reload(context.Background())
	assert.ErrorIs(t, err, ErrNoBrowser)
}

func TestCommandsAreEncodedAsArrays(t *testing.T) {
	f, c := newFake(t)
	ctx := context.Background()

	_, err := c.Load(ctx, "/")
	require.NoError(t, err)
	_, err = c.Reload(ctx)
	require.NoError(t, err)
	_, err = c.Click(ctx, ".btn", 2, nil)
	require.NoError(t, err)
	c.Animations = true
	_, err = c.Enter(ctx, "input", 0, "hi", nil)
	require.NoError(t, err)
	off := false
	_, err = c.Click(ctx, "a", 1, &off)
	require.NoError(t, err)

	sent := f.sent()
	require.Len(t, sent, 5)
	assert.JSONEq(t, `["load","/"]`, sent[0])
	assert.JSONEq(t, `["reload"]`, sent[1])
	assert.JSONEq(t, `["click",".btn",2,false]`, sent[2])
	assert.JSONEq(t, `["enter","input",0,"hi",true]`, sent[3])
	assert.JSONEq(t, `["click","a",1,false]`, sent[4])
}

func TestGetHTML(t *testing.T) {
	f, c := newFake(t)
	f.reply = func(cmd proto.Command) (int, string) {
		return 200, `{"exit_code":0,"result":"<b>hi</b>"}`
	}
	html, err := c.GetHTML(context.Background(), "h1", 0)
	require.NoError(t, err)
	assert.Equal(t, "<b>hi</b>", html)
}

func TestFailedReplies(t *testing.T) {
	f, c := newFake(t)
	f.reply = func(proto.Command) (int, string) {
		return http.StatusGatewayTimeout, `{"exit_code":1,"error":"request timeout"}`
	}
	reply, err := c.Reload(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, "request timeout", reply.Error)
	assert.Equal(t, `{"exit_code":1,"error":"request timeout"}`, reply.Raw)
}

func TestStaleTokenIsRefetched(t *testing.T) {
	f, c := newFake(t)
	_, err := c.Token(context.Background())
	require.NoError(t, err)

	// browser reattached under a new token
	f.mu.Lock()
	f.token = "def"
	f.mu.Unlock()

	_, err = c.Reload(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)

	_, err = c.Reload(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.sent(), 1)
}
