// Package client drives a bridge over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matst80/ira/internal/proto"
	"github.com/matst80/ira/internal/rpc"
)

var (
	// ErrNoBrowser is returned when the bridge has no attached browser.
	ErrNoBrowser = errors.New("no browser attached")
	// ErrCommandFailed wraps a reply with a non-zero exit code.
	ErrCommandFailed = errors.New("command failed")
)

// Reply is the browser's answer to one command.
type Reply struct {
	ExitCode int             `json:"exit_code"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Raw      string          `json:"-"`
}

// Client wraps resty with the bridge's token and RPC endpoints.
type Client struct {
	resty  *resty.Client
	prefix string

	// Animations is the default for Click and Enter when no explicit value is given.
	Animations bool

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = strings.Trim(prefix, "/") }
}

// WithTimeout bounds each HTTP call; keep it above the bridge's RPC timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.resty.SetTimeout(d) }
}

func New(host string, opts ...Option) *Client {
	r := resty.New().
		SetBaseURL(strings.TrimSuffix(host, "/")).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "ira-client/1.0")
	c := &Client{resty: r, prefix: "ira"}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token asks the bridge for the attached browser's token and remembers it.
func (c *Client) Token(ctx context.Context) (string, error) {
	var tr proto.TokenResponse
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&tr).
		Get("/" + c.prefix + "/token.json")
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode())
	}
	if tr.ExitCode != 0 || tr.Token == "" {
		c.setToken("")
		return "", ErrNoBrowser
	}
	c.setToken(tr.Token)
	return tr.Token, nil
}

func (c *Client) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	t := c.token
	c.mu.Unlock()
	if t != "" {
		return t, nil
	}
	return c.Token(ctx)
}

// RPC sends one command and decodes the browser's reply. The call is made
// once; a timeout or a detached browser is reported, never retried.
func (c *Client) RPC(ctx context.Context, cmd proto.Command) (Reply, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return Reply{}, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, err
	}
	resp, err := c.resty.R().
		SetContext(ctx).
		SetFormData(map[string]string{proto.FormField: string(data)}).
		Post("/" + c.prefix + "/" + url.PathEscape(token) + "/rpc.json")
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	reply := Reply{Raw: resp.String()}
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return reply, fmt.Errorf("%s: decode reply (status %d): %w", cmd.Name, resp.StatusCode(), err)
	}
	if reply.ExitCode != 0 {
		if reply.Error == rpc.ErrSessionNotFound.Error() || resp.StatusCode() == http.StatusBadGateway {
			// the token went stale; the next call fetches a new one
			c.setToken("")
		}
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", reply.ExitCode)
		}
		return reply, fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd.Name, msg)
	}
	return reply, nil
}

func (c *Client) Load(ctx context.Context, u string) (Reply, error) {
	return c.RPC(ctx, proto.MustCommand("load", u))
}

func (c *Client) Reload(ctx context.Context) (Reply, error) {
	return c.RPC(ctx, proto.MustCommand("reload"))
}

// Enter sets the value of the index'th element matching selector. A nil
// animate falls back to Animations.
func (c *Client) Enter(ctx context.Context, selector string, index int, value string, animate *bool) (Reply, error) {
	return c.RPC(ctx, proto.MustCommand("enter", selector, index, value, c.animate(animate)))
}

func (c *Client) Click(ctx context.Context, selector string, index int, animate *bool) (Reply, error) {
	return c.RPC(ctx, proto.MustCommand("click", selector, index, c.animate(animate)))
}

// GetHTML returns the inner HTML of the index'th element matching selector.
func (c *Client) GetHTML(ctx context.Context, selector string, index int) (string, error) {
	reply, err := c.RPC(ctx, proto.MustCommand("get_html", selector, index))
	if err != nil {
		return "", err
	}
	var html string
	if err := json.Unmarshal(reply.Result, &html); err != nil {
		return "", fmt.Errorf("get_html: result is not a string: %w", err)
	}
	return html, nil
}

func (c *Client) animate(v *bool) bool {
	if v != nil {
		return *v
	}
	return c.Animations
}
