// Package bridge assembles the session registry, RPC correlator, control
// channel and upstream proxy into one HTTP handler.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matst80/ira/internal/control"
	"github.com/matst80/ira/internal/proto"
	"github.com/matst80/ira/internal/proxy"
	"github.com/matst80/ira/internal/ratelimit"
	"github.com/matst80/ira/internal/rpc"
	"github.com/matst80/ira/internal/session"
	"github.com/matst80/ira/internal/web"
	"github.com/matst80/ira/internal/workpool"
)

const (
	DefaultPrefix   = "ira"
	DefaultUpstream = "http://localhost:8080"
)

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Upstream     string
	Prefix       string
	RPCTimeout   time.Duration
	Overlap      rpc.Policy
	PingInterval time.Duration
	DialTimeout  time.Duration
	StaticDir    string
	Workers      int
	RateLimit    ratelimit.Config
	// Mirror, when set, is announced every attach and closed on Shutdown if it
	// implements io.Closer.
	Mirror session.Mirror
}

// Server owns all mutable bridge state. Several may run in one process.
type Server struct {
	opts     Options
	target   proxy.Target
	registry *session.Registry
	rpc      *rpc.Correlator
	acceptor *control.Acceptor
	reverse  *proxy.Reverse
	tunnels  *proxy.Tunneler
	assets   *web.Assets
	limiter  *ratelimit.RateLimiter
	engine   *gin.Engine
	started  time.Time
	closing  atomic.Bool
}

func New(opts Options) (*Server, error) {
	if opts.Upstream == "" {
		opts.Upstream = DefaultUpstream
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = rpc.DefaultTimeout
	}
	target, err := proxy.ParseTarget(opts.Upstream)
	if err != nil {
		return nil, err
	}

	s := &Server{opts: opts, target: target, started: time.Now()}
	s.registry = session.NewRegistry(opts.Mirror)
	s.rpc = rpc.NewCorrelator(s.registry, opts.Overlap)
	s.acceptor = control.NewAcceptor(s.registry, s.rpc, control.Options{PingInterval: opts.PingInterval})
	s.reverse = proxy.NewReverse(target, opts.DialTimeout)
	s.tunnels = proxy.NewTunneler(target, opts.DialTimeout)
	var pool *workpool.Pool
	if opts.StaticDir != "" {
		pool = workpool.New(opts.Workers)
	}
	s.assets = web.NewAssets(opts.StaticDir, pool)
	if opts.RateLimit.Enabled() {
		s.limiter = ratelimit.New(opts.RateLimit)
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	// forwarded paths must reach the upstream untouched
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	_ = r.SetTrustedProxies(nil)
	r.Use(gin.Recovery(), accessLog())
	if s.limiter != nil {
		r.Use(rateLimit(s.limiter))
	}

	base := "/" + s.opts.Prefix
	r.GET(base, s.handleFrontend)
	r.GET(base+"/", s.handleFrontend)
	r.GET(base+"/token.json", s.handleToken)
	r.POST(base+"/:token/rpc.json", s.handleRPC)
	r.GET(base+"/static/*path", s.handleStatic)
	r.NoRoute(s.handleUpstream)
	return r
}

// Handler is the public HTTP surface.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Prefix() string              { return s.opts.Prefix }
func (s *Server) Upstream() string            { return s.target.String() }
func (s *Server) Registry() *session.Registry { return s.registry }

// Token returns the oldest attached browser's token.
func (s *Server) Token() (string, bool) {
	sess, err := s.registry.Any()
	if err != nil {
		return "", false
	}
	return sess.Token, true
}

// Dispatch sends cmd to the browser behind token using the configured timeout.
func (s *Server) Dispatch(ctx context.Context, token string, cmd proto.Command) (string, error) {
	return s.rpc.Dispatch(ctx, token, cmd, s.opts.RPCTimeout)
}

// WaitAttached blocks until a browser is attached or ctx ends.
func (s *Server) WaitAttached(ctx context.Context) error { return s.registry.WaitAttached(ctx) }

// SweepIdleClients forgets rate limit state for clients idle longer than maxIdle.
func (s *Server) SweepIdleClients(maxIdle time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.CleanupIdle(maxIdle)
}

// Ready reports whether the server accepts work.
func (s *Server) Ready() bool { return !s.closing.Load() }

// Shutdown closes every control channel and tunnel, failing their pending
// calls, and waits for that teardown or ctx. Close errors from individual
// sockets are not reported.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := s.acceptor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("control channels: %w", err))
	}
	if err := s.tunnels.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tunnels: %w", err))
	}
	if c, ok := s.opts.Mirror.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}
