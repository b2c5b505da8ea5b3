package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matst80/ira/internal/bridge"
	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/session"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	mirrorHeartbeat = 30 * time.Second
	rateLimitSweep  = time.Minute
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ira: %v\n", err)
		os.Exit(2)
	}
	if err := obs.Setup(obs.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "ira: logger: %v\n", err)
		os.Exit(2)
	}
	defer obs.Sync()

	if err := run(cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err})
		obs.Sync()
		os.Exit(1)
	}
}

func run(cfg Config) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	gin.SetMode(gin.ReleaseMode)

	var mirror session.Mirror
	var redisMirror *session.RedisMirror
	if cfg.RedisAddr != "" {
		m, err := session.NewRedisMirror(ctx, session.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		obs.Info("session.mirror", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
		mirror, redisMirror = m, m
	}

	srv, err := bridge.New(cfg.bridgeOptions(mirror))
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(httpSrv, ln) })

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
		metricsSrv = &http.Server{Handler: srv.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serve(metricsSrv, mln) })
	}
	if redisMirror != nil {
		g.Go(func() error {
			redisMirror.Run(gctx, mirrorHeartbeat)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(rateLimitSweep)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := srv.SweepIdleClients(rateLimitSweep); n > 0 {
					obs.Debug("ratelimit.sweep", obs.Fields{"removed": n})
				}
			}
		}
	})
	if cfg.Shell {
		sh := newShell(srv, os.Stdin, os.Stdout)
		g.Go(func() error {
			sh.Run(gctx)
			// leaving the shell stops the server
			cancel()
			return nil
		})
	}

	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "upstream": srv.Upstream(), "prefix": srv.Prefix(), "metrics": cfg.MetricsAddr})
	fmt.Fprintf(os.Stderr, "ira: browse to http://%s/%s/ (upstream %s)\n", ln.Addr(), srv.Prefix(), srv.Upstream())

	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		return shutdown(cfg.ShutdownTimeout, srv, httpSrv, metricsSrv)
	})
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

func serve(s *http.Server, ln net.Listener) error {
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown closes browser channels and tunnels first so their handlers
// return, then drains the HTTP servers.
func shutdown(grace time.Duration, srv *bridge.Server, servers ...*http.Server) error {
	ctx := context.Background()
	if grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range servers {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
