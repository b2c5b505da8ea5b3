package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/matst80/ira/internal/bridge"
	"github.com/matst80/ira/internal/proxy"
	"github.com/matst80/ira/internal/ratelimit"
	"github.com/matst80/ira/internal/rpc"
	"github.com/matst80/ira/internal/session"
	"github.com/matst80/ira/internal/workpool"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Sources are applied in order:
// defaults, YAML file (--config), IRA_* environment, command line.
type Config struct {
	Upstream            string        `yaml:"upstream" envconfig:"IRA_UPSTREAM"`
	Host                string        `yaml:"host" envconfig:"IRA_HOST"`
	Port                int           `yaml:"port" envconfig:"IRA_PORT"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" envconfig:"IRA_SHUTDOWN_TIMEOUT"`
	Shell               bool          `yaml:"shell" envconfig:"IRA_SHELL"`
	LogLevel            string        `yaml:"log_level" envconfig:"IRA_LOG_LEVEL"`
	LogFormat           string        `yaml:"log_format" envconfig:"IRA_LOG_FORMAT"`
	Prefix              string        `yaml:"prefix" envconfig:"IRA_PREFIX"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout" envconfig:"IRA_RPC_TIMEOUT"`
	OverlapPolicy       string        `yaml:"overlap_policy" envconfig:"IRA_OVERLAP_POLICY"`
	PingInterval        time.Duration `yaml:"ping_interval" envconfig:"IRA_PING_INTERVAL"`
	UpstreamDialTimeout time.Duration `yaml:"upstream_dial_timeout" envconfig:"IRA_UPSTREAM_DIAL_TIMEOUT"`
	MetricsAddr         string        `yaml:"metrics" envconfig:"IRA_METRICS"`
	StaticDir           string        `yaml:"static_dir" envconfig:"IRA_STATIC_DIR"`
	Workers             int           `yaml:"workers" envconfig:"IRA_WORKERS"`
	RedisAddr           string        `yaml:"redis_addr" envconfig:"IRA_REDIS_ADDR"`
	RedisPassword       string        `yaml:"redis_password" envconfig:"IRA_REDIS_PASSWORD"`
	RedisDB             int           `yaml:"redis_db" envconfig:"IRA_REDIS_DB"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps" envconfig:"IRA_RATE_LIMIT_RPS"`
	RateLimitConn       float64       `yaml:"rate_limit_conn" envconfig:"IRA_RATE_LIMIT_CONN"`
	RateLimitBurst      int           `yaml:"rate_limit_burst" envconfig:"IRA_RATE_LIMIT_BURST"`
}

func defaultConfig() Config {
	return Config{
		Upstream:            bridge.DefaultUpstream,
		Host:                "localhost",
		Port:                9000,
		LogLevel:            "warn",
		LogFormat:           "json",
		Prefix:              bridge.DefaultPrefix,
		RPCTimeout:          rpc.DefaultTimeout,
		OverlapPolicy:       rpc.Overwrite.String(),
		PingInterval:        15 * time.Second,
		UpstreamDialTimeout: 5 * time.Second,
		Workers:             workpool.DefaultSize,
		RateLimitBurst:      20,
	}
}

// loadConfig layers every configuration source over the defaults. It returns
// pflag.ErrHelp after printing usage for -h.
func loadConfig(args []string, stderr io.Writer) (Config, error) {
	cfg := defaultConfig()

	path, err := configPath(args)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	// Tags carry full IRA_* names; an empty prefix stops envconfig from
	// falling back to bare names such as SHELL or PORT.
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	fs := pflag.NewFlagSet("ira", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ira [flags] [upstream-url]\n\n")
		fs.PrintDefaults()
	}
	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "bind port")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for closing sockets on shutdown (0 waits indefinitely)")
	fs.BoolVar(&cfg.Shell, "shell", cfg.Shell, "start an interactive command shell on stdin")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log encoding: json or console")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "path prefix owned by the bridge")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "time a browser has to answer a command")
	fs.StringVar(&cfg.OverlapPolicy, "overlap-policy", cfg.OverlapPolicy, "second command for a busy browser: overwrite or reject")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "control channel keepalive interval (0 disables)")
	fs.DurationVar(&cfg.UpstreamDialTimeout, "upstream-dial-timeout", cfg.UpstreamDialTimeout, "connect timeout towards the upstream application")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "serve static assets from this directory instead of the built-in set")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size for filesystem lookups")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "announce attached browsers in Redis at this address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "per-client HTTP requests per second (0 disables)")
	fs.Float64Var(&cfg.RateLimitConn, "rate-limit-conn", cfg.RateLimitConn, "per-client websocket upgrades per second (0 disables)")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "burst allowance for rate limits")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.Upstream = fs.Arg(0)
	default:
		return cfg, fmt.Errorf("expected at most one upstream url, got %d arguments", fs.NArg())
	}
	return cfg, cfg.Validate()
}

// configPath finds --config ahead of the full parse so the file can sit
// below environment and flags.
func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("ira-config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	path := fs.String("config", os.Getenv("IRA_CONFIG"), "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

func readYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration once at startup.
func (c Config) Validate() error {
	var errs []error
	if _, err := proxy.ParseTarget(c.Upstream); err != nil {
		errs = append(errs, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown-timeout must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if p := strings.Trim(c.Prefix, "/"); p == "" || strings.ContainsAny(p, "/:*?#") {
		errs = append(errs, fmt.Errorf("prefix %q must be a single path segment", c.Prefix))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc-timeout must be positive"))
	}
	if _, err := rpc.ParsePolicy(c.OverlapPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.PingInterval < 0 || c.UpstreamDialTimeout < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitConn < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the public listen address.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

func (c Config) bridgeOptions(mirror session.Mirror) bridge.Options {
	policy, _ := rpc.ParsePolicy(c.OverlapPolicy)
	return bridge.Options{
		Upstream:     c.Upstream,
		Prefix:       c.Prefix,
		RPCTimeout:   c.RPCTimeout,
		Overlap:      policy,
		PingInterval: c.PingInterval,
		DialTimeout:  c.UpstreamDialTimeout,
		StaticDir:    c.StaticDir,
		Workers:      c.Workers,
		RateLimit: ratelimit.Config{
			PerClientReqRate:  c.RateLimitRPS,
			PerClientConnRate: c.RateLimitConn,
			Burst:             c.RateLimitBurst,
		},
		Mirror: mirror,
	}
}
