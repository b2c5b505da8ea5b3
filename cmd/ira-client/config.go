package main

import (
	"io"
	"time"

	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	Host         string
	Prefix       string
	Timeout      time.Duration
	Animate      bool
	PollInterval time.Duration
	Debug        bool
}

func parseFlags(args []string, stderr io.Writer) (Config, []string, error) {
	var cfg Config
	fs := pflag.NewFlagSet("ira-client", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() {
		io.WriteString(stderr, "usage: ira-client [flags] <command> [args]\n\n"+commandHelp+"\nflags:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.Host, "host", "http://localhost:9000", "bridge base URL")
	fs.StringVar(&cfg.Prefix, "prefix", "ira", "bridge path prefix")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "HTTP timeout per call; keep above the bridge's rpc timeout")
	fs.BoolVar(&cfg.Animate, "animate", false, "animate the cursor for click and enter")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", time.Second, "token poll interval for wait")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), nil
}
