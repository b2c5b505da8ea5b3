package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/ira/internal/client"
	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/proto"
	"github.com/spf13/pflag"
)

const commandHelp = `commands:
  token                             print the attached browser's token
  wait                              poll until a browser attaches, then print its token
  load <url>
  reload
  click <selector> [index]
  enter <selector> <index> <value...>
  html <selector> [index]
  raw <json array>
`

var errUsage = errors.New("usage")

func main() {
	cfg, args, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	_ = obs.Setup(obs.LogConfig{Level: "warn", Format: "console"})
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg.Host, client.WithPrefix(cfg.Prefix), client.WithTimeout(cfg.Timeout))
	c.Animations = cfg.Animate
	if err := run(ctx, c, cfg, args, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, commandHelp)
			os.Exit(2)
		}
		obs.Error("client.command", obs.Fields{"err": err, "args": strings.Join(args, " ")})
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, cfg Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	name, rest := args[0], args[1:]
	var (
		reply client.Reply
		err   error
	)
	switch name {
	case "token":
		tok, err := c.Token(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok)
		return nil
	case "wait":
		tok, err := waitForBrowser(ctx, c, cfg.PollInterval)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tok)
		return nil
	case "load":
		if len(rest) != 1 {
			return errUsage
		}
		reply, err = c.Load(ctx, rest[0])
	case "reload":
		reply, err = c.Reload(ctx)
	case "click":
		idx, ok := index(rest, 1)
		if len(rest) < 1 || !ok {
			return errUsage
		}
		reply, err = c.Click(ctx, rest[0], idx, nil)
	case "enter":
		if len(rest) < 3 {
			return errUsage
		}
		idx, ok := index(rest, 1)
		if !ok {
			return errUsage
		}
		reply, err = c.Enter(ctx, rest[0], idx, strings.Join(rest[2:], " "), nil)
	case "html":
		idx, ok := index(rest, 1)
		if len(rest) < 1 || !ok {
			return errUsage
		}
		html, err := c.GetHTML(ctx, rest[0], idx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, html)
		return nil
	case "raw":
		cmd, perr := proto.ParseCommand(strings.Join(rest, " "))
		if perr != nil {
			return perr
		}
		reply, err = c.RPC(ctx, cmd)
	default:
		return errUsage
	}
	if reply.Raw != "" {
		fmt.Fprintln(out, reply.Raw)
	}
	return err
}

// waitForBrowser polls the token endpoint until a browser is attached.
func waitForBrowser(ctx context.Context, c *client.Client, every time.Duration) (string, error) {
	for {
		tok, err := c.Token(ctx)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, client.ErrNoBrowser) {
			obs.Debug("client.wait", obs.Fields{"err": err})
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(every):
		}
	}
}

func index(args []string, i int) (int, bool) {
	if len(args) <= i {
		return 0, true
	}
	n, err := strconv.Atoi(args[i])
	return n, err == nil && n >= 0
}
