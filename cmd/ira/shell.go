package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/matst80/ira/internal/proto"
)

// driver is what the shell needs from the bridge.
type driver interface {
	Token() (string, bool)
	WaitAttached(ctx context.Context) error
	Dispatch(ctx context.Context, token string, cmd proto.Command) (string, error)
}

type shell struct {
	d   driver
	in  io.Reader
	out io.Writer
}

func newShell(d driver, in io.Reader, out io.Writer) *shell {
	return &shell{d: d, in: in, out: out}
}

const shellHelp = `commands:
  token                          print the attached browser's token
  wait                           block until a browser attaches
  load <url>                     navigate the page
  reload                         reload the page
  click <selector> [index]       click an element
  enter <selector> <index> <value...>
                                 set an input value
  html <selector> [index]        print an element's inner HTML
  raw <json array>               send a command verbatim
  quit                           stop the server
`

// Run reads commands until quit, EOF or ctx ends.
func (s *shell) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		fmt.Fprint(s.out, "ira> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return
			}
			if !s.exec(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// exec runs one line and reports whether the shell should continue.
func (s *shell) exec(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	var cmd proto.Command
	var err error
	switch name {
	case "quit", "exit":
		return false
	case "help", "?":
		fmt.Fprint(s.out, shellHelp)
		return true
	case "token":
		if tok, ok := s.d.Token(); ok {
			fmt.Fprintln(s.out, tok)
		} else {
			fmt.Fprintln(s.out, "no browser attached")
		}
		return true
	case "wait":
		fmt.Fprintln(s.out, "waiting for browser...")
		if err := s.d.WaitAttached(ctx); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return true
		}
		fmt.Fprintln(s.out, "browser attached")
		return true
	case "load":
		if len(args) != 1 {
			return s.usage("load <url>")
		}
		cmd, err = proto.NewCommand("load", args[0])
	case "reload":
		cmd, err = proto.NewCommand("reload")
	case "click":
		idx, ok := optIndex(args, 1)
		if len(args) < 1 || !ok {
			return s.usage("click <selector> [index]")
		}
		cmd, err = proto.NewCommand("click", args[0], idx, false)
	case "enter":
		if len(args) < 3 {
			return s.usage("enter <selector> <index> <value...>")
		}
		idx, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return s.usage("enter <selector> <index> <value...>")
		}
		cmd, err = proto.NewCommand("enter", args[0], idx, strings.Join(args[2:], " "), false)
	case "html":
		idx, ok := optIndex(args, 1)
		if len(args) < 1 || !ok {
			return s.usage("html <selector> [index]")
		}
		cmd, err = proto.NewCommand("get_html", args[0], idx)
	case "raw":
		cmd, err = proto.ParseCommand(rest)
	default:
		fmt.Fprintf(s.out, "unknown command %q, try help\n", name)
		return true
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return true
	}
	s.dispatch(ctx, cmd)
	return true
}

func (s *shell) dispatch(ctx context.Context, cmd proto.Command) {
	tok, ok := s.d.Token()
	if !ok {
		fmt.Fprintln(s.out, "no browser attached")
		return
	}
	res, err := s.d.Dispatch(ctx, tok, cmd)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, res)
}

func (s *shell) usage(u string) bool {
	fmt.Fprintf(s.out, "usage: %s\n", u)
	return true
}

// optIndex parses args[i] as an element index, defaulting to 0 when absent.
func optIndex(args []string, i int) (int, bool) {
	if len(args) <= i {
		return 0, true
	}
	n, err := strconv.Atoi(args[i])
	return n, err == nil && n >= 0
}
