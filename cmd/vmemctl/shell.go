package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojovmem/core/store"
)

type ShellCmd struct {
	History string `name:"history" type:"path" help:"History file. Defaults to ~/.vmemctl_history."`
}

func (c *ShellCmd) Run(g *Globals) error {
	return g.withStore(func(ctx context.Context, a *app) error {
		history := c.History
		if history == "" {
			if home, err := os.UserHomeDir(); err == nil {
				history = filepath.Join(home, ".vmemctl_history")
			}
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "vmem> ",
			HistoryFile:     history,
			AutoComplete:    shellCompleter,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return err
		}
		defer rl.Close()

		fmt.Fprintf(rl.Stdout(), "gojovmem shell on %s. Type 'help' for commands, 'exit' to leave.\n", a.store.Path())
		sh := &shell{store: a.store, out: rl.Stdout()}
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if sh.exec(ctx, strings.Fields(line)) {
				return nil
			}
		}
	})
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("insert"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("scan"),
	readline.PcItem("stats"),
	readline.PcItem("check"),
	readline.PcItem("snapshot"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

type shell struct {
	store *store.Store
	out   io.Writer
}

// exec runs one shell command and reports whether the shell should exit.
// Command errors are printed, not returned.
func (sh *shell) exec(ctx context.Context, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	var err error
	switch cmd := strings.ToLower(args[0]); cmd {
	case "put", "insert":
		if len(args) < 3 {
			err = fmt.Errorf("%s requires a key and a value", cmd)
			break
		}
		err = put(ctx, sh.out, sh.store, args[1], strings.Join(args[2:], " "), cmd == "put")
	case "get":
		if len(args) != 2 {
			err = errors.New("get requires a key")
			break
		}
		err = get(ctx, sh.out, sh.store, args[1])
	case "del", "delete":
		if len(args) != 2 {
			err = errors.New("del requires a key")
			break
		}
		err = del(ctx, sh.out, sh.store, args[1])
	case "scan":
		var from, to string
		limit := 100
		if len(args) > 1 {
			from = args[1]
		}
		if len(args) > 2 {
			to = args[2]
		}
		if len(args) > 3 {
			if limit, err = strconv.Atoi(args[3]); err != nil {
				err = fmt.Errorf("bad limit %q", args[3])
				break
			}
		}
		err = scan(ctx, sh.out, sh.store, from, to, limit)
	case "stats":
		err = stats(ctx, sh.out, sh.store)
	case "check":
		err = check(ctx, sh.out, sh.store)
	case "snapshot":
		if len(args) != 2 {
			err = errors.New("snapshot requires a destination")
			break
		}
		err = snapshot(ctx, sh.out, sh.store, args[1])
	case "help":
		fmt.Fprintln(sh.out, "Commands:")
		fmt.Fprintln(sh.out, "  put <key> <value>")
		fmt.Fprintln(sh.out, "  insert <key> <value>")
		fmt.Fprintln(sh.out, "  get <key>")
		fmt.Fprintln(sh.out, "  del <key>")
		fmt.Fprintln(sh.out, "  scan [from] [to] [limit]")
		fmt.Fprintln(sh.out, "  stats")
		fmt.Fprintln(sh.out, "  check")
		fmt.Fprintln(sh.out, "  snapshot <dest>")
		fmt.Fprintln(sh.out, "  exit / quit")
	case "exit", "quit":
		return true
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
	}
	return false
}
