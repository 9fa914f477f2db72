package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"evaldb/pkg/generation"
	"evaldb/pkg/render"
	"evaldb/pkg/session"
)

const replHelp = `lines are appended to the draft code
  :go            submit the draft against head
  :ro            submit the draft as a readonly query
  :goto N        move head to generation N and show its ancestry
  :edit N        reopen generation N's code against its parent
  :arg name=json set a draft argument
  :clear         discard the draft
  :tree          print the tree
  :heads         list the tip of every branch
  :quit`

// repl drives a session from text commands.
type repl struct {
	s   *session.Session
	out io.Writer
}

// handle runs one input line. It returns true when the user quits.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		code := line
		if d := r.s.Draft(); d.Code != "" {
			code = d.Code + "\n" + line
		}
		r.s.EditDraft(session.DraftPatch{Code: &code})
		return false, nil
	}

	cmd, rest, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "q", "quit":
		return true, nil
	case "go", "ro":
		req := r.s.Submit(ctx, cmd == "ro")
		fmt.Fprintf(r.out, "submitted against %d\n", *req.Gen)
	case "goto":
		id, err := parseGen(rest)
		if err != nil {
			return false, err
		}
		if !r.s.Goto(id) {
			return false, fmt.Errorf("no generation %d", id)
		}
		fmt.Fprintf(r.out, "head %d: %s\n", id, render.Ancestry(r.s.Store(), id))
	case "edit":
		id, err := parseGen(rest)
		if err != nil {
			return false, err
		}
		if !r.s.Edit(id) {
			return false, fmt.Errorf("generation %d has no code to edit", id)
		}
	case "arg":
		arg, err := parseArg(rest)
		if err != nil {
			return false, err
		}
		markers := r.s.EditDraft(session.DraftPatch{Args: setArg(r.s.Draft().Args, arg)})
		for _, m := range markers {
			if m.Name == arg.Name && !m.ValidJSON {
				fmt.Fprintf(r.out, "%s is not valid JSON; it will be sent as %q\n", m.Name, session.InvalidArg)
			}
		}
	case "clear":
		empty := ""
		r.s.EditDraft(session.DraftPatch{Code: &empty, Args: []generation.Arg{}})
	case "tree":
		return false, render.Text(r.out, r.s.Snapshot())
	case "heads":
		fmt.Fprintf(r.out, "heads: %s\n", render.Leaves(r.s.Store()))
	case "help", "h":
		fmt.Fprintln(r.out, replHelp)
	default:
		return false, fmt.Errorf("unknown command :%s", cmd)
	}
	return false, nil
}

// setArg replaces the argument with the same name or appends it.
func setArg(args []generation.Arg, arg generation.Arg) []generation.Arg {
	out := append([]generation.Arg{}, args...)
	for i := range out {
		if out[i].Name == arg.Name {
			out[i] = arg
			return out
		}
	}
	return append(out, arg)
}

func runREPL(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	s := session.New(c, log)
	r := &repl{s: s, out: os.Stdout}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSession(ctx, c, s) })
	g.Go(func() error {
		defer cancel()
		fmt.Fprintln(r.out, replHelp)
		scan := bufio.NewScanner(os.Stdin)
		for scan.Scan() {
			quit, err := r.handle(ctx, scan.Text())
			if err != nil {
				fmt.Fprintf(os.Stderr, "evalctl: %v\n", err)
			}
			if quit {
				return nil
			}
		}
		return scan.Err()
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
