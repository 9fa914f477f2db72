// Package render paints a session snapshot. It only reads what it is given.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"evaldb/pkg/generation"
	"evaldb/pkg/session"
)

// Row is one line of a flattened tree. Fork marks the first row of a
// branch that is not its parent's last child.
type Row struct {
	Depth  int
	Node   generation.Node
	IsHead bool
	Fork   bool
}

// Flatten lays the tree out top to bottom. A node's last child continues
// the same column; earlier children, and every child of head, are indented
// as forks.
func Flatten(snap session.Snapshot) []Row {
	var rows []Row
	var visit func(t *generation.Tree, depth int, fork bool)
	visit = func(t *generation.Tree, depth int, fork bool) {
		rows = append(rows, Row{Depth: depth, Node: t.Node, IsHead: t.ID == snap.Head, Fork: fork})
		for i, c := range t.Subtrees {
			branch := i != len(t.Subtrees)-1 || t.ID == snap.Head
			if branch {
				visit(c, depth+1, true)
			} else {
				visit(c, depth, false)
			}
		}
	}
	if snap.Root != nil {
		visit(snap.Root, 0, false)
	}
	return rows
}

// Label is the one-line summary of a node.
func Label(n generation.Node) string {
	switch n.Kind {
	case generation.KindRoot:
		return "initial state"
	case generation.KindPlaceholder:
		return fmt.Sprintf("gen %d (pending)", n.ID)
	}
	warm := "cold"
	if n.Result.Warm {
		warm = "warm"
	}
	ro := ""
	if n.Query.Readonly {
		ro = " | readonly"
	}
	return fmt.Sprintf("gen: %d | pgen: %d | walltime: %s | %s%s",
		n.ID, n.Parent, n.Result.WallTime.Round(time.Microsecond), warm, ro)
}

// Ancestry renders the chain from the root down to id, e.g. "0 > 1 > 3".
// A chain cut short by a pending generation starts with "...".
func Ancestry(store *generation.Store, id generation.ID) string {
	path := store.Path(id)
	if len(path) == 0 {
		return ""
	}
	parts := make([]string, 0, len(path)+1)
	if path[0] != generation.RootID {
		parts = append(parts, "...")
	}
	for _, p := range path {
		parts = append(parts, strconv.FormatInt(int64(p), 10))
	}
	return strings.Join(parts, " > ")
}

// Leaves lists the tips of every branch reachable from the root.
func Leaves(store *generation.Store) string {
	heads := store.Heads()
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = strconv.FormatInt(int64(h), 10)
	}
	return strings.Join(parts, " ")
}

// Signature renders the argument list the way the query was written.
func Signature(args []generation.Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.Name + " = " + a.Value
	}
	return "function (" + strings.Join(parts, ", ") + ")"
}

// Outcome renders a node's value or error.
func Outcome(n generation.Node) string {
	if n.Kind != generation.KindEvaluated {
		return ""
	}
	if n.Result.Failed() {
		return "error: " + string(n.Result.Error)
	}
	if n.Result.Value == nil {
		return "= null"
	}
	return "= " + string(n.Result.Value)
}

// Text writes the snapshot as an indented tree, with the draft shown under
// head.
func Text(w io.Writer, snap session.Snapshot) error {
	for _, r := range Flatten(snap) {
		indent := strings.Repeat("  ", r.Depth)
		marker := "  "
		if r.Fork {
			marker = "+ "
		}
		if r.IsHead {
			marker = "* "
		}
		if _, err := fmt.Fprintf(w, "%s%s%s\n", indent, marker, Label(r.Node)); err != nil {
			return err
		}
		if r.Node.Kind == generation.KindEvaluated {
			body := indent + "    "
			if _, err := fmt.Fprintf(w, "%s%s\n", body, Signature(r.Node.Query.Args)); err != nil {
				return err
			}
			for _, line := range strings.Split(r.Node.Query.Code, "\n") {
				if _, err := fmt.Fprintf(w, "%s  %s\n", body, line); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%send\n%s%s\n", body, body, Outcome(r.Node)); err != nil {
				return err
			}
		}
		if r.IsHead {
			if err := draft(w, indent+"    ", snap.Draft); err != nil {
				return err
			}
		}
	}
	return nil
}

func draft(w io.Writer, indent string, d session.Draft) error {
	var bad []string
	for _, m := range d.Markers() {
		if !m.ValidJSON {
			bad = append(bad, m.Name)
		}
	}
	line := "> " + Signature(d.Args)
	if len(bad) > 0 {
		line += "  [invalid json: " + strings.Join(bad, ", ") + "]"
	}
	_, err := fmt.Fprintf(w, "%s%s\n%s> %s\n", indent, line, indent, d.Code)
	return err
}

// FormatArgs writes arguments one per line as "name = value", the form
// ParseArgs reads back.
func FormatArgs(args []generation.Arg) string {
	lines := make([]string, len(args))
	for i, a := range args {
		lines[i] = a.Name + " = " + a.Value
	}
	return strings.Join(lines, "\n")
}

// ParseArgs reads "name = value" lines. Blank lines are skipped and a line
// without "=" becomes an argument with an empty, and so invalid, value.
func ParseArgs(text string) []generation.Arg {
	args := []generation.Arg{}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, _ := strings.Cut(line, "=")
		args = append(args, generation.Arg{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return args
}
