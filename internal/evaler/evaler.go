// Package evaler runs one long-lived evaluator process per database and
// talks to it over a line-delimited JSON pipe: one request line in, one
// result line out.
package evaler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 20 * time.Second

// Evaluator runs a query against a database. Failures are reported inside
// the response, never as an error.
type Evaluator interface {
	Eval(ctx context.Context, db *journal.Database, q generation.Request) generation.Response
}

// Pool keeps evaluator processes warm between requests. Requests to the
// same database are serialized.
type Pool struct {
	// Command builds the evaluator command for a language and database path.
	Command func(lang, path string) *exec.Cmd
	Timeout time.Duration

	dir string
	log *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	mu   sync.Mutex
	db   string
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  *bufio.Reader
	dead bool
}

// NewPool creates a pool keeping database files under dir and running
// evaluator binaries from binDir.
func NewPool(dir, binDir string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		Command: func(lang, path string) *exec.Cmd {
			cmd := exec.Command(filepath.Join(binDir, lang), "-d", path, "-s")
			cmd.Stderr = os.Stderr
			return cmd
		},
		Timeout: DefaultTimeout,
		dir:     dir,
		log:     log.With("component", "evaler"),
		procs:   make(map[string]*process),
	}
}

func (p *Pool) start(db *journal.Database) (*process, error) {
	cmd := p.Command(db.Lang, filepath.Join(p.dir, db.Name))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", db.Lang, err)
	}
	return &process{db: db.Name, cmd: cmd, in: stdin, out: bufio.NewReader(stdout)}, nil
}

// acquire returns the locked process for db, starting one if needed. fresh
// reports whether it was just started.
func (p *Pool) acquire(db *journal.Database) (*process, bool, error) {
	for {
		p.mu.Lock()
		proc, ok := p.procs[db.Name]
		if !ok {
			var err error
			proc, err = p.start(db)
			if err != nil {
				p.mu.Unlock()
				return nil, false, err
			}
			p.procs[db.Name] = proc
			proc.mu.Lock()
			p.mu.Unlock()
			p.log.Info("evaluator started", "db", db.Name, "lang", db.Lang)
			return proc, true, nil
		}
		p.mu.Unlock()

		proc.mu.Lock()
		if !proc.dead {
			return proc, false, nil
		}
		// killed while we waited for it
		proc.mu.Unlock()
	}
}

// kill stops proc and forgets it. The caller holds proc.mu.
func (p *Pool) kill(proc *process) {
	proc.dead = true
	proc.in.Close()
	if proc.cmd.Process != nil {
		proc.cmd.Process.Kill()
	}
	proc.cmd.Wait()

	p.mu.Lock()
	if p.procs[proc.db] == proc {
		delete(p.procs, proc.db)
	}
	p.mu.Unlock()
}

type reply struct {
	line []byte
	err  error
}

// Eval sends q to the database's evaluator and waits for its result line.
// On timeout the process is killed and the result carries gen -1.
func (p *Pool) Eval(ctx context.Context, db *journal.Database, q generation.Request) generation.Response {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	proc, fresh, err := p.acquire(db)
	if err != nil {
		p.log.Error("unable to acquire evaluator", "db", db.Name, "error", err)
		return failure(fmt.Sprintf("unable to start evaluator: %v", err))
	}
	defer proc.mu.Unlock()

	line, err := json.Marshal(q)
	if err != nil {
		return failure(fmt.Sprintf("marshal query: %v", err))
	}

	startAt := time.Now()
	ch := make(chan reply, 1)
	go func() {
		if _, err := proc.in.Write(append(line, '\n')); err != nil {
			ch <- reply{err: err}
			return
		}
		b, err := proc.out.ReadBytes('\n')
		ch <- reply{line: b, err: err}
	}()

	var res generation.Response
	select {
	case <-ctx.Done():
		p.log.Warn("execution timed out", "db", db.Name, "code", q.Code)
		p.kill(proc)
		<-ch
		res = failure("execution timed out")
	case r := <-ch:
		switch {
		case r.err != nil:
			p.log.Error("evaluator pipe failed", "db", db.Name, "error", r.err)
			p.kill(proc)
			res = failure(fmt.Sprintf("evaluator exited: %v", r.err))
		default:
			if err := json.Unmarshal(r.line, &res); err != nil {
				p.log.Error("unable to unmarshal result", "db", db.Name, "error", err, "line", string(r.line))
				res = failure(fmt.Sprintf("evaler sent a bad response:\n%v\ngot: %q", err, string(r.line)))
			}
		}
	}

	res.Warm = !fresh
	res.WallTime = int64(time.Since(startAt))
	return res
}

// Close kills every running evaluator.
func (p *Pool) Close() {
	p.mu.Lock()
	procs := make([]*process, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		proc.mu.Lock()
		if !proc.dead {
			p.kill(proc)
		}
		proc.mu.Unlock()
	}
}

func failure(msg string) generation.Response {
	b, _ := json.Marshal(msg)
	return generation.Response{Gen: -1, Parent: 0, Error: b}
}
