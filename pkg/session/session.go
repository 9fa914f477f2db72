// Package session tracks one editing session over a generation tree: the
// generation currently selected as head, the draft being typed against it,
// and the single reconciliation loop that folds submit replies and feed
// records into the tree.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"evaldb/pkg/generation"
)

// Transport sends a submit request and resolves it to a transaction.
type Transport interface {
	Eval(ctx context.Context, req generation.Request) (generation.Transaction, error)
}

// Snapshot is the read-only view handed to renderers.
type Snapshot struct {
	Root  *generation.Tree
	Head  generation.ID
	Draft Draft
}

// Session owns head and draft. The Store is shared with the Reconciler;
// the draft is only ever touched by the session's own operations.
type Session struct {
	ID string

	rec       *generation.Reconciler
	transport Transport
	log       *slog.Logger

	inbox chan generation.Transaction

	mu       sync.Mutex
	head     generation.ID
	draft    Draft
	onChange func()
}

// New creates a session at the root with an empty draft.
func New(transport Transport, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	log = log.With("component", "session", "session", id)
	return &Session{
		ID:        id,
		rec:       generation.NewReconciler(generation.NewStore(), log),
		transport: transport,
		log:       log,
		inbox:     make(chan generation.Transaction, 64),
	}
}

// Store returns the session's generation store.
func (s *Session) Store() *generation.Store { return s.rec.Store() }

// OnChange registers fn to be called after every state change. fn runs on
// the goroutine that made the change and must not call back into s while
// holding its own locks.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Head returns the current head.
func (s *Session) Head() generation.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Draft returns a copy of the current draft.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.clone()
}

// EditDraft merges patch into the draft and returns the argument markers
// for the result. Invalid values never block editing.
func (s *Session) EditDraft(patch DraftPatch) []ArgMarker {
	s.mu.Lock()
	s.draft = s.draft.apply(patch)
	markers := s.draft.Markers()
	s.mu.Unlock()

	s.notify()
	return markers
}

// Submit sends the draft against head and clears it without waiting for
// the reply. The reply is merged by Run when it arrives; a transport
// failure is logged and the submission is lost.
func (s *Session) Submit(ctx context.Context, readonly bool) generation.Request {
	s.mu.Lock()
	head := s.head
	req := generation.Request{
		Code:     s.draft.Code,
		Args:     s.draft.Resolve(),
		Gen:      &head,
		Readonly: readonly,
	}
	s.draft = Draft{}
	s.mu.Unlock()

	s.notify()
	go s.send(ctx, req)
	return req
}

func (s *Session) send(ctx context.Context, req generation.Request) {
	tx, err := s.transport.Eval(ctx, req)
	if err != nil {
		s.log.Warn("submit failed", "gen", *req.Gen, "error", err)
		return
	}
	select {
	case s.inbox <- tx:
	case <-ctx.Done():
		s.log.Info("submit reply dropped", "gen", tx.Result.ID, "error", ctx.Err())
	}
}

// Apply merges tx and advances head if tx is a successful write newer than
// head. It is the single merge entry point for both delivery paths.
func (s *Session) Apply(tx generation.Transaction) generation.Outcome {
	out := s.rec.MergeTransaction(tx)

	s.mu.Lock()
	advanced := out.ID > s.head && !out.IsError && !out.IsReadonly
	if advanced {
		s.head = out.ID
	}
	s.mu.Unlock()

	if advanced {
		s.log.Debug("head advanced", "head", out.ID)
	}
	s.notify()
	return out
}

// Goto moves head to an existing generation. Unknown ids are ignored.
func (s *Session) Goto(id generation.ID) bool {
	if !s.Store().Exists(id) {
		return false
	}
	s.mu.Lock()
	s.head = id
	s.mu.Unlock()

	s.notify()
	return true
}

// Edit reopens an evaluated generation's code as a draft against its
// parent, so the next submit forks a sibling instead of rewriting history.
func (s *Session) Edit(id generation.ID) bool {
	n, ok := s.Store().Get(id)
	if !ok || n.Kind != generation.KindEvaluated {
		return false
	}
	s.mu.Lock()
	s.head = n.Parent
	s.draft = Draft{Code: n.Query.Code, Args: []generation.Arg{}}
	s.mu.Unlock()

	s.notify()
	return true
}

// Snapshot returns a deep copy of the tree together with head and draft.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	head, draft := s.head, s.draft.clone()
	s.mu.Unlock()
	return Snapshot{Root: s.Store().Tree(), Head: head, Draft: draft}
}

// Run drains submit replies and the feed into Apply until ctx is done. A
// closed feed leaves only submit replies flowing.
func (s *Session) Run(ctx context.Context, feed <-chan generation.Transaction) error {
	s.log.Info("reconciling")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx := <-s.inbox:
			s.Apply(tx)
		case tx, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			s.Apply(tx)
		}
	}
}
