package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaldb/pkg/generation"
)

// fakeTransport hands out increasing generation ids and records requests.
type fakeTransport struct {
	mu       sync.Mutex
	next     generation.ID
	requests []generation.Request
	fail     error
	result   json.RawMessage
	errValue json.RawMessage
}

func (f *fakeTransport) Eval(_ context.Context, req generation.Request) (generation.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail != nil {
		return generation.Transaction{}, f.fail
	}
	f.next++
	w := generation.Transac{
		Query: req,
		Result: generation.Response{
			Gen:    f.next,
			Parent: *req.Gen,
			Object: f.result,
			Error:  f.errValue,
		},
	}
	return w.Transaction(), nil
}

func (f *fakeTransport) sent() []generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generation.Request(nil), f.requests...)
}

func start(t *testing.T, tr Transport, feed <-chan generation.Transaction) *Session {
	t.Helper()
	s := New(tr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, feed)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func code(s string) *string { return &s }

func record(id, parent generation.ID, readonly bool) generation.Transaction {
	return generation.Transaction{
		Query:  generation.Query{Code: "return x", Readonly: readonly},
		Result: generation.Result{ID: id, Parent: parent, Value: json.RawMessage(`2`)},
	}
}

func TestSubmitAdvancesHead(t *testing.T) {
	tr := &fakeTransport{result: json.RawMessage(`1`)}
	s := start(t, tr, nil)

	s.EditDraft(DraftPatch{Code: code("return 1")})
	req := s.Submit(context.Background(), false)

	assert.Equal(t, "return 1", req.Code)
	require.NotNil(t, req.Gen)
	assert.Equal(t, generation.RootID, *req.Gen)
	assert.Equal(t, Draft{}, s.Draft(), "draft is cleared before the reply arrives")

	require.Eventually(t, func() bool { return s.Head() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []generation.ID{1}, s.Store().ChildrenOf(generation.RootID))
}

func TestReadonlySubmitKeepsHead(t *testing.T) {
	s := New(nil, nil)
	s.Apply(record(1, 0, false))
	require.Equal(t, generation.ID(1), s.Head())

	out := s.Apply(record(2, 1, true))
	assert.True(t, out.IsReadonly)
	assert.Equal(t, generation.ID(1), s.Head())
	assert.Equal(t, []generation.ID{2}, s.Store().ChildrenOf(1))

	// the same record again via the feed changes nothing
	before := s.Snapshot()
	out = s.Apply(record(2, 1, true))
	assert.True(t, out.Duplicate)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, []generation.ID{2}, s.Store().ChildrenOf(1))
}

func TestErrorDoesNotAdvanceHead(t *testing.T) {
	tr := &fakeTransport{errValue: json.RawMessage(`"syntax error"`)}
	s := start(t, tr, nil)

	s.Submit(context.Background(), false)
	require.Eventually(t, func() bool { return s.Store().Exists(1) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, generation.RootID, s.Head())

	n, _ := s.Store().Get(1)
	assert.True(t, n.Result.Failed())
}

func TestHeadOnlyMovesForward(t *testing.T) {
	s := New(nil, nil)
	s.Apply(record(4, 0, false))
	s.Apply(record(2, 0, false))
	assert.Equal(t, generation.ID(4), s.Head())
}

func TestFeedOutOfOrder(t *testing.T) {
	feed := make(chan generation.Transaction)
	s := start(t, nil, feed)

	feed <- record(5, 3, false)
	require.Eventually(t, func() bool { return s.Head() == 5 }, time.Second, 5*time.Millisecond)

	p, _ := s.Store().Get(3)
	assert.Equal(t, generation.KindPlaceholder, p.Kind)

	feed <- record(1, 0, false)
	feed <- record(3, 1, false)
	require.Eventually(t, func() bool {
		n, _ := s.Store().Get(3)
		return n.Kind == generation.KindEvaluated
	}, time.Second, 5*time.Millisecond)

	n, _ := s.Store().Get(3)
	assert.Equal(t, []generation.ID{5}, n.Children)
	assert.Equal(t, []generation.ID{3}, s.Store().ChildrenOf(1))
	assert.Equal(t, generation.ID(5), s.Head())
}

func TestEditForksSibling(t *testing.T) {
	tr := &fakeTransport{next: 2, result: json.RawMessage(`1`)}
	s := start(t, tr, nil)
	s.Apply(record(1, 0, false))
	s.Apply(record(2, 1, false))
	require.Equal(t, generation.ID(2), s.Head())

	require.True(t, s.Edit(2))
	assert.Equal(t, generation.ID(1), s.Head())
	assert.Equal(t, "return x", s.Draft().Code)
	assert.Empty(t, s.Draft().Args)

	s.Submit(context.Background(), false)
	require.Eventually(t, func() bool { return s.Head() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []generation.ID{2, 3}, s.Store().ChildrenOf(1))
	assert.Empty(t, s.Store().ChildrenOf(2))
}

func TestEditIgnoresNonEvaluated(t *testing.T) {
	s := New(nil, nil)
	s.Apply(record(5, 3, false))
	assert.False(t, s.Edit(3), "placeholder")
	assert.False(t, s.Edit(generation.RootID))
	assert.False(t, s.Edit(42))
	assert.Equal(t, generation.ID(5), s.Head())
}

func TestGoto(t *testing.T) {
	s := New(nil, nil)
	s.Apply(record(1, 0, false))
	s.Apply(record(2, 1, false))

	assert.True(t, s.Goto(1))
	assert.Equal(t, generation.ID(1), s.Head())
	assert.False(t, s.Goto(99))
	assert.Equal(t, generation.ID(1), s.Head())
}

func TestInvalidArgsStillSubmitted(t *testing.T) {
	tr := &fakeTransport{result: json.RawMessage(`null`)}
	s := start(t, tr, nil)

	markers := s.EditDraft(DraftPatch{Args: []generation.Arg{
		{Name: "a", Value: `{"x": 1}`},
		{Name: "b", Value: `{oops`},
	}})
	require.Len(t, markers, 2)
	assert.True(t, markers[0].ValidJSON)
	assert.False(t, markers[1].ValidJSON)

	req := s.Submit(context.Background(), false)
	assert.JSONEq(t, `{"x": 1}`, string(req.Args["a"]))
	assert.JSONEq(t, `"invalid json!"`, string(req.Args["b"]))

	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransportFailureLosesSubmission(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("connection refused")}
	s := start(t, tr, nil)

	s.EditDraft(DraftPatch{Code: code("return 1")})
	s.Submit(context.Background(), false)

	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Draft{}, s.Draft(), "the optimistic clear is not rolled back")
	assert.Equal(t, 1, s.Store().Len())
}

func TestEditDraftShallowMerge(t *testing.T) {
	s := New(nil, nil)
	s.EditDraft(DraftPatch{Code: code("a")})
	s.EditDraft(DraftPatch{Args: []generation.Arg{{Name: "n", Value: "1"}}})
	s.EditDraft(DraftPatch{Code: code("b")})

	d := s.Draft()
	assert.Equal(t, "b", d.Code)
	assert.Equal(t, []generation.Arg{{Name: "n", Value: "1"}}, d.Args)
}

func TestOnChangeFires(t *testing.T) {
	s := New(nil, nil)
	var calls int
	s.OnChange(func() { calls++ })
	s.EditDraft(DraftPatch{Code: code("a")})
	s.Apply(record(1, 0, false))
	s.Goto(0)
	assert.Equal(t, 3, calls)
}

func TestConcurrentApplyEndsAtMaxHead(t *testing.T) {
	s := New(nil, nil)
	var wg sync.WaitGroup
	for w := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := generation.ID(1); id <= 50; id++ {
				// each writer sees the ids in its own order
				gen := id
				if w%2 == 1 {
					gen = 51 - id
				}
				s.Apply(record(gen, gen-1, false))
			}
			s.Apply(record(80, 50, true))
		}()
	}
	wg.Wait()

	assert.Equal(t, generation.ID(50), s.Head(), "readonly 80 never becomes head")
	assert.Equal(t, 52, s.Store().Len())
	assert.Equal(t, []generation.ID{80}, s.Store().Heads())
}
