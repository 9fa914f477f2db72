package generation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id, parent ID) Transaction {
	return Transaction{
		Query:  Query{Code: "return gen"},
		Result: Result{ID: id, Parent: parent, Value: json.RawMessage(`true`)},
	}
}

func TestMergeIdempotent(t *testing.T) {
	once := NewReconciler(NewStore(), nil)
	once.MergeTransaction(tx(1, 0))

	twice := NewReconciler(NewStore(), nil)
	first := twice.MergeTransaction(tx(1, 0))
	second := twice.MergeTransaction(tx(1, 0))

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, once.Store().Tree(), twice.Store().Tree())
	assert.Equal(t, []ID{1}, twice.Store().ChildrenOf(RootID))
}

func TestMergeOrderIndependent(t *testing.T) {
	records := []Transaction{tx(1, 0), tx(2, 1), tx(3, 1), tx(5, 3)}

	forward := NewReconciler(NewStore(), nil)
	for _, r := range records {
		forward.MergeTransaction(r)
	}
	backward := NewReconciler(NewStore(), nil)
	for i := len(records) - 1; i >= 0; i-- {
		backward.MergeTransaction(records[i])
	}
	assert.Equal(t, forward.Store().Tree(), backward.Store().Tree())
}

func TestMergeSynthesizesAncestor(t *testing.T) {
	r := NewReconciler(NewStore(), nil)

	r.MergeTransaction(tx(5, 3))
	s := r.Store()
	p, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, KindPlaceholder, p.Kind)
	assert.Equal(t, []ID{5}, p.Children)
	assert.Empty(t, s.ChildrenOf(RootID), "a placeholder is not linked until its record arrives")

	r.MergeTransaction(tx(1, 0))
	out := r.MergeTransaction(tx(3, 1))
	assert.True(t, out.Promoted)

	p, _ = s.Get(3)
	assert.Equal(t, KindEvaluated, p.Kind)
	assert.Equal(t, []ID{5}, p.Children)
	assert.Equal(t, []ID{3}, s.ChildrenOf(1))
	assert.Equal(t, 4, s.Len())
}

func TestMergeErrorIsData(t *testing.T) {
	r := NewReconciler(NewStore(), nil)
	failed := tx(1, 0)
	failed.Result.Value = nil
	failed.Result.Error = json.RawMessage(`"boom"`)

	out := r.MergeTransaction(failed)
	assert.True(t, out.IsError)
	n, _ := r.Store().Get(1)
	assert.Equal(t, KindEvaluated, n.Kind)
	assert.JSONEq(t, `"boom"`, string(n.Result.Error))
}

func TestMergeReadonlyFlag(t *testing.T) {
	r := NewReconciler(NewStore(), nil)
	ro := tx(2, 0)
	ro.Query.Readonly = true
	assert.True(t, r.MergeTransaction(ro).IsReadonly)
}

func TestMergeSelfParentNotLinked(t *testing.T) {
	r := NewReconciler(NewStore(), nil)
	r.MergeTransaction(tx(4, 4))
	assert.Empty(t, r.Store().ChildrenOf(4))
}

func TestWireRoundTripNullError(t *testing.T) {
	raw := `{"query":{"code":"return a","args":{"b":2,"a":"x"}},
		"result":{"gen":1,"parent":0,"error":null,"object":1,"walltime":1500000,"warm":true}}`
	var w Transac
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	got := w.Transaction()
	assert.False(t, got.Result.Failed())
	assert.Equal(t, []Arg{{Name: "a", Value: `"x"`}, {Name: "b", Value: `2`}}, got.Query.Args)
	assert.Equal(t, ID(1), got.Result.ID)
	assert.Equal(t, int64(1500000), int64(got.Result.WallTime))

	back := got.Wire()
	assert.JSONEq(t, `"x"`, string(back.Query.Args["a"]))
	assert.Nil(t, back.Result.Error)
}

func TestConcurrentMergeMatchesSequential(t *testing.T) {
	var records []Transaction
	for id := ID(1); id <= 60; id++ {
		records = append(records, tx(id, id/3))
	}
	errRec := tx(61, 20)
	errRec.Result.Value = nil
	errRec.Result.Error = json.RawMessage(`"boom"`)
	records = append(records, errRec)

	sequential := NewReconciler(NewStore(), nil)
	for _, r := range records {
		sequential.MergeTransaction(r)
	}

	// every record delivered twice, from both ends, as the reply path and
	// the feed would
	concurrent := NewReconciler(NewStore(), nil)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range records {
				if w%2 == 1 {
					i = len(records) - 1 - i
				}
				concurrent.MergeTransaction(records[i])
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, sequential.Store().Tree(), concurrent.Store().Tree())
	assert.Equal(t, sequential.Store().Len(), concurrent.Store().Len())
}
