package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaldb/pkg/generation"
	"evaldb/pkg/session"
)

func rec(id, parent generation.ID) generation.Transaction {
	return generation.Transaction{
		Query:  generation.Query{Code: "return 1", Args: []generation.Arg{{Name: "a", Value: "1"}}},
		Result: generation.Result{ID: id, Parent: parent, Value: json.RawMessage(`1`)},
	}
}

func TestFlattenForks(t *testing.T) {
	s := session.New(nil, nil)
	s.Apply(rec(1, 0))
	s.Apply(rec(2, 1))
	s.Apply(rec(3, 1))

	rows := Flatten(s.Snapshot())
	require.Len(t, rows, 4)

	ids := make([]generation.ID, len(rows))
	for i, r := range rows {
		ids[i] = r.Node.ID
	}
	assert.Equal(t, []generation.ID{0, 1, 2, 3}, ids)
	assert.True(t, rows[2].Fork, "earlier sibling is drawn as a fork")
	assert.Equal(t, 1, rows[2].Depth)
	assert.False(t, rows[3].Fork, "last child continues the timeline")
	assert.True(t, rows[3].IsHead)
}

func TestTextMarksHeadAndPlaceholders(t *testing.T) {
	s := session.New(nil, nil)
	s.Apply(rec(5, 3))
	require.True(t, s.Goto(generation.RootID))
	s.EditDraft(session.DraftPatch{Args: []generation.Arg{{Name: "bad", Value: "{"}}})

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, s.Snapshot()))
	out := buf.String()

	assert.Contains(t, out, "initial state")
	assert.NotContains(t, out, "gen 3 (pending)", "unlinked placeholders are not reachable from the root")
	assert.Contains(t, out, "[invalid json: bad]")
	assert.True(t, strings.HasPrefix(out, "* initial state"), out)
}

func TestOutcome(t *testing.T) {
	n := generation.Evaluated(rec(1, 0))
	assert.Equal(t, "= 1", Outcome(n))

	n.Result.Error = json.RawMessage(`"boom"`)
	assert.Equal(t, `error: "boom"`, Outcome(n))
}

func TestArgsTextForm(t *testing.T) {
	args := ParseArgs("a = 1\n\n  b={\"k\": [1, 2]}\nc\n")
	assert.Equal(t, []generation.Arg{
		{Name: "a", Value: "1"},
		{Name: "b", Value: `{"k": [1, 2]}`},
		{Name: "c", Value: ""},
	}, args)
	assert.Equal(t, args, ParseArgs(FormatArgs(args)))
	assert.Empty(t, ParseArgs(""))
}

func TestAncestryAndLeaves(t *testing.T) {
	s := session.New(nil, nil)
	s.Apply(rec(1, 0))
	s.Apply(rec(2, 1))
	s.Apply(rec(3, 1))
	s.Apply(rec(7, 5))

	assert.Equal(t, "0 > 1 > 3", Ancestry(s.Store(), 3))
	assert.Equal(t, "0", Ancestry(s.Store(), generation.RootID))
	assert.Equal(t, "... > 5 > 7", Ancestry(s.Store(), 7), "5 is still pending")
	assert.Equal(t, "", Ancestry(s.Store(), 42))

	assert.Equal(t, "2 3", Leaves(s.Store()), "the pending branch is not reachable yet")
}
