package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaldb/pkg/generation"
)

func transac(gen, parent generation.ID) generation.Transac {
	return generation.Transac{
		Query:  generation.Request{Code: "return 1", Args: map[string]json.RawMessage{}},
		Result: generation.Response{Gen: gen, Parent: parent, Object: json.RawMessage(`1`)},
	}
}

func TestMemStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	d, err := s.CreateDatabase(ctx, "luaval")
	require.NoError(t, err)

	first := transac(1, 0)
	second := transac(1, 0)
	second.Query.Code = "return 2"
	require.NoError(t, s.Append(ctx, d.Name, first))
	require.NoError(t, s.Append(ctx, d.Name, second))

	n, err := s.Count(ctx, d.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, d.Name, 1)
	require.NoError(t, err)
	assert.Equal(t, "return 1", got.Query.Code)
}

func TestMemStoreUnknownDatabase(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	err := s.Append(ctx, "nope", transac(1, 0))
	assert.True(t, errors.Is(err, ErrDatabaseNotFound))

	_, err = s.Database(ctx, "nope")
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
}

func TestMemStoreSinceAndAncestors(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	d, _ := s.CreateDatabase(ctx, "duktape")
	for _, tx := range []generation.Transac{transac(3, 1), transac(1, 0), transac(2, 1), transac(4, 3)} {
		require.NoError(t, s.Append(ctx, d.Name, tx))
	}

	all, err := s.All(ctx, d.Name)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, generation.ID(1), all[0].Result.Gen)
	assert.Equal(t, generation.ID(4), all[3].Result.Gen)

	since, err := s.Since(ctx, d.Name, 2, 1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, generation.ID(3), since[0].Result.Gen)

	anc, err := s.Ancestors(ctx, d.Name, 4, 10)
	require.NoError(t, err)
	require.Len(t, anc, 2)
	assert.Equal(t, generation.ID(1), anc[0].Result.Gen)
	assert.Equal(t, generation.ID(3), anc[1].Result.Gen)

	for _, depth := range []int{0, -3} {
		anc, err = s.Ancestors(ctx, d.Name, 4, depth)
		require.NoError(t, err)
		assert.Empty(t, anc, "depth %d", depth)
	}
}

func TestMemStoreLink(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a, _ := s.CreateDatabase(ctx, "luaval")
	b, _ := s.CreateDatabase(ctx, "luaval")

	_, err := s.DatabaseForHost(ctx, "blog")
	assert.ErrorIs(t, err, ErrDatabaseNotFound)

	require.NoError(t, s.Link(ctx, a.Name, "blog"))
	got, err := s.DatabaseForHost(ctx, "blog")
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.Equal(t, "blog", got.Hostname)

	assert.ErrorIs(t, s.Link(ctx, b.Name, "blog"), ErrHostnameTaken)
	assert.ErrorIs(t, s.Link(ctx, "nope", "wiki"), ErrDatabaseNotFound)
	require.NoError(t, s.Link(ctx, a.Name, "blog"), "relinking the same pair is fine")

	// moving a database frees its old hostname
	require.NoError(t, s.Link(ctx, a.Name, "wiki"))
	require.NoError(t, s.Link(ctx, b.Name, "blog"))
	got, err = s.DatabaseForHost(ctx, "blog")
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)
	got, err = s.Database(ctx, a.Name)
	require.NoError(t, err)
	assert.Equal(t, "wiki", got.Hostname)
}

func TestValidLanguage(t *testing.T) {
	assert.True(t, ValidLanguage("luaval"))
	assert.True(t, ValidLanguage("duktape"))
	assert.False(t, ValidLanguage("python"))
}

type fakeRows struct {
	rows [][2][]byte
	i    int
	err  error
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*dest[0].(*[]byte) = row[0]
	*dest[1].(*[]byte) = row[1]
	return nil
}

func (r *fakeRows) Err() error { return r.err }

func TestScanRows(t *testing.T) {
	rows := &fakeRows{rows: [][2][]byte{
		{[]byte(`{"code":"return a","args":{"a":1},"readonly":true}`), []byte(`{"gen":2,"parent":1,"walltime":10,"warm":true,"object":1}`)},
	}}
	txs, err := scanRows(rows)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Query.Readonly)
	assert.Equal(t, generation.ID(2), txs[0].Result.Gen)
	assert.JSONEq(t, `1`, string(txs[0].Query.Args["a"]))

	bad := &fakeRows{rows: [][2][]byte{{[]byte(`{`), []byte(`{}`)}}}
	_, err = scanRows(bad)
	assert.Error(t, err)

	failing := &fakeRows{err: errors.New("conn reset")}
	_, err = scanRows(failing)
	assert.ErrorContains(t, err, "row iteration")
}
