package evaler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

// TestHelperProcess is not a real test; it is the fake evaluator the pool
// spawns. It answers each request line with the next generation.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("EVALDB_HELPER_PROCESS") != "1" {
		return
	}
	scan := bufio.NewScanner(os.Stdin)
	var gen generation.ID
	for scan.Scan() {
		var q generation.Request
		if err := json.Unmarshal(scan.Bytes(), &q); err != nil {
			fmt.Println(`{"gen":-1,"error":"bad request"}`)
			continue
		}
		switch q.Code {
		case "hang":
			time.Sleep(time.Minute)
		case "garbage":
			fmt.Println("not json")
			continue
		}
		gen++
		parent := gen - 1
		if q.Gen != nil {
			parent = *q.Gen
		}
		b, _ := json.Marshal(generation.Response{Gen: gen, Parent: parent, Object: json.RawMessage(`"ok"`)})
		fmt.Println(string(b))
	}
	os.Exit(0)
}

func helperPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(t.TempDir(), "", nil)
	p.Command = func(lang, path string) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", lang, path)
		cmd.Env = append(os.Environ(), "EVALDB_HELPER_PROCESS=1")
		return cmd
	}
	t.Cleanup(p.Close)
	return p
}

var testDB = &journal.Database{Name: "db1", Lang: "luaval"}

func TestPoolWarmsUp(t *testing.T) {
	p := helperPool(t)
	ctx := context.Background()

	first := p.Eval(ctx, testDB, generation.Request{Code: "return 1"})
	assert.Nil(t, first.Error)
	assert.Equal(t, generation.ID(1), first.Gen)
	assert.False(t, first.Warm)
	assert.Positive(t, first.WallTime)

	second := p.Eval(ctx, testDB, generation.Request{Code: "return 2"})
	assert.Equal(t, generation.ID(2), second.Gen)
	assert.True(t, second.Warm)
}

func TestPoolBadResponse(t *testing.T) {
	p := helperPool(t)
	res := p.Eval(context.Background(), testDB, generation.Request{Code: "garbage"})
	assert.Equal(t, generation.ID(-1), res.Gen)
	assert.Contains(t, string(res.Error), "bad response")
}

func TestPoolTimeoutKillsProcess(t *testing.T) {
	p := helperPool(t)
	p.Timeout = 200 * time.Millisecond
	ctx := context.Background()

	res := p.Eval(ctx, testDB, generation.Request{Code: "hang"})
	assert.Equal(t, generation.ID(-1), res.Gen)
	assert.JSONEq(t, `"execution timed out"`, string(res.Error))

	// a fresh process takes over
	next := p.Eval(ctx, testDB, generation.Request{Code: "return 1"})
	require.Nil(t, next.Error)
	assert.False(t, next.Warm)
	assert.Equal(t, generation.ID(1), next.Gen)
}

func TestPoolStartFailure(t *testing.T) {
	p := NewPool(t.TempDir(), "/nonexistent", nil)
	res := p.Eval(context.Background(), testDB, generation.Request{Code: "return 1"})
	assert.Equal(t, generation.ID(-1), res.Gen)
	assert.Contains(t, string(res.Error), "unable to start evaluator")
}
