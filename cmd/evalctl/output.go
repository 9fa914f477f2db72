package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"evaldb/pkg/generation"
	"evaldb/pkg/render"
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "evalctl: encode JSON: %v\n", err)
	}
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printShort(tx generation.Transaction) {
	code := strings.ReplaceAll(tx.Query.Code, "\n", " ")
	n := generation.Evaluated(tx)
	fmt.Printf("%-6d %-6d %-40s %s\n", tx.Result.ID, tx.Result.Parent, truncStr(code, 40), truncStr(render.Outcome(n), 60))
}

// parseArg splits name=json. The value is kept as typed; invalid JSON is
// flagged when the draft is resolved.
func parseArg(s string) (generation.Arg, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return generation.Arg{}, fmt.Errorf("argument %q: want name=json", s)
	}
	return generation.Arg{Name: name, Value: value}, nil
}
