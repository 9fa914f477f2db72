// Package generation holds the generation tree: every evaluation against a
// database yields an immutable generation descended from the one it was
// evaluated against. The Store keeps the nodes and their child links; the
// Reconciler folds transaction records into it.
package generation

import (
	"encoding/json"
	"time"
)

// ID is a server-assigned generation identifier. IDs strictly increase and
// are never reused.
type ID int64

// RootID is the sentinel generation every database starts from.
const RootID ID = 0

// Kind tags which variant a Node is.
type Kind int

const (
	KindRoot        Kind = iota // the single initial-state sentinel
	KindPlaceholder             // referenced as a parent, own record not seen yet
	KindEvaluated               // fully materialized
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindPlaceholder:
		return "placeholder"
	case KindEvaluated:
		return "evaluated"
	}
	return "unknown"
}

// Arg is one named argument. Value is raw JSON text as typed by the user,
// which may not parse.
type Arg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Query is the input that produced a generation.
type Query struct {
	Code     string `json:"code"`
	Args     []Arg  `json:"args"`
	Readonly bool   `json:"readonly"`
}

// Result is the evaluator's outcome. Error and Value are nil when absent.
type Result struct {
	ID       ID              `json:"gen"`
	Parent   ID              `json:"parent"`
	Error    json.RawMessage `json:"error,omitempty"`
	Value    json.RawMessage `json:"object,omitempty"`
	WallTime time.Duration   `json:"walltime"`
	Warm     bool            `json:"warm"`
}

// Failed reports whether the evaluator reported an error.
func (r Result) Failed() bool { return len(r.Error) > 0 }

// Transaction pairs a query with its result. It is the unit merged into the
// tree, whether it came back from a submit or from the broadcast feed.
type Transaction struct {
	Query  Query
	Result Result
}

// Node is one generation in the tree. Query and Result are only meaningful
// when Kind is KindEvaluated; Parent is meaningless for the root.
type Node struct {
	ID       ID
	Kind     Kind
	Parent   ID
	Query    Query
	Result   Result
	Children []ID // ascending
}

// Evaluated builds the evaluated node for a transaction.
func Evaluated(tx Transaction) Node {
	return Node{
		ID:     tx.Result.ID,
		Kind:   KindEvaluated,
		Parent: tx.Result.Parent,
		Query:  tx.Query,
		Result: tx.Result,
	}
}

func (n Node) clone() Node {
	c := n
	c.Children = append([]ID(nil), n.Children...)
	c.Query.Args = append([]Arg(nil), n.Query.Args...)
	return c
}

// Tree is an immutable deep copy of a subtree, handed to renderers.
type Tree struct {
	Node
	Subtrees []*Tree
}
