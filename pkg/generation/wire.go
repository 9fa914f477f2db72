package generation

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Request is a submit request as sent to the gateway. A nil Gen means
// "against the database's latest generation".
type Request struct {
	Code     string                     `json:"code"`
	Args     map[string]json.RawMessage `json:"args"`
	Gen      *ID                        `json:"gen,omitempty"`
	Readonly bool                       `json:"readonly,omitempty"`
}

// Response is the result half of a wire transaction.
type Response struct {
	Object   json.RawMessage `json:"object,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	Warm     bool            `json:"warm"`
	WallTime int64           `json:"walltime"`
	Gen      ID              `json:"gen"`
	Parent   ID              `json:"parent"`
}

// Transac is the JSON record exchanged on the submit reply and on the feed.
type Transac struct {
	Query  Request  `json:"query"`
	Result Response `json:"result"`
}

// Transaction converts a wire record into the core representation. Args
// are ordered by name; an explicit JSON null error or object counts as
// absent.
func (t Transac) Transaction() Transaction {
	args := make([]Arg, 0, len(t.Query.Args))
	for name, raw := range t.Query.Args {
		args = append(args, Arg{Name: name, Value: string(raw)})
	}
	sort.Slice(args, func(i, j int) bool { return args[i].Name < args[j].Name })

	return Transaction{
		Query: Query{
			Code:     t.Query.Code,
			Args:     args,
			Readonly: t.Query.Readonly,
		},
		Result: Result{
			ID:       t.Result.Gen,
			Parent:   t.Result.Parent,
			Error:    present(t.Result.Error),
			Value:    present(t.Result.Object),
			WallTime: time.Duration(t.Result.WallTime),
			Warm:     t.Result.Warm,
		},
	}
}

// Wire converts a transaction back into its JSON record. Argument values
// that are not valid JSON are encoded as JSON strings.
func (tx Transaction) Wire() Transac {
	args := make(map[string]json.RawMessage, len(tx.Query.Args))
	for _, a := range tx.Query.Args {
		if json.Valid([]byte(a.Value)) {
			args[a.Name] = json.RawMessage(a.Value)
			continue
		}
		b, _ := json.Marshal(a.Value)
		args[a.Name] = b
	}
	return Transac{
		Query: Request{
			Code:     tx.Query.Code,
			Args:     args,
			Readonly: tx.Query.Readonly,
		},
		Result: Response{
			Object:   tx.Result.Value,
			Error:    tx.Result.Error,
			Warm:     tx.Result.Warm,
			WallTime: int64(tx.Result.WallTime),
			Gen:      tx.Result.ID,
			Parent:   tx.Result.Parent,
		},
	}
}

func present(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}
