package session

import (
	"encoding/json"

	"evaldb/pkg/generation"
)

// InvalidArg is the value sent in place of an argument whose text is not
// valid JSON, so the gateway can reject it uniformly.
const InvalidArg = "invalid json!"

// Draft is the not-yet-submitted input at head.
type Draft struct {
	Code string
	Args []generation.Arg
}

// DraftPatch is a shallow update: nil fields are left alone.
type DraftPatch struct {
	Code *string
	Args []generation.Arg
}

// ArgMarker flags one draft argument for display.
type ArgMarker struct {
	Index     int
	Name      string
	ValidJSON bool
}

func (d Draft) clone() Draft {
	return Draft{Code: d.Code, Args: append([]generation.Arg(nil), d.Args...)}
}

func (d Draft) apply(p DraftPatch) Draft {
	if p.Code != nil {
		d.Code = *p.Code
	}
	if p.Args != nil {
		d.Args = append([]generation.Arg(nil), p.Args...)
	}
	return d
}

// Markers reports per-argument validity. Names are not checked.
func (d Draft) Markers() []ArgMarker {
	markers := make([]ArgMarker, len(d.Args))
	for i, a := range d.Args {
		markers[i] = ArgMarker{Index: i, Name: a.Name, ValidJSON: json.Valid([]byte(a.Value))}
	}
	return markers
}

// Resolve turns the draft's arguments into JSON values. Later arguments
// win on duplicate names.
func (d Draft) Resolve() map[string]json.RawMessage {
	invalid, _ := json.Marshal(InvalidArg)
	args := make(map[string]json.RawMessage, len(d.Args))
	for _, a := range d.Args {
		if !json.Valid([]byte(a.Value)) {
			args[a.Name] = invalid
			continue
		}
		args[a.Name] = json.RawMessage(a.Value)
	}
	return args
}
