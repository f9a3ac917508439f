package protocol

import (
	"encoding/json"
	"fmt"
)

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
	VerdictBlock Verdict = "block"
)

func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case VerdictAllow, VerdictDeny, VerdictAsk, VerdictBlock:
		return v, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Decision is the single reply object written back to a waiting hook client.
type Decision struct {
	Decision     Verdict        `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

// Options are the optional parts of a decision.
type Options struct {
	Reason       string
	UpdatedInput map[string]any
	Interrupt    bool
}

func NewDecision(v Verdict, opts Options) Decision {
	return Decision{
		Decision:     v,
		Reason:       opts.Reason,
		UpdatedInput: opts.UpdatedInput,
		Interrupt:    opts.Interrupt,
	}
}

func (d Decision) Encode() ([]byte, error) {
	return json.Marshal(d)
}
