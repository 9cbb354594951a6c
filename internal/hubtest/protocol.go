package hubtest

import (
	"bytes"
	"encoding/json"
)

const recordSeparator = 0x1e

const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

type message struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type outbound struct {
	Type           int    `json:"type"`
	InvocationID   string `json:"invocationId,omitempty"`
	Target         string `json:"target,omitempty"`
	Arguments      []any  `json:"arguments,omitempty"`
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

func frame(v any) []byte {
	data, _ := json.Marshal(v)
	return append(data, recordSeparator)
}

func frames(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// stringArgs decodes every argument that is a JSON string; others become "".
func stringArgs(raw []json.RawMessage) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		_ = json.Unmarshal(r, &out[i])
	}
	return out
}
