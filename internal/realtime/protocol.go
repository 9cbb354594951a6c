package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Hub methods and events of the messaging backend.
const (
	MethodJoinChat          = "JoinChat"
	MethodLeaveChat         = "LeaveChat"
	MethodSendMessageToRoom = "SendMessageToRoom"
	EventReceiveMessage     = "ReceiveMessage"
)

// recordSeparator terminates every JSON hub protocol message.
const recordSeparator = 0x1e

type messageType int

const (
	typeInvocation   messageType = 1
	typeStreamItem   messageType = 2
	typeCompletion   messageType = 3
	typeStreamInvoke messageType = 4
	typeCancelInvoke messageType = 5
	typePing         messageType = 6
	typeClose        messageType = 7
)

// hubMessage is the union of the message shapes the client reads.
type hubMessage struct {
	Type           messageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type invocationMessage struct {
	Type         messageType `json:"type"`
	InvocationID string      `json:"invocationId,omitempty"`
	Target       string      `json:"target"`
	Arguments    []any       `json:"arguments"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

var (
	pingFrame      = mustEncode(struct{ Type messageType `json:"type"` }{typePing})
	handshakeFrame = mustEncode(handshakeRequest{Protocol: "json", Version: 1})
)

func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

func mustEncode(v any) []byte {
	data, err := encodeFrame(v)
	if err != nil {
		panic(err)
	}
	return data
}

// splitFrames splits a websocket payload into individual hub messages. One
// payload may carry several messages.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			frames = append(frames, part)
		}
	}
	return frames
}

func decodeMessage(frame []byte) (hubMessage, error) {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return hubMessage{}, fmt.Errorf("decode hub message: %w", err)
	}
	if msg.Type == 0 {
		return hubMessage{}, errors.New("decode hub message: missing type")
	}
	return msg, nil
}

// parseHandshake checks the first payload of a connection and returns any hub
// messages that arrived behind the handshake response.
func parseHandshake(data []byte) ([][]byte, error) {
	frames := splitFrames(data)
	if len(frames) == 0 {
		return nil, errors.New("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return frames[1:], nil
}

// stringArgs decodes the first n arguments of an invocation as strings.
func stringArgs(msg hubMessage, n int) ([]string, error) {
	if len(msg.Arguments) < n {
		return nil, fmt.Errorf("%s: want %d arguments, got %d", msg.Target, n, len(msg.Arguments))
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if err := json.Unmarshal(msg.Arguments[i], &out[i]); err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", msg.Target, i, err)
		}
	}
	return out, nil
}
