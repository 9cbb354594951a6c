package realtime

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the hub connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrSendFailed       = errors.New("send failed")
	ErrAlreadyConnected = errors.New("connection already started")

	errConnectionLost = fmt.Errorf("%w: connection lost", ErrNotConnected)
)

// HubError is an error the hub reported in reply to an invocation.
type HubError struct {
	Target  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub rejected %s: %s", e.Target, e.Message)
}
