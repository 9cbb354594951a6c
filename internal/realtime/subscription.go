package realtime

import (
	"sync"
	"time"
)

const (
	messageBuffer = 256
	stateBuffer   = 16
)

// Inbound is one ReceiveMessage event from the hub.
type Inbound struct {
	Author     string
	Body       string
	ReceivedAt time.Time
}

// Subscription receives inbound messages and state changes until
// Unsubscribe is called. Channels are never closed; use Done to stop reading.
type Subscription struct {
	m        *Manager
	messages chan Inbound
	states   chan State
	done     chan struct{}
	once     sync.Once
}

// Messages delivers inbound messages in arrival order.
func (s *Subscription) Messages() <-chan Inbound { return s.messages }

// States delivers state transitions. A slow reader may miss intermediate
// states but always sees the most recent one.
func (s *Subscription) States() <-chan State { return s.states }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe detaches the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.removeSubscription(s)
		close(s.done)
	})
}

// pushState never blocks: when the buffer is full the oldest state is
// dropped.
func (s *Subscription) pushState(st State) {
	select {
	case s.states <- st:
		return
	default:
	}
	select {
	case <-s.states:
	default:
	}
	select {
	case s.states <- st:
	default:
	}
}
