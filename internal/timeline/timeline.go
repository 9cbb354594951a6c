// Package timeline keeps the per-room message history shown to the user. It
// merges optimistic local sends with broadcasts from the hub so that a message
// the user wrote appears exactly once.
package timeline

import (
	"sync"
	"time"

	"go-chat-client/internal/credential"

	"github.com/google/uuid"
)

type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Failed  Status = "failed"
)

type Message struct {
	ID                string
	Body              string
	CreatedAt         time.Time
	Author            string
	RoomID            string
	LocallyOriginated bool
	Status            Status
}

// IdentitySource reports who is signed in. A nil identity means nobody.
type IdentitySource interface {
	Identity() *credential.Identity
}

// Reconciler holds one append-only timeline per room. All methods are safe
// for concurrent use.
type Reconciler struct {
	identity IdentitySource
	now      func() time.Time

	mu    sync.Mutex
	rooms map[string][]Message
}

func NewReconciler(identity IdentitySource) *Reconciler {
	return &Reconciler{
		identity: identity,
		now:      time.Now,
		rooms:    make(map[string][]Message),
	}
}

// RecordLocalSend appends a message the user just typed. It starts out
// Pending until the hub accepts it.
func (r *Reconciler) RecordLocalSend(identity credential.Identity, roomID, body string) Message {
	msg := Message{
		ID:                uuid.NewString(),
		Body:              body,
		CreatedAt:         r.now(),
		Author:            identity.Username,
		RoomID:            roomID,
		LocallyOriginated: true,
		Status:            Pending,
	}
	r.mu.Lock()
	r.rooms[roomID] = append(r.rooms[roomID], msg)
	r.mu.Unlock()
	return msg
}

// RecordInbound appends a broadcast from the hub. Broadcasts authored by the
// current user are echoes of a local send and are dropped; the second return
// value reports whether the message was appended.
//
// Echoes are matched by username only, so the same account signed in twice
// sees the other session's messages as its own and drops them.
func (r *Reconciler) RecordInbound(author, body, roomID string) (Message, bool) {
	if id := r.identity.Identity(); id != nil && id.Username == author {
		return Message{}, false
	}
	msg := Message{
		ID:        uuid.NewString(),
		Body:      body,
		CreatedAt: r.now(),
		Author:    author,
		RoomID:    roomID,
		Status:    Sent,
	}
	r.mu.Lock()
	r.rooms[roomID] = append(r.rooms[roomID], msg)
	r.mu.Unlock()
	return msg, true
}

func (r *Reconciler) MarkSent(roomID, id string) (Message, bool) {
	return r.setStatus(roomID, id, Sent, nil)
}

func (r *Reconciler) MarkFailed(roomID, id string) (Message, bool) {
	return r.setStatus(roomID, id, Failed, nil)
}

// MarkPendingIfFailed moves a failed local message back to Pending and reports
// whether it did. Only one caller wins for a given failure, so a retry is
// never delivered twice. The returned message is the current one either way.
func (r *Reconciler) MarkPendingIfFailed(roomID, id string) (Message, bool) {
	failed := Failed
	return r.setStatus(roomID, id, Pending, &failed)
}

// setStatus changes the status of a local message in place, when from is nil
// or matches the current status. Inbound messages are immutable.
func (r *Reconciler) setStatus(roomID, id string, status Status, from *Status) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.rooms[roomID]
	for i := range msgs {
		if msgs[i].ID == id {
			if !msgs[i].LocallyOriginated || (from != nil && msgs[i].Status != *from) {
				return msgs[i], false
			}
			msgs[i].Status = status
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Get finds a message by id.
func (r *Reconciler) Get(roomID, id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms[roomID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the room's timeline in append order.
func (r *Reconciler) Messages(roomID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.rooms[roomID]...)
}
