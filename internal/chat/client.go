// Package chat ties the signed-in session to the hub connection, the message
// timelines and the room list.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go-chat-client/internal/credential"
	"go-chat-client/internal/logging"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/timeline"

	"go.uber.org/zap"
)

var (
	ErrNoSession      = errors.New("no signed-in user")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnknownMessage = errors.New("unknown message")
)

// Hub is the part of realtime.Manager the client drives.
type Hub interface {
	Connect(ctx context.Context) error
	Stop()
	State() realtime.State
	Subscribe() *realtime.Subscription
	JoinRoom(ctx context.Context, identity credential.Identity, roomName string) error
	LeaveRoom(ctx context.Context, identity credential.Identity, roomName string) error
	SendMessage(ctx context.Context, identity credential.Identity, body, roomName string) error
}

// Archive persists timeline messages. Save is called again whenever the
// status of a message changes.
type Archive interface {
	Save(ctx context.Context, msg timeline.Message) error
}

type Options struct {
	Identity timeline.IdentitySource
	Hub      Hub
	Timeline *timeline.Reconciler
	Rooms    *rooms.Directory
	// Archive is optional.
	Archive Archive
	Logger  *zap.Logger

	// OnMessage is called from the listener for every inbound message that
	// was added to a timeline.
	OnMessage func(timeline.Message)
	// OnState is called from the listener for every connection state seen.
	OnState func(realtime.State)
}

type Client struct {
	identity timeline.IdentitySource
	hub      Hub
	timeline *timeline.Reconciler
	rooms    *rooms.Directory
	archive  Archive
	log      *zap.Logger

	onMessage func(timeline.Message)
	onState   func(realtime.State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sub       *realtime.Subscription
	closeOnce sync.Once
}

func New(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		identity:  opts.Identity,
		hub:       opts.Hub,
		timeline:  opts.Timeline,
		rooms:     opts.Rooms,
		archive:   opts.Archive,
		log:       logging.OrNop(opts.Logger).Named("chat"),
		onMessage: opts.OnMessage,
		onState:   opts.OnState,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start connects to the hub, joins the active room and starts listening for
// inbound messages. A failed join is logged and does not fail Start.
//
// Start may be called again once the connection is Disconnected, for example
// after the reconnect schedule gave up; the previous listener is stopped
// first. While connected it returns realtime.ErrAlreadyConnected.
func (c *Client) Start(ctx context.Context) error {
	id := c.identity.Identity()
	if id == nil {
		return ErrNoSession
	}
	if c.hub.State() != realtime.Disconnected {
		return realtime.ErrAlreadyConnected
	}
	c.stopListener()

	sub := c.hub.Subscribe()
	if err := c.hub.Connect(ctx); err != nil {
		sub.Unsubscribe()
		return err
	}

	room := c.rooms.Active()
	if err := c.hub.JoinRoom(ctx, *id, room.Name); err != nil {
		c.log.Warn("joining room failed", zap.String("room", room.Name), zap.Error(err))
	} else {
		c.log.Info("joined room", zap.String("room", room.Name), zap.String("user", id.Username))
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go c.listen(sub)
	return nil
}

// stopListener detaches the current subscription and waits for the listener
// and any rejoin it started.
func (c *Client) stopListener() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	c.wg.Wait()
}

func (c *Client) listen(sub *realtime.Subscription) {
	defer c.wg.Done()

	var prev realtime.State
	for {
		select {
		case in := <-sub.Messages():
			c.receive(in)

		case st := <-sub.States():
			if prev == realtime.Reconnecting && st == realtime.Connected {
				// The join completion arrives on the same connection that
				// feeds sub, so the listener must keep draining meanwhile.
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.rejoin()
				}()
			}
			prev = st
			if c.onState != nil {
				c.onState(st)
			}

		case <-sub.Done():
			return
		}
	}
}

// rejoin restores the room membership a new connection does not carry over.
func (c *Client) rejoin() {
	id := c.identity.Identity()
	if id == nil {
		return
	}
	room := c.rooms.Active()
	if err := c.hub.JoinRoom(c.ctx, *id, room.Name); err != nil {
		c.log.Warn("rejoining room after reconnect failed", zap.String("room", room.Name), zap.Error(err))
		return
	}
	c.log.Info("rejoined room after reconnect", zap.String("room", room.Name))
}

// receive files an inbound message under the active room.
func (c *Client) receive(in realtime.Inbound) {
	room := c.rooms.Active()
	msg, added := c.timeline.RecordInbound(in.Author, in.Body, room.ID)
	if !added {
		return
	}
	_ = c.rooms.Touch(room.ID, msg.Body, msg.CreatedAt)
	c.save(msg)
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// Send appends body to the active room's timeline and hands it to the hub.
// The message stays in the timeline when delivery fails; it is marked Failed
// and can be retried with Resend.
func (c *Client) Send(ctx context.Context, body string) (timeline.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return timeline.Message{}, ErrEmptyMessage
	}
	id := c.identity.Identity()
	if id == nil {
		return timeline.Message{}, ErrNoSession
	}

	room := c.rooms.Active()
	msg := c.timeline.RecordLocalSend(*id, room.ID, body)
	_ = c.rooms.Touch(room.ID, body, msg.CreatedAt)
	return c.deliver(ctx, *id, room, msg)
}

// Resend retries a failed message of the active room in place.
func (c *Client) Resend(ctx context.Context, messageID string) (timeline.Message, error) {
	id := c.identity.Identity()
	if id == nil {
		return timeline.Message{}, ErrNoSession
	}
	room := c.rooms.Active()
	msg, ok := c.timeline.Get(room.ID, messageID)
	if !ok || !msg.LocallyOriginated {
		return timeline.Message{}, ErrUnknownMessage
	}
	msg, retry := c.timeline.MarkPendingIfFailed(room.ID, messageID)
	if !retry {
		return msg, nil
	}
	return c.deliver(ctx, *id, room, msg)
}

func (c *Client) deliver(ctx context.Context, id credential.Identity, room rooms.Room, msg timeline.Message) (timeline.Message, error) {
	if err := c.hub.SendMessage(ctx, id, msg.Body, room.Name); err != nil {
		c.log.Warn("sending message failed", zap.String("room", room.Name), zap.String("message_id", msg.ID), zap.Error(err))
		msg, _ = c.timeline.MarkFailed(room.ID, msg.ID)
		c.save(msg)
		return msg, err
	}
	msg, _ = c.timeline.MarkSent(room.ID, msg.ID)
	c.save(msg)
	return msg, nil
}

// SelectRoom makes roomID the active room, moving the hub membership along.
func (c *Client) SelectRoom(ctx context.Context, roomID string) error {
	return c.rooms.Select(ctx, roomID, c)
}

// Switch leaves from and joins to. The join is attempted even when the leave
// fails; both failures are logged and returned together.
func (c *Client) Switch(ctx context.Context, from, to rooms.Room) error {
	id := c.identity.Identity()
	if id == nil {
		return nil
	}

	var leaveErr, joinErr error
	if from.Name != "" {
		if leaveErr = c.hub.LeaveRoom(ctx, *id, from.Name); leaveErr != nil {
			c.log.Warn("leaving room failed", zap.String("room", from.Name), zap.Error(leaveErr))
		}
	}
	if joinErr = c.hub.JoinRoom(ctx, *id, to.Name); joinErr != nil {
		c.log.Warn("joining room failed", zap.String("room", to.Name), zap.Error(joinErr))
	} else {
		c.log.Info("switched room", zap.String("from", from.Name), zap.String("to", to.Name))
	}
	return errors.Join(leaveErr, joinErr)
}

// Messages returns the active room's timeline.
func (c *Client) Messages() []timeline.Message {
	return c.timeline.Messages(c.rooms.Active().ID)
}

func (c *Client) ActiveRoom() rooms.Room { return c.rooms.Active() }

func (c *Client) State() realtime.State { return c.hub.State() }

// Close stops listening and disconnects. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.stopListener()
		c.hub.Stop()
	})
}

func (c *Client) save(msg timeline.Message) {
	if c.archive == nil {
		return
	}
	if err := c.archive.Save(c.ctx, msg); err != nil {
		c.log.Warn("archiving message failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
