package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the hub.
	maxMessageSize = 64 * 1024        // Maximum payload accepted from the hub.
	sendBuffer     = 64
)

// hubConn is one live websocket to the hub. It is never reused: a reconnect
// builds a new hubConn.
type hubConn struct {
	ws            *websocket.Conn
	send          chan []byte
	done          chan struct{}
	log           *zap.Logger
	keepAlive     time.Duration
	serverTimeout time.Duration

	closeOnce      sync.Once
	allowReconnect bool
	cause          error

	mu      sync.Mutex
	pending map[string]chan hubMessage
}

func newHubConn(ws *websocket.Conn, keepAlive, serverTimeout time.Duration, log *zap.Logger) *hubConn {
	return &hubConn{
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		log:           log,
		keepAlive:     keepAlive,
		serverTimeout: serverTimeout,
		pending:       make(map[string]chan hubMessage),
	}
}

// shutdown ends the connection once. allowReconnect tells the manager whether
// the loss should trigger the reconnect schedule.
func (c *hubConn) shutdown(cause error, allowReconnect bool) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.allowReconnect = allowReconnect
		close(c.done)
		c.ws.Close()
	})
}

// close is the client-initiated end of the connection.
func (c *hubConn) close() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.shutdown(nil, false)
}

// readPump pumps messages from the websocket to the manager. It returns when
// the connection is gone for any reason.
func (c *hubConn) readPump(initial [][]byte, onInvocation func(hubMessage)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
		return nil
	})

	for _, frame := range initial {
		if !c.dispatch(frame, onInvocation) {
			return
		}
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("hub connection lost", zap.Error(err))
			}
			c.shutdown(err, true)
			return
		}
		// Any traffic from the hub proves it is alive.
		c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))

		for _, frame := range splitFrames(data) {
			if !c.dispatch(frame, onInvocation) {
				return
			}
		}
	}
}

// dispatch handles one hub message and reports whether reading should go on.
func (c *hubConn) dispatch(frame []byte, onInvocation func(hubMessage)) bool {
	msg, err := decodeMessage(frame)
	if err != nil {
		c.log.Warn("dropping undecodable hub message", zap.Error(err))
		return true
	}

	switch msg.Type {
	case typeInvocation:
		onInvocation(msg)
	case typeCompletion:
		c.mu.Lock()
		ch := c.pending[msg.InvocationID]
		c.mu.Unlock()
		if ch == nil {
			c.log.Debug("completion for unknown invocation", zap.String("invocation_id", msg.InvocationID))
			return true
		}
		select {
		case ch <- msg:
		default:
		}
	case typePing:
	case typeClose:
		if msg.Error != "" {
			c.log.Warn("hub closed the connection", zap.String("error", msg.Error),
				zap.Bool("allow_reconnect", msg.AllowReconnect))
		}
		c.shutdown(&HubError{Target: "close", Message: msg.Error}, msg.AllowReconnect)
		return false
	default:
		c.log.Debug("ignoring unsupported hub message", zap.Int("type", int(msg.Type)))
	}
	return true
}

// writePump pumps queued frames to the websocket and keeps the connection
// alive with protocol pings.
func (c *hubConn) writePump() {
	ticker := time.NewTicker(c.keepAlive)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown(err, true)
				return
			}
			w.Write(frame)

			// Frames are self-delimiting, so queued ones share one websocket
			// message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.shutdown(err, true)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				c.shutdown(err, true)
				return
			}
		}
	}
}

// invoke sends an invocation and waits for the hub's completion.
func (c *hubConn) invoke(ctx context.Context, id, target string, args []any) error {
	frame, err := encodeFrame(invocationMessage{
		Type:         typeInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    args,
	})
	if err != nil {
		return err
	}

	result := make(chan hubMessage, 1)
	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- frame:
	case <-c.done:
		return errConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case msg := <-result:
		if msg.Error != "" {
			return &HubError{Target: target, Message: msg.Error}
		}
		return nil
	case <-c.done:
		return errConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}
