package hubtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one hub connection on the server side.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	user string

	pingInterval  time.Duration
	clientTimeout time.Duration
}

// handshake reads the protocol request and answers it before the pumps start.
func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(c.clientTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	var req struct {
		Protocol string `json:"protocol"`
		Version  int    `json:"version"`
	}
	parts := frames(data)
	if len(parts) == 0 || json.Unmarshal(parts[0], &req) != nil {
		return errors.New("malformed handshake")
	}

	resp := frame(struct{}{})
	if req.Protocol != "json" || req.Version != 1 {
		resp = frame(struct {
			Error string `json:"error"`
		}{"The protocol '" + req.Protocol + "' is not supported."})
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, resp); err != nil {
		return err
	}
	if req.Protocol != "json" || req.Version != 1 {
		return errors.New("unsupported protocol " + req.Protocol)
	}
	return nil
}

// readPump pumps invocations from the websocket to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.clientTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client connection lost", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.clientTimeout))

		for _, part := range frames(data) {
			var msg message
			if err := json.Unmarshal(part, &msg); err != nil {
				c.hub.log.Debug("undecodable client message", zap.Error(err))
				continue
			}
			switch msg.Type {
			case typeInvocation:
				select {
				case c.hub.incoming <- request{client: c, msg: msg}:
				case <-c.hub.done:
					return
				}
			case typeClose:
				return
			}
		}
	}
}

// writePump pumps frames from the hub to the websocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	ping := frame(outbound{Type: typePing})
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}
