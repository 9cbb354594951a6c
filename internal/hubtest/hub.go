package hubtest

import (
	"sync"

	"go.uber.org/zap"
)

// Call is one hub method invocation as the server received it.
type Call struct {
	ConnectionID string
	User         string // authenticated username, empty when anonymous
	Target       string
	Args         []string
}

type request struct {
	client *Client
	msg    message
}

// parkedCompletion is a completion held back by HoldMethod.
type parkedCompletion struct {
	client       *Client
	target       string
	invocationID string
}

// Hub keeps the connected clients and their room groups. Only run touches
// clients and groups.
type Hub struct {
	clients map[*Client]bool
	groups  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	incoming   chan request
	ops        chan func()
	parked     []parkedCompletion
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	log *zap.Logger

	mu       sync.Mutex
	calls    []Call
	failures map[string]string
	held     map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan request),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
		failures:   make(map[string]string),
		held:       make(map[string]bool),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}

		case req := <-h.incoming:
			h.handle(req.client, req.msg)

		case op := <-h.ops:
			op()

		case <-h.quit:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// do runs op on the Run goroutine. It reports false once the hub stopped.
func (h *Hub) do(op func()) bool {
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

// Calls returns every invocation received so far, in arrival order.
func (h *Hub) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallsTo filters Calls by target.
func (h *Hub) CallsTo(target string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// FailMethod makes later invocations of target complete with message as the
// error. An empty message clears the failure.
func (h *Hub) FailMethod(target, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if message == "" {
		delete(h.failures, target)
		return
	}
	h.failures[target] = message
}

// HoldMethod applies later invocations of target but withholds their
// completions until ReleaseMethod.
func (h *Hub) HoldMethod(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[target] = true
}

// ReleaseMethod sends the completions withheld for target and stops holding.
func (h *Hub) ReleaseMethod(target string) {
	h.mu.Lock()
	delete(h.held, target)
	h.mu.Unlock()

	h.do(func() {
		keep := h.parked[:0]
		for _, p := range h.parked {
			if p.target == target {
				h.complete(p.client, p.invocationID, "")
				continue
			}
			keep = append(keep, p)
		}
		h.parked = keep
	})
}

// Members returns how many connections are in room.
func (h *Hub) Members(room string) int {
	res := make(chan int, 1)
	if !h.do(func() { res <- len(h.groups[room]) }) {
		return 0
	}
	return <-res
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	res := make(chan int, 1)
	if !h.do(func() { res <- len(h.clients) }) {
		return 0
	}
	return <-res
}

// Broadcast sends a ReceiveMessage event to everyone in room, as if user had
// sent body from another client.
func (h *Hub) Broadcast(room, user, body string) {
	h.do(func() { h.broadcast(room, user, body) })
}

// DropConnections cuts every websocket without a close handshake.
func (h *Hub) DropConnections() {
	h.do(func() {
		for client := range h.clients {
			client.conn.Close()
		}
	})
}

// CloseConnections sends a protocol close message to every client.
func (h *Hub) CloseConnections(reason string, allowReconnect bool) {
	h.do(func() {
		f := frame(outbound{Type: typeClose, Error: reason, AllowReconnect: allowReconnect})
		for client := range h.clients {
			h.enqueue(client, f)
		}
	})
}

func (h *Hub) handle(client *Client, msg message) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	args := stringArgs(msg.Arguments)

	h.mu.Lock()
	h.calls = append(h.calls, Call{ConnectionID: client.id, User: client.user, Target: msg.Target, Args: args})
	failure, fail := h.failures[msg.Target]
	held := h.held[msg.Target]
	h.mu.Unlock()

	h.log.Debug("invocation", zap.String("target", msg.Target), zap.Strings("args", args))
	if fail {
		h.complete(client, msg.InvocationID, failure)
		return
	}

	switch msg.Target {
	case "JoinChat":
		if len(args) < 2 {
			h.complete(client, msg.InvocationID, "JoinChat expects user and room")
			return
		}
		if h.groups[args[1]] == nil {
			h.groups[args[1]] = make(map[*Client]bool)
		}
		h.groups[args[1]][client] = true

	case "LeaveChat":
		if len(args) < 2 {
			h.complete(client, msg.InvocationID, "LeaveChat expects user and room")
			return
		}
		h.leave(client, args[1])

	case "SendMessageToRoom":
		if len(args) < 3 {
			h.complete(client, msg.InvocationID, "SendMessageToRoom expects user, message and room")
			return
		}
		// The sender is in the group and receives its own message.
		h.broadcast(args[2], args[0], args[1])

	default:
		h.complete(client, msg.InvocationID, "Unknown hub method '"+msg.Target+"'")
		return
	}
	if held && msg.InvocationID != "" {
		h.parked = append(h.parked, parkedCompletion{client: client, target: msg.Target, invocationID: msg.InvocationID})
		return
	}
	h.complete(client, msg.InvocationID, "")
}

func (h *Hub) broadcast(room, user, body string) {
	f := frame(outbound{Type: typeInvocation, Target: "ReceiveMessage", Arguments: []any{user, body}})
	for client := range h.groups[room] {
		h.enqueue(client, f)
	}
}

func (h *Hub) complete(client *Client, invocationID, errMsg string) {
	if invocationID == "" {
		return
	}
	h.enqueue(client, frame(outbound{Type: typeCompletion, InvocationID: invocationID, Error: errMsg}))
}

func (h *Hub) enqueue(client *Client, f []byte) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- f:
	default:
		h.remove(client)
	}
}

func (h *Hub) leave(client *Client, room string) {
	members := h.groups[room]
	delete(members, client)
	if len(members) == 0 {
		delete(h.groups, room)
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	for room := range h.groups {
		h.leave(client, room)
	}
	close(client.send)
}
