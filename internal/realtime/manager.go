// Package realtime manages the persistent connection to the messaging hub:
// connect, join and leave rooms, send messages, receive broadcasts, and
// reconnect after transport drops.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-client/internal/credential"
	"go-chat-client/internal/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultReconnectDelays is the hub transport's default retry schedule: retry
// immediately, then after 2, 10 and 30 seconds, then give up.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
)

type Options struct {
	// HubURL is the http(s) URL of the hub, e.g. http://localhost:7027/chathub.
	HubURL string
	// AccessToken, when set, supplies the bearer credential for each
	// connection attempt.
	AccessToken     func() string
	SkipNegotiation bool

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// ReconnectDelays is the wait before each reconnect attempt. Nil means
	// DefaultReconnectDelays; an empty slice disables reconnecting.
	ReconnectDelays   []time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	HandshakeTimeout  time.Duration

	Logger *zap.Logger
}

// Manager owns the single hub connection of a session.
type Manager struct {
	opts Options
	log  *zap.Logger

	invocationID atomic.Uint64
	wg           sync.WaitGroup

	mu     sync.Mutex
	state  State
	conn   *hubConn
	ctx    context.Context // lives from Connect until Stop or give-up
	cancel context.CancelFunc
	subs   map[*Subscription]struct{}
}

func NewManager(opts Options) *Manager {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	if opts.ReconnectDelays == nil {
		opts.ReconnectDelays = DefaultReconnectDelays
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = DefaultServerTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Manager{
		opts: opts,
		log:  logging.OrNop(opts.Logger).Named("realtime"),
		subs: make(map[*Subscription]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the hub connection. It is only valid while Disconnected; on
// failure the manager stays Disconnected and the caller may retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	life := m.ctx
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	hc, initial, err := m.dial(dialCtx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if life.Err() != nil {
		// Stopped while dialing; Stop already reported Disconnected.
		if hc != nil {
			hc.close()
		}
		return fmt.Errorf("%w: stopped", ErrConnectionFailed)
	}
	if err != nil {
		m.log.Warn("connection to hub failed", zap.String("hub", m.opts.HubURL), zap.Error(err))
		m.cancel()
		m.setStateLocked(Disconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	m.attachLocked(hc, initial)
	m.log.Info("connected to hub", zap.String("hub", m.opts.HubURL))
	return nil
}

// Stop closes the connection and cancels any reconnect in progress. The
// manager can be connected again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	hc := m.conn
	m.conn = nil
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()

	if hc != nil {
		hc.close()
	}
	m.wg.Wait()
}

// JoinRoom tells the hub the user joined roomName. Joining twice is not an
// error from the caller's point of view; the manager does not deduplicate.
func (m *Manager) JoinRoom(ctx context.Context, identity credential.Identity, roomName string) error {
	return m.invoke(ctx, MethodJoinChat, identity.Username, roomName)
}

// LeaveRoom tells the hub the user left roomName.
func (m *Manager) LeaveRoom(ctx context.Context, identity credential.Identity, roomName string) error {
	return m.invoke(ctx, MethodLeaveChat, identity.Username, roomName)
}

// SendMessage asks the hub to broadcast body to roomName. The hub echoes it
// back to the sender as well.
func (m *Manager) SendMessage(ctx context.Context, identity credential.Identity, body, roomName string) error {
	err := m.invoke(ctx, MethodSendMessageToRoom, identity.Username, body, roomName)
	// The bare sentinel means nothing reached the transport.
	if err == nil || err == ErrNotConnected {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}

// Subscribe registers a listener for inbound messages and state changes.
func (m *Manager) Subscribe() *Subscription {
	s := &Subscription{
		m:        m,
		messages: make(chan Inbound, messageBuffer),
		states:   make(chan State, stateBuffer),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

func (m *Manager) removeSubscription(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

func (m *Manager) invoke(ctx context.Context, target string, args ...any) error {
	m.mu.Lock()
	hc, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || hc == nil {
		return ErrNotConnected
	}

	id := strconv.FormatUint(m.invocationID.Add(1), 10)
	m.log.Debug("invoking hub method", zap.String("target", target), zap.String("invocation_id", id))
	if err := hc.invoke(ctx, id, target, args); err != nil {
		m.log.Debug("hub invocation failed", zap.String("target", target), zap.Error(err))
		return err
	}
	return nil
}

// attachLocked makes hc the live connection and starts its pumps.
func (m *Manager) attachLocked(hc *hubConn, initial [][]byte) {
	m.conn = hc
	m.setStateLocked(Connected)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		hc.writePump()
	}()
	go func() {
		defer m.wg.Done()
		hc.readPump(initial, func(msg hubMessage) { m.handleInvocation(hc, msg) })
		m.connectionLost(hc)
	}()
}

func (m *Manager) handleInvocation(hc *hubConn, msg hubMessage) {
	if msg.Target != EventReceiveMessage {
		m.log.Debug("no handler for hub invocation", zap.String("target", msg.Target))
		return
	}
	args, err := stringArgs(msg, 2)
	if err != nil {
		m.log.Warn("malformed inbound message", zap.Error(err))
		return
	}
	in := Inbound{Author: args[0], Body: args[1], ReceivedAt: time.Now()}

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.messages <- in:
		case <-s.done:
		case <-hc.done:
			return
		}
	}
}

// connectionLost runs after the read pump of hc has exited.
func (m *Manager) connectionLost(hc *hubConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != hc {
		// Stopped, or already replaced.
		return
	}
	m.conn = nil

	if !hc.allowReconnect || len(m.opts.ReconnectDelays) == 0 {
		m.log.Warn("hub connection closed", zap.Error(hc.cause))
		m.cancel()
		m.setStateLocked(Disconnected)
		return
	}
	m.log.Warn("hub connection dropped, reconnecting", zap.Error(hc.cause))
	m.setStateLocked(Reconnecting)
	m.wg.Add(1)
	go m.reconnect(m.ctx)
}

func (m *Manager) reconnect(life context.Context) {
	defer m.wg.Done()

	for attempt, delay := range m.opts.ReconnectDelays {
		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		hc, initial, err := m.dial(life)

		m.mu.Lock()
		if life.Err() != nil {
			m.mu.Unlock()
			if hc != nil {
				hc.close()
			}
			return
		}
		if err != nil {
			m.mu.Unlock()
			m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		m.attachLocked(hc, initial)
		m.mu.Unlock()
		m.log.Info("reconnected to hub", zap.Int("attempt", attempt+1))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if life.Err() == nil {
		m.log.Error("giving up on hub connection", zap.Int("attempts", len(m.opts.ReconnectDelays)))
		m.cancel()
		m.setStateLocked(Disconnected)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("connection state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	for sub := range m.subs {
		sub.pushState(s)
	}
}
