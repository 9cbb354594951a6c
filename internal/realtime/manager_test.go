package realtime_test

import (
	"context"
	"testing"
	"time"

	"go-chat-client/internal/credential"
	"go-chat-client/internal/hubtest"
	"go-chat-client/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

var alice = credential.Identity{ID: "1", Username: "alice", Email: "alice@example.com"}

const room = "General Chat"

func newServer(t *testing.T, opts hubtest.Options) *hubtest.Server {
	t.Helper()
	srv := hubtest.NewServer(opts)
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, srv *hubtest.Server, opts realtime.Options) *realtime.Manager {
	t.Helper()
	opts.HubURL = srv.HubURL()
	opts.HTTPClient = srv.Client()
	opts.Logger = zaptest.NewLogger(t)
	m := realtime.NewManager(opts)
	t.Cleanup(m.Stop)
	return m
}

func waitForState(t *testing.T, sub *realtime.Subscription, want realtime.State) []realtime.State {
	t.Helper()
	var seen []realtime.State
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-sub.States():
			seen = append(seen, s)
			if s == want {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, saw %v", want, seen)
		}
	}
}

func receive(t *testing.T, sub *realtime.Subscription) realtime.Inbound {
	t.Helper()
	select {
	case in := <-sub.Messages():
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return realtime.Inbound{}
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	srv.SetAvailable(false)
	m := newManager(t, srv, realtime.Options{})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, realtime.ErrConnectionFailed)
	assert.Equal(t, realtime.Disconnected, m.State())

	// A failed attempt can be retried.
	srv.SetAvailable(true)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, realtime.Connected, m.State())
}

func TestConnectTwice(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{})

	require.NoError(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.Connect(context.Background()), realtime.ErrAlreadyConnected)
}

func TestOperationsFailFastWhenDisconnected(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{})
	ctx := context.Background()

	assert.ErrorIs(t, m.JoinRoom(ctx, alice, room), realtime.ErrNotConnected)
	assert.ErrorIs(t, m.LeaveRoom(ctx, alice, room), realtime.ErrNotConnected)

	err := m.SendMessage(ctx, alice, "hello", room)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.NotErrorIs(t, err, realtime.ErrSendFailed)

	assert.Empty(t, srv.Hub.Calls())
}

func TestJoinSendAndReceive(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{})
	sub := m.Subscribe()
	defer sub.Unsubscribe()
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinRoom(ctx, alice, room))
	assert.Equal(t, 1, srv.Hub.Members(room))

	require.NoError(t, m.SendMessage(ctx, alice, "hello", room))
	in := receive(t, sub)
	assert.Equal(t, "alice", in.Author)
	assert.Equal(t, "hello", in.Body)
	assert.False(t, in.ReceivedAt.IsZero())

	srv.Hub.Broadcast(room, "bob", "hi alice")
	in = receive(t, sub)
	assert.Equal(t, "bob", in.Author)
	assert.Equal(t, "hi alice", in.Body)

	calls := srv.Hub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "JoinChat", calls[0].Target)
	assert.Equal(t, []string{"alice", room}, calls[0].Args)
	assert.Equal(t, "SendMessageToRoom", calls[1].Target)
	assert.Equal(t, []string{"alice", "hello", room}, calls[1].Args)
}

func TestLeaveRoom(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinRoom(ctx, alice, room))
	require.NoError(t, m.LeaveRoom(ctx, alice, room))
	assert.Equal(t, 0, srv.Hub.Members(room))
}

func TestSendRejectedByHub(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	srv.Hub.FailMethod("SendMessageToRoom", "room is read-only")
	m := newManager(t, srv, realtime.Options{})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	err := m.SendMessage(ctx, alice, "hello", room)
	require.ErrorIs(t, err, realtime.ErrSendFailed)

	var hubErr *realtime.HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, "room is read-only", hubErr.Message)
	assert.Equal(t, realtime.Connected, m.State())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{})
	ctx := context.Background()
	sub := m.Subscribe()
	other := m.Subscribe()
	defer other.Unsubscribe()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.JoinRoom(ctx, alice, room))

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}

	srv.Hub.Broadcast(room, "bob", "after")
	assert.Equal(t, "after", receive(t, other).Body)
	assert.Empty(t, sub.Messages())
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{
		ReconnectDelays: []time.Duration{0, 50 * time.Millisecond},
	})
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, sub, realtime.Connected)

	srv.Hub.DropConnections()
	waitForState(t, sub, realtime.Reconnecting)
	waitForState(t, sub, realtime.Connected)

	assert.Equal(t, 2, srv.Negotiations())
	assert.Eventually(t, func() bool { return srv.Hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The new connection is usable.
	require.NoError(t, m.JoinRoom(context.Background(), alice, room))
}

func TestGiveUpAfterSchedule(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{
		ReconnectDelays: []time.Duration{10 * time.Millisecond, 10 * time.Millisecond},
	})
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	srv.SetAvailable(false)
	srv.Hub.DropConnections()

	waitForState(t, sub, realtime.Reconnecting)
	seen := waitForState(t, sub, realtime.Disconnected)
	assert.NotContains(t, seen, realtime.Connected)
	assert.ErrorIs(t, m.SendMessage(context.Background(), alice, "x", room), realtime.ErrNotConnected)
}

func TestServerCloseWithoutReconnect(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{
		ReconnectDelays: []time.Duration{0},
	})
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, sub, realtime.Connected)

	srv.Hub.CloseConnections("server shutting down", false)
	seen := waitForState(t, sub, realtime.Disconnected)
	assert.NotContains(t, seen, realtime.Reconnecting)
	assert.Equal(t, 1, srv.Negotiations())
}

func TestStopCancelsReconnect(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{
		ReconnectDelays: []time.Duration{time.Hour},
	})
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	srv.Hub.DropConnections()
	waitForState(t, sub, realtime.Reconnecting)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the reconnect delay")
	}
	assert.Equal(t, realtime.Disconnected, m.State())
}

func TestServerTimeout(t *testing.T) {
	srv := newServer(t, hubtest.Options{PingInterval: time.Hour})
	m := newManager(t, srv, realtime.Options{
		ServerTimeout:   100 * time.Millisecond,
		ReconnectDelays: []time.Duration{},
	})
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, sub, realtime.Disconnected)
}

func TestKeepAliveHoldsConnection(t *testing.T) {
	srv := newServer(t, hubtest.Options{PingInterval: 20 * time.Millisecond, ClientTimeout: 200 * time.Millisecond})
	m := newManager(t, srv, realtime.Options{
		KeepAliveInterval: 20 * time.Millisecond,
		ServerTimeout:     200 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background()))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, realtime.Connected, m.State())
	assert.Equal(t, 1, srv.Negotiations())
}

func TestAccessToken(t *testing.T) {
	srv := newServer(t, hubtest.Options{RequireAuth: true})
	token, err := srv.Accounts.Issue(alice)
	require.NoError(t, err)

	anonymous := newManager(t, srv, realtime.Options{})
	assert.ErrorIs(t, anonymous.Connect(context.Background()), realtime.ErrConnectionFailed)

	m := newManager(t, srv, realtime.Options{AccessToken: func() string { return token }})
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), alice, room))

	calls := srv.Hub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "alice", calls[0].User)
}

func TestSkipNegotiation(t *testing.T) {
	srv := newServer(t, hubtest.Options{})
	m := newManager(t, srv, realtime.Options{SkipNegotiation: true})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 0, srv.Negotiations())
}
