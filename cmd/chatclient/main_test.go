package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-chat-client/internal/hubtest"
	"go-chat-client/internal/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCLI(t *testing.T) (*hubtest.Server, func(stdin string, args ...string) (string, error)) {
	t.Helper()
	srv := hubtest.NewServer(hubtest.Options{RequireAuth: true})
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("CHAT_API_URL", srv.AuthURL())
	t.Setenv("CHAT_HUB_URL", srv.HubURL())
	t.Setenv("CHAT_CREDENTIAL_STORE", "file")
	t.Setenv("CHAT_CREDENTIAL_PATH", filepath.Join(dir, "credentials.json"))
	t.Setenv("CHAT_ARCHIVE_DSN", "")
	t.Setenv("CHAT_LOG_LEVEL", "error")

	run := func(stdin string, args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetIn(strings.NewReader(stdin))
		rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "config.yaml")}, args...))
		err := rootCmd.ExecuteContext(context.Background())
		return out.String(), err
	}
	return srv, run
}

func TestRegisterLoginWhoamiLogout(t *testing.T) {
	_, run := setupCLI(t)

	out, err := run("", "register", "--username", "alice", "--email", "alice@example.com",
		"--password", "secret1", "--confirm-password", "secret1")
	require.NoError(t, err)
	assert.Contains(t, out, "Account created")

	out, err = run("", "login", "--email", "alice@example.com", "--password", "secret1")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as alice")

	out, err = run("", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "alice <alice@example.com>")
	assert.Contains(t, out, "Credential file: ")
	assert.Contains(t, out, "credentials.json")

	_, err = run("", "logout")
	require.NoError(t, err)
	out, err = run("", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in")
}

func TestLoginWithWrongPassword(t *testing.T) {
	srv, run := setupCLI(t)
	require.NoError(t, srv.Accounts.Register("bob", "bob@example.com", "hunter22"))

	_, err := run("", "login", "--email", "bob@example.com", "--password", "wrong-one")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestRegisterPasswordPrompt(t *testing.T) {
	_, run := setupCLI(t)

	_, err := run("secret1\nsecret2\n", "register", "--username", "carol", "--email", "carol@example.com",
		"--password", "", "--confirm-password", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passwords do not match")
}

func TestRoomsFilter(t *testing.T) {
	_, run := setupCLI(t)

	out, err := run("", "rooms", "team")
	require.NoError(t, err)
	assert.Contains(t, out, "Team Project")
	assert.Contains(t, out, "Design Team")
	assert.NotContains(t, out, "General Chat")
	assert.Contains(t, out, "2 conversations")
}

func TestChatSendsTypedLines(t *testing.T) {
	srv, run := setupCLI(t)
	require.NoError(t, srv.Accounts.Register("dave", "dave@example.com", "secret1"))
	_, err := run("", "login", "--email", "dave@example.com", "--password", "secret1")
	require.NoError(t, err)

	out, err := run("hello there\n/join 3\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "Joined General Chat as dave")
	assert.Contains(t, out, "-- Team Project (4 members) --")

	sends := srv.Hub.CallsTo("SendMessageToRoom")
	require.Len(t, sends, 1)
	assert.Equal(t, []string{"dave", "hello there", "General Chat"}, sends[0].Args)
	assert.Equal(t, "dave", sends[0].User)

	var order []string
	for _, c := range srv.Hub.Calls() {
		if c.Target == "JoinChat" || c.Target == "LeaveChat" {
			order = append(order, c.Target+" "+c.Args[1])
		}
	}
	assert.Equal(t, []string{"JoinChat General Chat", "LeaveChat General Chat", "JoinChat Team Project"}, order)
}

func TestChatRequiresLogin(t *testing.T) {
	_, run := setupCLI(t)
	_, _ = run("", "logout")

	_, err := run("", "chat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed in")
}

func TestPrintRooms(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	printRooms(&buf, rooms.DefaultRooms(now)[:1], "1", now)
	assert.Contains(t, buf.String(), "* 1")
	assert.Contains(t, buf.String(), "1 conversation\n")

	buf.Reset()
	printRooms(&buf, nil, "1", now)
	assert.Equal(t, "No conversations found\n", buf.String())
}

func TestChatReconnectWhileConnected(t *testing.T) {
	srv, run := setupCLI(t)
	require.NoError(t, srv.Accounts.Register("erin", "erin@example.com", "secret1"))
	_, err := run("", "login", "--email", "erin@example.com", "--password", "secret1")
	require.NoError(t, err)

	out, err := run("/reconnect\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "already connected")
	assert.Len(t, srv.Hub.CallsTo("JoinChat"), 1)
}

func TestConfigShowAndWrite(t *testing.T) {
	srv, run := setupCLI(t)

	out, err := run("", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "hub_url: "+srv.HubURL())

	out, err = run("", "config", "--write")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration written to")

	path := strings.TrimSpace(strings.TrimPrefix(out, "Configuration written to"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hub_url: "+srv.HubURL())

	_, err = run("", "config", "--write=false")
	require.NoError(t, err)
}
