// Command loadtest drives pairs of simulated users through the whole client
// stack: register, log in, connect to the hub, join a shared room and send
// messages to each other.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-client/internal/auth"
	"go-chat-client/internal/chat"
	"go-chat-client/internal/credential"
	"go-chat-client/internal/logging"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/timeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	apiURL    string
	hubURL    string
	pairs     int
	msgCount  int
	msgDelay  time.Duration
	settle    time.Duration
	logLevel  string
	runPrefix string
)

type stats struct {
	authFailed    atomic.Int64
	connectFailed atomic.Int64
	sent          atomic.Int64
	sendFailed    atomic.Int64
	received      atomic.Int64
}

var rootCmd = &cobra.Command{
	Use:          "loadtest",
	Short:        "Stress the chat backend with simulated user pairs",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logLevel, "console")
		if err != nil {
			return err
		}
		defer log.Sync()

		log.Info("starting load test",
			zap.Int("users", pairs*2), zap.Int("messages_per_user", msgCount), zap.String("hub", hubURL))
		start := time.Now()

		var st stats
		var wg sync.WaitGroup
		for i := 0; i < pairs; i++ {
			wg.Add(1)
			go func(pairID int) {
				defer wg.Done()
				runPair(cmd.Context(), log, &st, pairID)
			}(i)
		}
		wg.Wait()

		log.Info("load test complete",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int64("auth_failed", st.authFailed.Load()),
			zap.Int64("connect_failed", st.connectFailed.Load()),
			zap.Int64("sent", st.sent.Load()),
			zap.Int64("send_failed", st.sendFailed.Load()),
			zap.Int64("received", st.received.Load()),
		)
		if st.authFailed.Load()+st.connectFailed.Load()+st.sendFailed.Load() > 0 {
			return errors.New("load test finished with failures")
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&apiURL, "api", "https://localhost:7027/api/Auth/", "Auth API base URL")
	rootCmd.Flags().StringVar(&hubURL, "hub", "http://localhost:7027/chathub", "Hub URL")
	rootCmd.Flags().IntVar(&pairs, "pairs", 50, "Number of user pairs")
	rootCmd.Flags().IntVar(&msgCount, "messages", 20, "Messages per user")
	rootCmd.Flags().DurationVar(&msgDelay, "delay", 10*time.Millisecond, "Pause between messages of one user")
	rootCmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "Time to wait for the last broadcasts")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.Flags().StringVar(&runPrefix, "prefix", "lt", "Username prefix, change it to start from fresh accounts")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// user is one simulated client with its own session and connection.
type user struct {
	name    string
	session *auth.Session
	client  *chat.Client
}

func runPair(ctx context.Context, log *zap.Logger, st *stats, pairID int) {
	room := rooms.Room{
		ID:             "loadtest",
		Name:           fmt.Sprintf("LoadTest %s %d", runPrefix, pairID),
		ParticipantIDs: []string{"a", "b"},
	}

	var users []*user
	for _, suffix := range []string{"a", "b"} {
		u, err := connect(ctx, log, st, fmt.Sprintf("%s_%d_%s", runPrefix, pairID, suffix), room)
		if err != nil {
			log.Warn("user setup failed", zap.Int("pair", pairID), zap.Error(err))
			continue
		}
		defer u.client.Close()
		users = append(users, u)
	}
	if len(users) < 2 {
		return
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u *user) {
			defer wg.Done()
			spam(ctx, log, st, u)
		}(u)
	}
	wg.Wait()
	time.Sleep(settle)
}

// connect registers the account (an existing one is fine), logs in and
// joins the pair's room.
func connect(ctx context.Context, log *zap.Logger, st *stats, name string, room rooms.Room) (*user, error) {
	const password = "password123"
	email := name + "@loadtest.local"

	session := auth.NewSession(auth.NewAPIClient(apiURL, nil), credential.NewMemoryStore(), log.With(zap.String("user", name)))
	err := session.Register(ctx, auth.RegisterRequest{
		Username: name, Email: email, Password: password, ConfirmPassword: password,
	})
	if err != nil && !errors.Is(err, auth.ErrRegistrationFailed) {
		st.authFailed.Add(1)
		return nil, err
	}
	if err := session.Login(ctx, email, password); err != nil {
		st.authFailed.Add(1)
		return nil, err
	}

	client := chat.New(chat.Options{
		Identity: session,
		Hub: realtime.NewManager(realtime.Options{
			HubURL:      hubURL,
			AccessToken: session.Token,
			Logger:      log,
		}),
		Timeline: timeline.NewReconciler(session),
		Rooms:    rooms.NewDirectory([]rooms.Room{room}, room.ID),
		Logger:   log,
		OnMessage: func(timeline.Message) {
			st.received.Add(1)
		},
	})
	if err := client.Start(ctx); err != nil {
		st.connectFailed.Add(1)
		return nil, err
	}
	return &user{name: name, session: session, client: client}, nil
}

func spam(ctx context.Context, log *zap.Logger, st *stats, u *user) {
	for i := 0; i < msgCount; i++ {
		_, err := u.client.Send(ctx, fmt.Sprintf("LoadTest Msg %d from %s", i, u.name))
		if err != nil {
			st.sendFailed.Add(1)
			log.Warn("send failed", zap.String("user", u.name), zap.Error(err))
			continue
		}
		st.sent.Add(1)
		time.Sleep(msgDelay)
	}
	log.Debug("finished sending", zap.String("user", u.name), zap.Int("messages", msgCount))
}
