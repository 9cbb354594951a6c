package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go-chat-client/internal/chat"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/timeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var chatRoom string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room and chat interactively",
	Long: `Connects to the hub, joins a room and sends every line typed as a message.

Commands:
  /rooms [query]  list conversations
  /join <id>      switch to another conversation
  /history        show the current conversation
  /retry          resend messages that were not delivered
  /reconnect      connect again after the connection was given up
  /quit           leave`,
	Args: cobra.NoArgs,
}

func init() {
	// RunE is assigned here to break the chatCmd -> runChat -> chatCmd initialization cycle.
	chatCmd.RunE = runChat
	chatCmd.Flags().StringVar(&chatRoom, "room", rooms.DefaultActiveID, "Room id to start in")
}

// console serializes writes from the listener and the input loop.
type console struct {
	mu  sync.Mutex
	out *bufio.Writer
}

func (c *console) Printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
	c.out.Flush()
}

func runChat(cmd *cobra.Command, args []string) error {
	if session.Identity() == nil {
		return errors.New("not signed in; run: chatclient login --email <email>")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := &console{out: bufio.NewWriter(cmd.OutOrStdout())}
	dir := rooms.NewDirectory(rooms.DefaultRooms(time.Now()), chatRoom)

	opts := chat.Options{
		Identity: session,
		Hub:      newManager(),
		Timeline: timeline.NewReconciler(session),
		Rooms:    dir,
		Logger:   logger,
		OnMessage: func(m timeline.Message) {
			con.Printf("%s %s: %s\n", m.CreatedAt.Format("15:04"), m.Author, m.Body)
		},
		OnState: func(s realtime.State) {
			switch s {
			case realtime.Reconnecting:
				con.Printf("-- connection lost, reconnecting --\n")
			case realtime.Disconnected:
				con.Printf("-- disconnected, type /reconnect to try again --\n")
			}
		},
	}
	repo, err := openArchive()
	if err != nil {
		return err
	}
	if repo != nil {
		opts.Archive = repo
	}

	client := chat.New(opts)
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("could not connect to the chat hub: %w", err)
	}
	con.Printf("Joined %s as %s. Type /help for commands.\n", client.ActiveRoom().Name, session.Identity().Username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, client, dir, con, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user wants out.
func handleLine(ctx context.Context, client *chat.Client, dir *rooms.Directory, con *console, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		con.Printf("%s\n", chatCmd.Long)

	case "/rooms":
		var buf bytes.Buffer
		printRooms(&buf, dir.Filter(strings.Join(fields[1:], " ")), dir.Active().ID, time.Now())
		con.Printf("%s", buf.String())

	case "/join":
		if len(fields) != 2 {
			con.Printf("usage: /join <room id>\n")
			return false
		}
		err := client.SelectRoom(ctx, fields[1])
		if errors.Is(err, rooms.ErrUnknownRoom) {
			con.Printf("no room with id %s\n", fields[1])
			return false
		}
		if err != nil {
			con.Printf("! could not move the hub connection: %v\n", err)
		}
		room := client.ActiveRoom()
		con.Printf("-- %s (%s) --\n", room.Name, room.Label())
		printTimeline(con, client.Messages())

	case "/reconnect":
		err := client.Start(ctx)
		switch {
		case errors.Is(err, realtime.ErrAlreadyConnected):
			con.Printf("already connected\n")
		case err != nil:
			con.Printf("! could not reconnect: %v\n", err)
		default:
			con.Printf("-- reconnected to %s --\n", client.ActiveRoom().Name)
		}

	case "/history":
		printTimeline(con, client.Messages())

	case "/retry":
		retried := 0
		for _, m := range client.Messages() {
			if m.Status != timeline.Failed {
				continue
			}
			retried++
			if _, err := client.Resend(ctx, m.ID); err != nil {
				con.Printf("! still not delivered: %s\n", m.Body)
			}
		}
		if retried == 0 {
			con.Printf("nothing to resend\n")
		}

	default:
		if _, err := client.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
			logger.Debug("send failed", zap.Error(err))
			con.Printf("! not delivered (%v). Type /retry to resend.\n", err)
		}
	}
	return false
}

func printTimeline(con *console, msgs []timeline.Message) {
	if len(msgs) == 0 {
		con.Printf("no messages yet\n")
		return
	}
	for _, m := range msgs {
		author := m.Author
		if m.LocallyOriginated {
			author = "you"
		}
		con.Printf("%s %s: %s%s\n", m.CreatedAt.Format("15:04"), author, m.Body, statusSuffix(string(m.Status)))
	}
}
