package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"go-chat-client/internal/auth"
	"go-chat-client/internal/credential"
	"go-chat-client/internal/rooms"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	username, email, password, confirmPassword string

	historyRoom  string
	historyLimit int

	writeConfig bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Long:  "Create an account on the backend. Sign in with \"login\" afterwards.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := bufio.NewReader(cmd.InOrStdin())
		var err error
		if password == "" {
			if password, err = prompt(cmd, in, "Password: "); err != nil {
				return err
			}
		}
		if confirmPassword == "" {
			if confirmPassword, err = prompt(cmd, in, "Confirm password: "); err != nil {
				return err
			}
		}

		err = session.Register(cmd.Context(), auth.RegisterRequest{
			Username:        username,
			Email:           email,
			Password:        password,
			ConfirmPassword: confirmPassword,
		})
		switch {
		case err == nil:
			fmt.Fprintln(cmd.OutOrStdout(), "Account created. Sign in with: chatclient login --email", email)
			return nil
		case errors.Is(err, auth.ErrRegistrationFailed):
			return errors.New("registration failed, please try again")
		default:
			return err
		}
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if password == "" {
			var err error
			if password, err = prompt(cmd, bufio.NewReader(cmd.InOrStdin()), "Password: "); err != nil {
				return err
			}
		}
		if err := session.Login(cmd.Context(), email, password); err != nil {
			return errors.New("login failed, please check your credentials and try again")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", session.Identity().Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credential",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		session.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		id := session.Identity()
		if id == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> (id %s)\n", id.Username, id.Email, id.ID)
		if fs, ok := store.(*credential.FileStore); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "Credential file: %s\n", fs.Path())
		}
		if credential.Expired(session.Token(), time.Now()) {
			fmt.Fprintln(cmd.OutOrStdout(), "The stored credential has expired; sign in again.")
		}
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms [query]",
	Short: "List conversations, optionally filtered",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		now := time.Now()
		dir := rooms.NewDirectory(rooms.DefaultRooms(now), rooms.DefaultActiveID)
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		list := dir.Filter(query)
		printRooms(cmd.OutOrStdout(), list, dir.Active().ID, now)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived messages of a room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openArchive()
		if err != nil {
			return err
		}
		if repo == nil {
			return errors.New("no archive configured (set archive_dsn or CHAT_ARCHIVE_DSN)")
		}
		msgs, err := repo.Recent(cmd.Context(), historyRoom, historyLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages yet")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s%s\n",
				m.CreatedAt.Local().Format("Jan 2 15:04"), m.Author, m.Body, statusSuffix(string(m.Status)))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Prints the configuration after defaults, the config file and environment
overrides are applied. With --write it is saved to the --config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if writeConfig {
			if configPath == "" {
				return errors.New("no config file path; pass --config")
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration written to", configPath)
			return nil
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	registerCmd.Flags().StringVar(&username, "username", "", "Username (required)")
	registerCmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	registerCmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	registerCmd.Flags().StringVar(&confirmPassword, "confirm-password", "", "Password confirmation (prompted when omitted)")
	registerCmd.MarkFlagRequired("username")
	registerCmd.MarkFlagRequired("email")

	loginCmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	loginCmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	loginCmd.MarkFlagRequired("email")

	historyCmd.Flags().StringVar(&historyRoom, "room", rooms.DefaultActiveID, "Room id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of messages")

	configCmd.Flags().BoolVar(&writeConfig, "write", false, "Save the effective configuration to the --config file")
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printRooms(w io.Writer, list []rooms.Room, activeID string, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No conversations found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range list {
		marker := " "
		if r.ID == activeID {
			marker = "*"
		}
		badge := r.Badge()
		if badge != "" {
			badge = "(" + badge + ")"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\t%s %s\n", marker, r.ID, r.Name, r.Label(),
			rooms.FormatPreviewTime(r.LastPreviewAt, now), r.LastPreview, badge)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d conversation%s\n", len(list), plural(len(list)))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func statusSuffix(status string) string {
	switch status {
	case "pending":
		return " (sending)"
	case "failed":
		return " (not delivered)"
	default:
		return ""
	}
}
