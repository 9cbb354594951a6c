package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"go-chat-client/internal/auth"
	"go-chat-client/internal/config"
	"go-chat-client/internal/credential"
	"go-chat-client/internal/logging"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/transcript"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	verbose    bool
	insecure   bool

	cfg     *config.Config
	logger  *zap.Logger
	store   credential.Store
	session *auth.Session
	closers []func()
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for the chat backend",
	Long: `chatclient signs in against the chat backend's auth API and talks to its
real-time hub: join a room, send messages and read what others write.

The credential is kept between runs, so "login" is only needed once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dotenvErr := config.LoadDotEnv()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		if dotenvErr != nil {
			logger.Debug("no .env file loaded", zap.Error(dotenvErr))
		}

		store, err = openStore(cmd.Context())
		if err != nil {
			return err
		}

		session = auth.NewSession(auth.NewAPIClient(cfg.APIURL, httpClient()), store, logger)
		session.RestoreFromStorage(cmd.Context())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development backends)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	if !insecure {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func openStore(ctx context.Context) (credential.Store, error) {
	switch cfg.Credential.Store {
	case config.StoreMemory:
		return credential.NewMemoryStore(), nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Credential.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		logger.Debug("using redis credential store", zap.String("addr", cfg.Credential.RedisAddr))
		return credential.NewRedisStore(rdb, cfg.Credential.RedisPrefix), nil

	default:
		path := cfg.Credential.Path
		if path == "" {
			var err error
			if path, err = credential.DefaultPath(); err != nil {
				return nil, err
			}
		}
		logger.Debug("using file credential store", zap.String("path", path))
		return credential.NewFileStore(path), nil
	}
}

func newManager() *realtime.Manager {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: realtime.DefaultHandshakeTimeout,
	}
	if insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return realtime.NewManager(realtime.Options{
		HubURL:            cfg.HubURL,
		AccessToken:       session.Token,
		SkipNegotiation:   cfg.Realtime.SkipNegotiation,
		HTTPClient:        httpClient(),
		Dialer:            dialer,
		ReconnectDelays:   cfg.Realtime.ReconnectDelays,
		KeepAliveInterval: cfg.Realtime.KeepAliveInterval,
		ServerTimeout:     cfg.Realtime.ServerTimeout,
		Logger:            logger,
	})
}

// openArchive returns nil when no archive is configured.
func openArchive() (*transcript.Repository, error) {
	if cfg.ArchiveDSN == "" {
		return nil, nil
	}
	database, err := transcript.NewDatabase(cfg.ArchiveDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive: %w", err)
	}
	if err := database.AutoMigrate(); err != nil {
		database.Close()
		return nil, err
	}
	closers = append(closers, func() { database.Close() })
	logger.Debug("transcript archive enabled")
	return transcript.NewRepository(database.Conn), nil
}
