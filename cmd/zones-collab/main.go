package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rafaelrns/whiteboard-zones/internal/auth"
	"github.com/rafaelrns/whiteboard-zones/internal/config"
	"github.com/rafaelrns/whiteboard-zones/internal/database"
	"github.com/rafaelrns/whiteboard-zones/internal/locks"
	"github.com/rafaelrns/whiteboard-zones/internal/logging"
	"github.com/rafaelrns/whiteboard-zones/internal/metrics"
	"github.com/rafaelrns/whiteboard-zones/internal/presence"
	"github.com/rafaelrns/whiteboard-zones/internal/rooms"
	"github.com/rafaelrns/whiteboard-zones/internal/server"
	"github.com/rafaelrns/whiteboard-zones/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zones-collab",
		Short: "Collaborative whiteboard sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	tokenCmd.Flags().String("user-id", "", "User id to mint the token for")
	tokenCmd.Flags().String("email", "", "User email")
	tokenCmd.Flags().String("name", "", "Display name")
	tokenCmd.Flags().String("role", string(users.DefaultRole), "Role (owner, editor, reviewer, viewer)")

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for lock and presence stores (empty keeps them in memory)")
	cmd.PersistentFlags().String("cors-origins", defaults.GetString("cors.origins"), "Comma separated allowed origins")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "cors.origins", "cors-origins")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	userID, _ := cmd.Flags().GetString("user-id")
	email, _ := cmd.Flags().GetString("email")
	name, _ := cmd.Flags().GetString("name")
	rawRole, _ := cmd.Flags().GetString("role")
	role, ok := users.ParseRole(rawRole)
	if !ok {
		return fmt.Errorf("unknown role %q", rawRole)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{
		UserID:      userID,
		Email:       email,
		DisplayName: name,
		Roles:       []string{string(role)},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewDirectory(users.DirectoryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricSet := metrics.New(metrics.Config{Registry: registry})

	lockStore, tracker, closeStores, err := openStores(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	roomManager := rooms.NewManager(rooms.ManagerConfig{
		IdleTimeout:   appConfig.RoomIdleTimeout,
		SweepInterval: appConfig.RoomSweepInterval,
		Logger:        logger,
	})
	metricSet.TrackActiveRooms(roomManager.Count)

	lockService := locks.NewService(locks.ServiceConfig{
		Store:   lockStore,
		TTL:     appConfig.LockTTL,
		Logger:  logger,
		Metrics: metricSet,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:         validator,
		Directory:         directory,
		Rooms:             roomManager,
		Locks:             lockService,
		Presence:          tracker,
		Metrics:           metricSet,
		Gatherer:          registry,
		AllowedOrigins:    appConfig.CORSOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		MaxMessageBytes:   appConfig.MaxMessageBytes,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go roomManager.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		handler.CloseConnections()
		return err
	case err := <-errCh:
		handler.CloseConnections()
		return err
	}
}

// openStores selects Redis-backed lock and presence stores when redis.url is
// set and in-process stores otherwise.
func openStores(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (locks.Store, presence.Tracker, func(), error) {
	if appConfig.RedisURL == "" {
		logger.Info("using in-memory lock and presence stores")
		return locks.NewMemoryStore(nil), presence.NewMemoryTracker(appConfig.PresenceTTL, nil), func() {}, nil
	}

	options, err := redis.ParseURL(appConfig.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis.url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("using redis lock and presence stores", zap.String("address", options.Addr))
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
	return locks.NewRedisStore(client), presence.NewRedisTracker(client, appConfig.PresenceTTL), closeClient, nil
}
