package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/auth"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/config"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/database"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/logging"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/maintenance"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/server"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "editor-sessions",
		Short: "Editor session coordination service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newClaimCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Origins allowed to call the API from a browser")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("cookie-name", defaults.GetString(config.KeyTAuthCookieName), "TAuth session cookie name")
	flags.String("issuer", defaults.GetString(config.KeyTAuthIssuer), "Expected TAuth session issuer")
	flags.Duration("inactive-timeout", defaults.GetDuration(config.KeyInactiveTimeout), "Idle time after which a session counts as stale")
	flags.Duration("timeout-check-interval", defaults.GetDuration(config.KeyTimeoutCheckInterval), "How often editors check their own inactivity")
	flags.Duration("sweep-interval", defaults.GetDuration(config.KeySweepInterval), "How often abandoned sessions are purged")
	flags.Duration("purge-after", defaults.GetDuration(config.KeyPurgeAfter), "Age of the last heartbeat after which a session is purged")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyTAuthSigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyTAuthCookieName, "cookie-name")
	bindFlag(cmd, config.KeyTAuthIssuer, "issuer")
	bindFlag(cmd, config.KeyInactiveTimeout, "inactive-timeout")
	bindFlag(cmd, config.KeyTimeoutCheckInterval, "timeout-check-interval")
	bindFlag(cmd, config.KeySweepInterval, "sweep-interval")
	bindFlag(cmd, config.KeyPurgeAfter, "purge-after")
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

	store, err := sessions.NewSQLStore(sessions.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          store,
		Authenticator:  sessionValidator,
		Users:          userService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := maintenance.NewSweeper(maintenance.SweeperConfig{
		Purger:     store,
		Interval:   appConfig.Sessions.SweepInterval,
		PurgeAfter: appConfig.Sessions.PurgeAfter,
		Logger:     logger,
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

	go sweeper.Start(signalCtx)
	defer sweeper.Stop()

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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
