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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mathedit-labs/mathedit/internal/auth"
	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/config"
	"github.com/mathedit-labs/mathedit/internal/database"
	"github.com/mathedit-labs/mathedit/internal/document"
	"github.com/mathedit-labs/mathedit/internal/logging"
	"github.com/mathedit-labs/mathedit/internal/server"
	"github.com/mathedit-labs/mathedit/internal/store"
	"github.com/mathedit-labs/mathedit/internal/users"
	"github.com/mathedit-labs/mathedit/internal/workspace"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mathedit-api",
		Short: "MathEdit document workspace service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Session token issuer")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("cloud-base-url", "", "Remote revision feed base URL")
	cmd.PersistentFlags().String("local-author-id", "", "Identifier attributed to local revisions")
	cmd.PersistentFlags().String("local-author-name", defaults.GetString("local_author.name"), "Display name attributed to local revisions")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "cloud.base_url", "cloud-base-url")
	bindFlag(cmd, "local_author.id", "local-author-id")
	bindFlag(cmd, "local_author.name", "local-author-name")
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

// newTokenCommand mints a development session token so clients can exercise
// the API without a separate auth service.
func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			token, expiresIn, err := issuer.IssueSessionToken(appConfig.LocalAuthorID, appConfig.LocalAuthorName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	return cmd
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
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	documentStore, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	authorRegistry, err := users.NewRegistry(users.RegistryConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	localAuthor, err := document.NewUserRef(appConfig.LocalAuthorID, appConfig.LocalAuthorName)
	if err != nil {
		return err
	}

	var fetcher cloud.Fetcher
	if appConfig.CloudBaseURL != "" {
		httpFetcher, err := cloud.NewHTTPFetcher(cloud.HTTPFetcherConfig{
			BaseURL:     appConfig.CloudBaseURL,
			BearerToken: appConfig.CloudBearerToken,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		fetcher = httpFetcher
	}

	documentWorkspace, err := workspace.NewService(workspace.ServiceConfig{
		Store:       documentStore,
		IDProvider:  store.NewUUIDProvider(),
		Fetcher:     fetcher,
		Authors:     authorRegistry,
		LocalAuthor: localAuthor,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Workspace: documentWorkspace,
		Logger:    logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
