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

	"github.com/deckflow/backend/internal/auth"
	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/database"
	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/generation"
	"github.com/deckflow/backend/internal/logging"
	"github.com/deckflow/backend/internal/orchestrator"
	"github.com/deckflow/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deckflow-api",
		Short: "DeckFlow presentation generation backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint an API bearer token for the given subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(args[0])
		},
	}
	rootCmd.AddCommand(tokenCmd)

	setupFlags(rootCmd)

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
	cmd.PersistentFlags().String("signing-secret", "", "API signing secret (overrides env)")
	cmd.PersistentFlags().String("generator-base-url", defaults.GetString("generator.base_url"), "Generation collaborator base URL")
	cmd.PersistentFlags().String("generator-api-key", "", "Generation collaborator API key (overrides env)")
	cmd.PersistentFlags().Int("max-decks", defaults.GetInt("orchestrator.max_decks"), "Maximum concurrently generating decks")
	cmd.PersistentFlags().Int("max-slide-concurrency", defaults.GetInt("orchestrator.max_slide_concurrency"), "Maximum concurrent slide tasks per deck")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "generator.base_url", "generator-base-url")
	bindFlag(cmd, "generator.api_key", "generator-api-key")
	bindFlag(cmd, "orchestrator.max_decks", "max-decks")
	bindFlag(cmd, "orchestrator.max_slide_concurrency", "max-slide-concurrency")
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

	if err := database.ReconcileInterrupted(db, logger); err != nil {
		return err
	}

	store, err := deck.NewStore(deck.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		Logger:     logger,
		VersionCap: appConfig.VersionCap,
	})
	if err != nil {
		return err
	}

	generator, err := generation.NewRemote(generation.RemoteConfig{
		BaseURL: appConfig.GeneratorBaseURL,
		APIKey:  appConfig.GeneratorAPIKey,
		Timeout: appConfig.GeneratorTimeout,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewEventDispatcher()

	decks, err := orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Generator: generator,
		Clock:     time.Now,
		Logger:    logger,
		Events:    dispatcher,
		Config: orchestrator.Config{
			MaxDecks:            appConfig.MaxDecks,
			MaxSlideConcurrency: appConfig.MaxSlideConcurrency,
			StageTimeout:        appConfig.StageTimeout,
			StageRetries:        appConfig.StageRetries,
			RetryBackoff:        appConfig.RetryBackoff,
		},
	})
	if err != nil {
		return err
	}
	defer decks.Close()

	var tokens server.TokenValidator
	if appConfig.SigningSecret != "" {
		tokens = auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
		})
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator: decks,
		Events:       dispatcher,
		Tokens:       tokens,
		Logger:       logger,
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

func issueToken(subject string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.SigningSecret == "" {
		return errors.New("auth.signing_secret must be configured to mint tokens")
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	token, expiresIn, err := issuer.IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", token)
	fmt.Fprintf(os.Stderr, "expires in %d seconds\n", expiresIn)
	return nil
}
