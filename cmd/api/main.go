package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulib/feedback/internal/ai"
	"github.com/fulib/feedback/internal/api"
	"github.com/fulib/feedback/internal/config"
	"github.com/fulib/feedback/internal/embedding"
	"github.com/fulib/feedback/internal/evaluation"
	"github.com/fulib/feedback/internal/search"
	"github.com/fulib/feedback/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("feedback-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting feedback api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	engine := search.NewEngine(st)
	state, err := engine.Migrate(ctx)
	if err != nil {
		log.Fatalf("Failed to migrate search index (%s): %v", state, err)
	}
	logger.Info().Str("state", state.String()).Msg("search index ready")

	clientConfig := cfg.ClientConfig()
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", c.Dim()).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	est, err := ai.NewEstimator()
	if err != nil {
		log.Fatalf("Failed to load tokenizer: %v", err)
	}
	defer est.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())

	embeddings := embedding.NewService(st, engine, c, est, validate)
	if err := embeddings.EnsureIndex(ctx); err != nil {
		log.Fatalf("Failed to create embedding index: %v", err)
	}

	srv := &api.Server{
		Search:       engine,
		Embeddings:   embeddings,
		Evaluations:  evaluation.NewService(st, engine, validate),
		DB:           st,
		ContextLines: cfg.ContextLines,
	}

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
