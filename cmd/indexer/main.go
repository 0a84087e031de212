package main

import (
	"context"
	"log"
	"os"

	"github.com/fulib/feedback/internal/ai"
	"github.com/fulib/feedback/internal/config"
	"github.com/fulib/feedback/internal/embedding"
	"github.com/fulib/feedback/internal/indexer"
	"github.com/fulib/feedback/internal/search"
	"github.com/fulib/feedback/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("feedback-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	if cfg.Assignment == "" {
		log.Fatal("assignment must be set")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx := context.Background()

	// Initialize store
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	engine := search.NewEngine(st)
	if _, err := engine.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	ix := indexer.New(engine, cfg.ImportRoot, cfg.Assignment)
	if err := ix.Run(ctx); err != nil {
		log.Fatal(err)
	}

	if !cfg.Embed {
		return
	}

	c, err := ai.NewClient(ctx, cfg.ClientConfig())
	if err != nil {
		log.Fatal(err)
	}
	est, err := ai.NewEstimator()
	if err != nil {
		log.Fatal(err)
	}
	defer est.Close()

	svc := embedding.NewService(st, engine, c, est, validator.New(validator.WithRequiredStructEnabled()))
	if err := svc.EnsureIndex(ctx); err != nil {
		log.Fatal(err)
	}
	res, err := svc.CreateEmbeddings(ctx, cfg.Assignment, "")
	if err != nil {
		log.Fatal(err)
	}
	zlog.Info().Int("tokens", res.Tokens).Float64("cost", res.EstimatedCost).Msg("embeddings created")
}
