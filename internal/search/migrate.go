package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
)

// MigrationState is the outcome of Migrate.
type MigrationState int

const (
	// StateCurrent means the alias already points at an index with the required settings.
	StateCurrent MigrationState = iota
	// StateMigrating means a new index is being built. Migrate only reports it on failure,
	// in which case the previous index keeps serving.
	StateMigrating
	// StateSwapped means a new index was built and the alias now points at it.
	StateSwapped
)

func (s MigrationState) String() string {
	switch s {
	case StateCurrent:
		return "current"
	case StateMigrating:
		return "migrating"
	case StateSwapped:
		return "swapped"
	}
	return "unknown"
}

// Migrate makes sure the file index alias points at an index built with the analyzer's
// settings. When the settings differ (or no index exists yet) it builds a timestamped index,
// copies every document from the current one re-analyzing its content, swaps the alias and
// drops the old index. It is safe to run on every startup: the decision is always taken
// against the current alias target, and shadow indices left behind by an interrupted run
// are dropped before a new one is built.
func (e *Engine) Migrate(ctx context.Context) (MigrationState, error) {
	settings := e.Analyzer.Settings()
	current, exists, err := e.Index.IndexAlias(ctx, Alias)
	if err != nil {
		return StateCurrent, err
	}
	if exists && SettingsMatch(current.Settings, settings) {
		log.Debug().Str("index", current.Name).Msg("file index is current")
		return StateCurrent, nil
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return StateCurrent, err
	}

	if err := e.dropOrphans(ctx, current.Name); err != nil {
		return StateMigrating, err
	}

	next := Alias + "_" + strconv.FormatInt(e.now().UnixMilli(), 10)
	log.Info().Str("from", current.Name).Str("to", next).Msg("migrating file index")

	if err := e.Index.CreateFileIndex(ctx, next); err != nil {
		return StateMigrating, fmt.Errorf("create index %s: %w", next, err)
	}

	if exists {
		copied, err := e.Index.Reindex(ctx, current.Name, next, e.Analyzer.Terms)
		if err != nil {
			e.abandon(ctx, next)
			return StateMigrating, fmt.Errorf("reindex %s -> %s: %w", current.Name, next, err)
		}
		log.Info().Int64("documents", copied).Msg("reindexed file index")
	}

	if err := e.Index.SwapAlias(ctx, Alias, raw, current.Name, next); err != nil {
		e.abandon(ctx, next)
		return StateMigrating, fmt.Errorf("swap alias %s to %s: %w", Alias, next, err)
	}
	log.Info().Str("index", next).Msg("file index alias swapped")
	return StateSwapped, nil
}

// dropOrphans drops every index of the alias except keep.
func (e *Engine) dropOrphans(ctx context.Context, keep string) error {
	names, err := e.Index.ListIndices(ctx, Alias)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == keep {
			continue
		}
		log.Warn().Str("index", n).Msg("dropping orphaned file index")
		if err := e.Index.DropIndex(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) abandon(ctx context.Context, name string) {
	if err := e.Index.DropIndex(ctx, name); err != nil {
		log.Error().Err(err).Str("index", name).Msg("failed to drop abandoned index")
	}
}
