package commands

import (
	"database/sql"

	"github.com/tabulist/ade/artifact"
	"github.com/tabulist/ade/config"
	"github.com/tabulist/ade/db"
	"github.com/tabulist/ade/dispatch"
	"github.com/tabulist/ade/envstore"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/executor"
	"github.com/tabulist/ade/logger"
	"github.com/tabulist/ade/track"
)

// stack bundles the orchestration core's wired collaborators.
type stack struct {
	cfg        *config.Config
	database   *sql.DB
	store      *track.Store
	layout     *artifact.Layout
	dispatcher *dispatch.Dispatcher
}

// openDatabase loads configuration, opens the database, and applies
// pending migrations.
func openDatabase() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, err
	}
	return cfg, database, nil
}

// buildStack wires the full core: store, environment store, executor,
// artifact layout, and dispatcher.
func buildStack() (*stack, error) {
	cfg, database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	store := track.NewStore(database)
	exec := executor.New(logger.Logger)
	envs := envstore.New(cfg, database, exec, logger.Logger)
	layout := artifact.NewLayout(cfg.Storage.Root)
	dispatcher := dispatch.New(cfg, store, envs, exec, layout, logger.Logger)

	return &stack{
		cfg:        cfg,
		database:   database,
		store:      store,
		layout:     layout,
		dispatcher: dispatcher,
	}, nil
}

func (s *stack) close() {
	s.database.Close()
}
