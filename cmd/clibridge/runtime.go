package main

import (
	"context"
	"fmt"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

// runtime is the engine plus the indicator catalog it reads, shared by the
// serve and relay commands.
type runtime struct {
	catalog *watchdog.CatalogStore
	engine  *core.Engine
}

func newRuntime(ctx context.Context, cfg *core.Config) (*runtime, error) {
	indicators, err := cfg.IndicatorsFile()
	if err != nil {
		return nil, err
	}
	catalog, err := watchdog.NewCatalogStore(indicators)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator catalog: %w", err)
	}
	if cfg.Detector.Watch {
		if err := catalog.Watch(ctx); err != nil {
			return nil, fmt.Errorf("failed to watch indicator catalog: %w", err)
		}
	}

	launcher := session.NewLauncher(cfg.SessionConfig(catalog))
	engine := core.NewEngine(core.PtyLauncher(launcher), cfg.EngineOptions())

	logger.WithFields(logrus.Fields{
		"binary":       cfg.Gemini.Command,
		"max_sessions": cfg.Sessions.MaxSessions,
		"indicators":   indicators,
		"watch":        cfg.Detector.Watch,
	}).Info("engine-ready")

	return &runtime{catalog: catalog, engine: engine}, nil
}

// shutdown closes every session and stops watching the catalog.
func (rt *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()

	if err := rt.engine.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("engine-shutdown-incomplete")
	}
	if err := rt.catalog.Close(); err != nil {
		logger.WithError(err).Warn("catalog-watcher-close-failed")
	}
}
