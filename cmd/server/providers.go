package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/app"
	"greenhouse/go-iot-stack/internal/config"
	"greenhouse/go-iot-stack/internal/logging"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/store"
)

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
}

// provideStore opens the reading/command store and closes it on shutdown.
func provideStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := st.InitSchema(ctx); err != nil {
				return err
			}
			logger.Info("store ready", zap.String("driver", st.Dialect()))
			return nil
		},
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func provideApp(cfg config.Config, logger *zap.Logger, st *store.Store) *app.App {
	return app.New(cfg, logger, st)
}

func startServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, application *app.App, logger *zap.Logger) {
	metrics.Init()
	application.OnFatal(func(err error) {
		if shutdownErr := shutdowner.Shutdown(fx.ExitCode(1)); shutdownErr != nil {
			logger.Error("failed to request shutdown", zap.Error(shutdownErr))
		}
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return application.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := application.Stop(ctx); err != nil {
				logger.Error("failed to stop application", zap.Error(err))
				return err
			}
			logger.Info("server stopped gracefully")
			return nil
		},
	})
}
