package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/config"
	"greenhouse/go-iot-stack/internal/logging"
)

const lifecycleTimeout = 30 * time.Second

func main() {
	if path, ok := config.LoadDotEnv(); ok {
		fmt.Printf("Loaded environment from: %s\n", path)
	} else {
		fmt.Println("No .env file found, using system environment variables")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			provideStore,
			provideApp,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.StartTimeout(lifecycleTimeout),
		fx.StopTimeout(lifecycleTimeout),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startupLogger, _ := logging.NewLogger("greenhouse-server", "info")
	startupLogger.Info("starting application...", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			startupLogger.Error("application did not start in time; check database and broker reachability")
		}
		startupLogger.Error("application start failed", zap.Error(err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case sig := <-app.Done():
		startupLogger.Info("shutdown requested", zap.String("signal", sig.String()))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		startupLogger.Error("error stopping app", zap.Error(err))
		os.Exit(1)
	}
}
