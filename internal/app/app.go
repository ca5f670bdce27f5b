package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/alerts"
	"greenhouse/go-iot-stack/internal/config"
	"greenhouse/go-iot-stack/internal/mqttbroker"
	"greenhouse/go-iot-stack/internal/store"
)

// App wires the ingestion/query HTTP service, the embedded MQTT broker and the
// optional AMQP ingest consumer, and manages their lifecycle.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *store.Store
	broker     *mqttbroker.Broker
	consumer   *IngestConsumer
	mdns       *zeroconf.Server
	httpServer *http.Server
	thresholds alerts.Thresholds
	now        func() time.Time

	fatalOnce sync.Once
	onFatal   func(error)
	stopWatch context.CancelFunc
}

// New constructs an application around an initialised store.
func New(cfg config.Config, logger *zap.Logger, st *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		thresholds: alerts.DefaultThresholds(),
		now:        time.Now,
		onFatal:    func(error) {},
	}
}

// OnFatal installs the callback invoked once when the broker or HTTP server fails
// after startup.
func (a *App) OnFatal(fn func(error)) {
	if fn != nil {
		a.onFatal = fn
	}
}

// Start brings up the broker, the HTTP server, the AMQP consumer and mDNS.
func (a *App) Start(ctx context.Context) error {
	broker := mqttbroker.New(a.logger.Named("mqtt"))
	broker.SetPublishHandler(a.handleMQTTPublish)
	brokerErrCh, err := broker.Start(a.cfg.Broker.BindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	if a.cfg.AMQP.URL != "" {
		consumer, err := NewIngestConsumer(ConsumerConfig{
			URL:      a.cfg.AMQP.URL,
			Exchange: a.cfg.AMQP.Exchange,
			Queue:    a.cfg.AMQP.Queue,
			DLQQueue: a.cfg.AMQP.DLQ,
			Logger:   a.logger.Named("amqp"),
			Handler:  a.consumeFrame,
			OnLost:   a.fatal,
		})
		if err != nil {
			_ = broker.Stop()
			return err
		}
		if err := consumer.Start(); err != nil {
			_ = consumer.Close()
			_ = broker.Stop()
			return err
		}
		a.consumer = consumer
	}

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.Broker.MDNSEnabled {
		if port := brokerPort(broker); port > 0 {
			if err := a.startMDNS(port); err != nil {
				a.logger.Warn("mDNS advertisement failed", zap.Error(err))
			}
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	go a.watch(watchCtx, httpErrCh, brokerErrCh)
	return nil
}

func (a *App) watch(ctx context.Context, httpErrCh <-chan error, brokerErrCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-httpErrCh:
			a.fatal(err)
			return
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			a.fatal(err)
			return
		}
	}
}

func (a *App) fatal(err error) {
	a.fatalOnce.Do(func() {
		a.logger.Error("service failed", zap.Error(err))
		a.onFatal(err)
	})
}

// Stop shuts everything down in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.stopMDNS()

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		a.logger.Info("http server stopped")
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.broker != nil {
		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")
	}
	return errors.Join(errs...)
}

func brokerPort(b *mqttbroker.Broker) int {
	if tcp, ok := b.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
