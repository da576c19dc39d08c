package httpservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkade-os/fedmint/internal/config"
	interfaces "github.com/arkade-os/fedmint/internal/interface"
	"github.com/arkade-os/fedmint/internal/telemetry"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

const shutdownTimeout = 10 * time.Second

type service struct {
	version       string
	config        Config
	appConfig     *config.Config
	server        *http.Server
	appSvcStarted atomic.Bool
	otelShutdown  func(context.Context) error
	metricsCancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func NewService(
	version string, svcConfig Config, appConfig *config.Config,
) (interfaces.Service, error) {
	if err := svcConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %s", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %s", err)
	}

	return &service{
		version:   version,
		config:    svcConfig,
		appConfig: appConfig,
		done:      make(chan struct{}),
	}, nil
}

func (s *service) Start() error {
	if err := s.start(); err != nil {
		return err
	}
	log.Infof("started listening at %s", s.config.address())
	return nil
}

func (s *service) Stop() {
	s.stop()
	if s.otelShutdown != nil {
		if err := s.otelShutdown(context.Background()); err != nil {
			log.Errorf("failed to shutdown otel: %s", err)
		}
	}
	log.Info("shutdown service")
}

func (s *service) Done() <-chan struct{} {
	return s.done
}

func (s *service) start() error {
	ctx := context.Background()
	if endpoint := s.appConfig.OtelCollectorEndpoint; endpoint != "" {
		otelShutdown, err := telemetry.InitOtelSDK(
			ctx, endpoint, s.version, uint16(s.appConfig.Self),
		)
		if err != nil {
			return err
		}
		s.otelShutdown = otelShutdown
	}

	var metricsHandler http.Handler
	if !s.config.NoMetrics {
		metricsSvc, err := s.appConfig.MetricsService()
		if err != nil {
			return err
		}
		metricsCtx, cancel := context.WithCancel(ctx)
		if err := metricsSvc.Start(metricsCtx); err != nil {
			cancel()
			return err
		}
		s.metricsCancel = cancel
		metricsHandler = metricsSvc.Handler()
	}

	if err := s.startAppServices(); err != nil {
		return err
	}

	appSvc, err := s.appConfig.AppService()
	if err != nil {
		return err
	}
	router, err := newRouter(
		s.version, s.config, appSvc, s.appConfig.PegInProofSource(), metricsHandler,
	)
	if err != nil {
		return err
	}
	handler := otelhttp.NewHandler(
		router, "fedmint-api", otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)

	listener, err := net.Listen("tcp", s.config.address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.address(), err)
	}
	s.server = &http.Server{
		Addr:              s.config.address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("client api stopped")
		}
	}()

	go s.watchAppService(appSvc.Done(), appSvc.Err)
	return nil
}

func (s *service) stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failed to gracefully shutdown client api")
			_ = s.server.Close()
		}
	}

	if s.appSvcStarted.CompareAndSwap(true, false) {
		appSvc, _ := s.appConfig.AppService()
		if appSvc != nil {
			appSvc.Stop()
		}
	}
	if s.metricsCancel != nil {
		s.metricsCancel()
	}
}

func (s *service) startAppServices() error {
	if !s.appSvcStarted.CompareAndSwap(false, true) {
		return nil
	}

	appSvc, err := s.appConfig.AppService()
	if err != nil {
		s.appSvcStarted.Store(false)
		return fmt.Errorf("failed to create app service: %w", err)
	}
	if err := appSvc.Start(); err != nil {
		s.appSvcStarted.Store(false)
		return fmt.Errorf("failed to start app service: %w", err)
	}
	log.Info("started app service")
	return nil
}

// watchAppService closes done if the node halts, for example after a safety violation.
func (s *service) watchAppService(halted <-chan struct{}, reason func() error) {
	<-halted
	if err := reason(); err != nil {
		log.WithError(err).Error("app service halted")
	}
	s.doneOnce.Do(func() { close(s.done) })
}
