package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kizuna/internal/core/domain"
	"kizuna/internal/core/ports"
	"kizuna/internal/engine/clock"
	"kizuna/internal/engine/eventbus"
	"kizuna/internal/engine/framepool"
	"kizuna/internal/engine/session"
	httphandlers "kizuna/internal/handlers/http"
	"kizuna/internal/infrastructure/capture"
	"kizuna/internal/infrastructure/codec"
	"kizuna/internal/infrastructure/middleware"
	"kizuna/internal/infrastructure/monitoring"
	"kizuna/internal/infrastructure/security"
	signalfeed "kizuna/internal/infrastructure/signal"
	"kizuna/internal/infrastructure/transport"
	"kizuna/pkg/config"
	kerrors "kizuna/pkg/errors"
	"kizuna/pkg/logger"
	"kizuna/pkg/tracing"
)

// Exit codes for scripted callers.
const (
	exitOK          = 0
	exitInternal    = 1
	exitPermission  = 3
	exitHardware    = 4
	exitUnreachable = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing init failed, continuing without", "error", err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Engine plumbing.
	clk := clock.NewMonotonic()
	pool := framepool.New(framepool.Config{
		RawDepth:     cfg.FramePool.RawDepth,
		EncodedDepth: cfg.FramePool.EncodedDepth,
		MaxWidth:     cfg.FramePool.MaxWidth,
		MaxHeight:    cfg.FramePool.MaxHeight,
	})
	bus := eventbus.New(0, log)
	defer bus.Close()

	captureSrc := capture.NewSynthetic(pool, clk, log)

	udp, err := transport.NewUDP(transport.DefaultConfig(), log)
	if err != nil {
		log.Errorw("transport bind failed", "error", err)
		return exitUnreachable
	}
	defer udp.Close()
	log.Infow("transport bound", "addr", udp.LocalAddr())

	trusted := make([]domain.PeerID, 0)
	for _, p := range os.Args[1:] {
		trusted = append(trusted, domain.PeerID(p))
	}
	sec := security.NewStatic([]byte(cfg.Auth.JWTSecret), trusted)

	supervisor := session.New(session.Deps{
		Config:    cfg,
		Clock:     clk,
		Bus:       bus,
		Capture:   captureSrc,
		Transport: udp,
		Security:  sec,
		NewEncoder: func(accel bool) (ports.Encoder, error) {
			return codec.NewNullEncoder(pool), nil
		},
		NewDecoder: func() (ports.Decoder, error) {
			return codec.NewNullDecoder(pool), nil
		},
		NewAEAD: security.NewGCM,
		Logger:  log,
	})
	defer supervisor.Shutdown()

	// Monitoring.
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewCollector(monitoring.NewMetrics(), bus, log)
		go collector.Run(rootCtx)
		go func() {
			if err := monitoring.Serve(rootCtx, cfg.Monitoring.PrometheusPort, log); err != nil {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	// Control surface.
	tokens := middleware.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	feed := signalfeed.NewEventFeed(bus, log, nil)
	sessionHandler := httphandlers.NewSessionHandler(supervisor, feed)
	authHandler := httphandlers.NewAuthHandler(tokens, cfg.Auth.JWTSecret)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	authHandler.SetupRoutes(router)
	sessionHandler.SetupRoutes(router, middleware.AuthMiddleware(tokens))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("control API listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exit := exitOK
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		exit = exitCodeFor(err)
	case sig := <-sigChan:
		log.Infow("shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown failed", "error", err)
		srv.Close()
	}

	supervisor.Shutdown()
	rootCancel()
	log.Info("streamd stopped")
	return exit
}

func exitCodeFor(err error) int {
	se := kerrors.Get(err)
	if se == nil {
		return exitInternal
	}
	switch se.Kind {
	case kerrors.KindPermissionDenied, kerrors.KindPeerUntrusted, kerrors.KindConsentDenied:
		return exitPermission
	case kerrors.KindDeviceUnavailable, kerrors.KindHardwareAccelFailed:
		return exitHardware
	case kerrors.KindTransportClosed, kerrors.KindTransportCongested:
		return exitUnreachable
	default:
		return exitInternal
	}
}
