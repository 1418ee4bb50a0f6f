package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/address"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/httpapi"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/outbox"
	"escrowflow/payment"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	deriver, err := address.NewDeriver(cfg.MasterXpub, cfg.Network)
	if err != nil {
		logger.Fatal("configure address deriver", zap.Error(err))
	}

	engineMetrics := metrics.NewEngine()

	observer := ledger.NewObserver(
		ledger.ProvidersFromURLs(cfg.LedgerProviders, cfg.ProviderTimeout),
		cfg.ProviderTimeout, engineMetrics, logger)

	events := outbox.NewWriter()
	addressRepo := address.NewRepository(pool)
	addressSvc := address.NewService(pool, addressRepo, deriver)

	escrowSvc := escrow.NewService(pool, escrow.NewRepository(pool), events, escrow.Config{
		FeeRateBps:    cfg.PlatformFeeBps,
		ReleaseWindow: cfg.ReleaseWindow,
	}, logger)

	paymentSvc := payment.NewService(pool, payment.NewRepository(pool), observer,
		addressSvc, addressRepo, escrowSvc, events, payment.Config{
			ConfirmationThreshold: cfg.ConfirmationThreshold,
			Expiry:                cfg.PaymentExpiry,
			BatchSize:             cfg.ReconcileBatchSize,
			Concurrency:           cfg.ReconcileConcurrent,
		}, logger).WithMetrics(engineMetrics)

	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), escrowSvc, escrowSvc, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	httpapi.NewHandler(paymentSvc, escrowSvc, disputeSvc).Register(router)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := paymentSvc.ReconcileDue(gctx); err != nil {
					logger.Error("reconciliation batch failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.ReleaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				released, err := escrowSvc.ReleaseDue(gctx)
				if err != nil {
					logger.Error("auto-release scan failed", zap.Error(err))
					continue
				}
				if released > 0 {
					engineMetrics.ObserveAutoRelease(released)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("engine shut down")
}
