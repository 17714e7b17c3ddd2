package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"simtrade/internal/accounts"
	"simtrade/internal/app"
	"simtrade/internal/auth"
	"simtrade/internal/battle"
	"simtrade/internal/config"
	"simtrade/internal/health"
	"simtrade/internal/holdings"
	"simtrade/internal/httpserver"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/merge"
	"simtrade/internal/metrics"
	"simtrade/internal/trading"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := app.Logger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := app.OpenStore(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer storage.Store.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}
	pub := app.Events(cfg, logger)
	defer func() { _ = pub.Close() }()

	bus := marketdata.NewBus()
	snaps := marketdata.NewSnapshotStore()
	source, cache, closeSource := app.SnapshotSource(cfg)
	defer closeSource()
	refresher := marketdata.NewRefresher(source, snaps, cfg.SnapshotRefreshInterval, logger.Named("snapshots"),
		marketdata.WithCache(cache),
		marketdata.WithBus(bus),
		marketdata.WithResultHook(func(ok bool) { m.SnapshotRefresh(ok, snaps.Len()) }),
	)

	ledgerSvc := ledger.NewService(logger.Named("ledger"))
	tradeSvc := trading.NewService(storage.Store, ledgerSvc, holdings.NewBook(), snaps, trading.Options{
		FeeRate:   cfg.FeeRate,
		T1Enabled: cfg.T1Enabled,
		Location:  cfg.TradeLocation,
		Events:    pub,
		Metrics:   m,
		Log:       logger.Named("trading"),
	})
	rules, err := battle.LoadRules(cfg.BattleRulesFile)
	if err != nil {
		logger.Fatal("battle rules", zap.Error(err))
	}
	engine, err := battle.NewEngine(storage.Store, ledgerSvc, snaps, battle.Options{
		Enabled: cfg.BattleEnabled,
		Rules:   rules,
		Workers: cfg.BattleSettleWorkers,
		Events:  pub,
		Metrics: m,
		Bus:     bus,
		Log:     logger.Named("battle"),
	})
	if err != nil {
		logger.Fatal("battle engine", zap.Error(err))
	}
	defer engine.Close()
	mergeSvc := merge.NewService(storage.Store, pub, m, logger.Named("merge"))
	authSvc := auth.NewService(storage.Store, ledgerSvc, mergeSvc, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	authSvc.SetOpeningBalance(cfg.OpeningBalanceCNY)
	authSvc.SetEvents(pub)
	authSvc.SetLogger(logger.Named("auth"))
	accountSvc := accounts.NewService(storage.Store, snaps)

	limiter := httpserver.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	deps := httpserver.RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		AccountsHandler: accounts.NewHandler(accountSvc),
		TradeHandler:    trading.NewHandler(tradeSvc),
		BattleHandler:   battle.NewHandler(engine),
		MergeHandler:    merge.NewHandler(mergeSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc, storage.Store),
		MarketHandler:   marketdata.NewHandler(snaps),
		Tokens:          authSvc,
		InternalToken:   cfg.InternalToken,
		Origin:          cfg.WebSocketOrigin,
		WSHandler:       httpserver.NewWSHandler(bus, snaps, authSvc, cfg.WebSocketOrigin, logger.Named("ws")),
		RateLimiter:     limiter,
		Log:             logger.Named("http"),
	}
	var pinger health.Pinger
	if storage.Pool != nil {
		pinger = storage.Pool
	}
	deps.HealthHandler = health.NewHandler(pinger, snaps, bus, cfg.StoreDriver, time.Now())
	if m != nil {
		deps.MetricsHandler = m.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(refresher.Run)
	background(limiter.Run)
	if cfg.BattleEnabled {
		background(battle.NewScheduler(engine, cfg.BattleSettleInterval, logger.Named("scheduler")).Run)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("battle", cfg.BattleEnabled),
		zap.Bool("metrics", m != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", zap.Error(err))
		stop()
	}
	wg.Wait()
	logger.Info("server stopped")
}
