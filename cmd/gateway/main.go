package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang-stock-gateway/internal/api"
	"golang-stock-gateway/internal/broker"
	"golang-stock-gateway/internal/cache"
	"golang-stock-gateway/internal/collector"
	"golang-stock-gateway/internal/config"
	"golang-stock-gateway/internal/fanout"
	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
	"golang-stock-gateway/internal/stock"
	"golang-stock-gateway/internal/storage"
	"golang-stock-gateway/internal/subscription"
	"golang-stock-gateway/internal/terminal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.GetLogger().WithError(err).Fatal("🔥 Failed to load configuration")
	}

	log := logger.GetLogger()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("🔥 Failed to configure logging")
	}
	log.Info("🚀 Starting stock gateway")

	// Terminal session: one bridge process, one owner goroutine.
	driver, err := terminal.NewBridgeDriver(cfg.Terminal.BridgeScript, cfg.Terminal.AckTimeout, log)
	if err != nil {
		log.WithError(err).Fatal("🔥 Failed to start terminal bridge")
	}

	session := terminal.NewSession(driver, cfg.Terminal.PumpInterval, cfg.Terminal.LoginTimeout, log)

	reqBroker := broker.New(session, cfg.Collector.RequestTimeout, cfg.Collector.RetryBackoff, cfg.Collector.RequestAttempts, log)

	hub := fanout.NewHub(cfg.Fanout.QueueSize, cfg.Fanout.SubscriberBuffer, log)
	subMgr := subscription.NewManager(session, cfg.Terminal.FieldMask, log)

	// Both callbacks run on the session goroutine; each hands off through a
	// channel and returns immediately.
	session.SetDataReadyHandler(reqBroker.HandleDataReady)
	session.SetLiveTickHandler(func(stockCode string, fields map[string]string) {
		hub.Publish(market.DecodeLiveTick(stockCode, fields))
	})

	// Optional persistence backends. The gateway serves without them.
	var redisClient *storage.RedisClient
	if cfg.Database.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Database.RedisURL, cfg.Collector.PublishChannel, log)
		if err != nil {
			log.WithError(err).Warn("⚠️ Redis unavailable, continuing without pub/sub")
		}
	}

	var pgStore *storage.PostgresStore
	if cfg.Database.PostgresURL != "" {
		pgStore, err = storage.NewPostgresStore(cfg.Database.PostgresURL, log)
		if err != nil {
			log.WithError(err).Warn("⚠️ PostgreSQL unavailable, continuing without relational store")
		}
	}

	stockDB, err := stock.NewDatabase(cfg.Database.SQLitePath, log)
	if err != nil {
		log.WithError(err).Fatal("🔥 Failed to open instrument database")
	}

	fileCache := cache.NewFileCache(cfg.Collector.CacheFile, log)
	coll := collector.New(reqBroker, session, fileCache, collector.Options{
		RequestInterval: cfg.Collector.RequestInterval,
		FlushBatchSize:  cfg.Collector.FlushBatchSize,
		CacheValidity:   cfg.Collector.CacheValidity,
	}, log)

	coll.AddSink(collector.SinkFunc(func(ctx context.Context, snapshots []market.Snapshot) error {
		return stockDB.UpsertInstruments(snapshots)
	}))
	if redisClient != nil {
		coll.AddSink(collector.SinkFunc(redisClient.StoreSnapshots))
	}
	if pgStore != nil {
		coll.AddSink(collector.SinkFunc(pgStore.UpsertSnapshots))
	}

	if redisClient != nil {
		hub.SetPublishCallback(func(tick market.LiveTick) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.PublishLiveTick(ctx, tick)
		})
	}

	hub.Start()
	session.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Login and collection run in the background so the HTTP server comes
	// up immediately; /api/all-companies blocks on the data-loaded signal.
	go func() {
		if err := session.Connect(ctx); err != nil {
			log.WithError(err).Error("🔥 Terminal login failed, serving cached data only")
			coll.Abort()
			return
		}
		if _, err := coll.RunCollectionPass(ctx); err != nil {
			log.WithError(err).Error("🔥 Collection pass failed")
		}
	}()

	wsHandler := api.NewWebSocketHandler(hub, subMgr, log)
	server := api.NewServer(coll, session, wsHandler, log)
	server.AddStatsSource("session", session)
	server.AddStatsSource("broker", reqBroker)
	server.AddStatsSource("collector", coll)
	server.AddStatsSource("fanout", hub)
	server.AddStatsSource("subscriptions", subMgr)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithFields(logger.Fields{"addr": httpServer.Addr}).Info("🚀 HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("🔥 HTTP server failed")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("🛑 Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("⚠️ HTTP shutdown incomplete")
	}

	hub.Stop()
	if err := session.Stop(); err != nil {
		log.WithError(err).Warn("⚠️ Terminal session shutdown incomplete")
	}

	if redisClient != nil {
		redisClient.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	stockDB.Close()

	log.Info("✅ Shutdown complete")
}
