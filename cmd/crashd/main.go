package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crashd/internal/api"
	"crashd/internal/config"
	"crashd/internal/db"
	"crashd/internal/ledger"
	"crashd/internal/oracle"
	"crashd/internal/round"
	"crashd/internal/store"
	"crashd/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("ensure schema failed", "err", err)
			os.Exit(1)
		}
		st = pg
	default:
		st = store.NewMemory()
	}

	if cfg.SeedDemoUsers {
		users, err := store.SeedDemoUsers(ctx, st)
		if err != nil {
			logger.Error("seed demo users failed", "err", err)
			os.Exit(1)
		}
		for _, u := range users {
			logger.Info("demo user ready", "username", u.Username, "user_id", u.ID)
		}
	}

	prices := oracle.New(oracle.Config{TTL: cfg.OracleTTL}, logger)

	roundCfg := round.Config{
		BetWindow:    cfg.BetWindow,
		PlayWindow:   cfg.PlayWindow,
		TickInterval: cfg.TickInterval,
		MaxCrash:     cfg.MaxCrash,
	}
	ledgerHolder := &ledgerCashier{}
	hub := ws.NewHub(ledgerHolder, logger)
	engine, err := round.NewEngine(roundCfg, st, hub, logger)
	if err != nil {
		logger.Error("round config invalid", "err", err)
		os.Exit(1)
	}
	ledgerSvc := ledger.NewService(st, prices, engine, hub, logger)
	ledgerHolder.svc = ledgerSvc

	go engine.Run(ctx)

	server := api.New(cfg, logger, ledgerSvc, engine, st, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("crashd listening", "addr", cfg.Addr, "store", cfg.StoreBackend)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// ledgerCashier breaks the hub/ledger construction cycle: the hub needs a
// cashier before the ledger exists, because the ledger broadcasts through
// the hub.
type ledgerCashier struct {
	svc *ledger.Service
}

func (l *ledgerCashier) CashOut(ctx context.Context, userID string, roundNumber int64, currency string) (store.Transaction, error) {
	return l.svc.CashOut(ctx, userID, roundNumber, currency)
}
