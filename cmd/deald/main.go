package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dealchain/config"
	"dealchain/core/state"
	"dealchain/native/deal"
	"dealchain/observability"
	"dealchain/observability/logging"
	"dealchain/rpc"
	"dealchain/storage"
)

const rpcTokenEnv = "DEALCHAIN_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	rpcAddrFlag := flag.String("rpc-addr", "", "Listen address for the JSON-RPC server (overrides config)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DEALCHAIN_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithOptions("deald", env, logging.Options{FilePath: cfg.LogFile})

	rpcAddr := cfg.RPCAddress
	if strings.TrimSpace(*rpcAddrFlag) != "" {
		rpcAddr = *rpcAddrFlag
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ledger := state.NewManager(db)

	engine := deal.NewEngine()
	engine.SetState(ledger)
	engine.SetEmitter(observability.MetricsEmitter{})

	registry := deal.NewRegistry()
	registry.SetState(ledger)
	registry.SetEmitter(observability.MetricsEmitter{})

	server := rpc.NewServer(ledger, engine, registry)
	server.SetLogger(logger)
	server.SetRateLimit(cfg.RateLimitPerMinute)
	server.SetFaucetEnabled(cfg.DevFaucet)
	if token := strings.TrimSpace(os.Getenv(rpcTokenEnv)); token == "" {
		logger.Warn("no RPC auth token configured; mutating methods will be rejected", "env", rpcTokenEnv)
	}
	if cfg.DevFaucet {
		logger.Warn("dev faucet enabled; ledger_mint is live")
	}

	httpServer := &http.Server{
		Addr:              rpcAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server", "addr", rpcAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	logger.Info("deald stopped")
}
