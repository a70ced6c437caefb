// Command facilitator runs the upto payment facilitator service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/internal/config"
	"github.com/x402-foundation/x402-upto/internal/db"
	"github.com/x402-foundation/x402-upto/internal/server"
	uptofacilitator "github.com/x402-foundation/x402-upto/mechanisms/evm/upto/facilitator"
	signers "github.com/x402-foundation/x402-upto/signers/evm"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	signer, err := signers.NewFacilitatorSigner(cfg.PrivateKey, cfg.RPCURL)
	if err != nil {
		logger.Error("failed to create facilitator signer", "error", err)
		os.Exit(1)
	}

	registry := x402.NewFacilitator()
	registry.Register(x402.Network(cfg.Network), uptofacilitator.NewUptoEvmFacilitator(signer))

	var store *db.PaymentStore
	if cfg.HasAuditStore() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		database, err := db.New(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer database.Close()

		store = db.NewPaymentStore(database)
		if err := store.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to initialize payments schema", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("DATABASE_URL not set; payment auditing and stats disabled")
	}

	srv := server.New(cfg, registry, store, signer.GetAddresses()[0], logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
