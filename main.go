package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/config"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/monitor"
	"github.com/speedrun-hq/x402-facilitator/pkg/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := blockchain.DialEthGateway(ctx, blockchain.EthGatewayConfig{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		GasMultiplier: cfg.GasMultiplier,
		Confirmations: cfg.Confirmations,
		TxTimeout:     cfg.TxTimeout,
	}, appLogger)
	if err != nil {
		log.Fatalf("Failed to connect to chain: %v", err)
	}
	defer gateway.Close()

	f, err := facilitator.New(ctx, gateway, facilitator.Config{
		ChainID:           big.NewInt(cfg.ChainID),
		Network:           cfg.Network,
		Escrow:            cfg.EscrowAddress,
		Token:             cfg.TokenAddress,
		ReceiptTimeout:    cfg.ReceiptTimeout,
		PaymentLinkScheme: cfg.PaymentLinkScheme,
	}, appLogger, facilitator.Options{LocalSignatureCheck: cfg.LocalSignatureCheck})
	if err != nil {
		log.Fatalf("Failed to create facilitator: %v", err)
	}

	m := monitor.New(f, monitor.Config{
		PollInterval:   cfg.MonitorPollInterval,
		WebhookTimeout: cfg.WebhookTimeout,
		MaxPayments:    cfg.MonitorMaxPayments,
	}, appLogger)

	srv := server.NewServer(server.Config{
		Port:           cfg.ServerPort,
		FacilitatorKey: cfg.PrivateKey,
		MetricsAPIKey:  cfg.MetricsAPIKey,
	}, f, m, appLogger)

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server shutdown: %v", err)
		}
		m.StopAll()
		cancel()
	}()

	// Start the service
	log.Println("Starting the x402 facilitator...")
	if err := srv.Start(); err != nil {
		log.Fatalf("Facilitator API failed: %v", err)
	}
	<-ctx.Done()
}
