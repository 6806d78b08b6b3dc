package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/x402-facilitator/pkg/chains"
	"github.com/speedrun-hq/x402-facilitator/pkg/gate"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
)

// Config holds the configuration for the facilitator service
type Config struct {
	PrivateKey          string
	RPCURL              string
	ChainID             int64
	Network             string
	EscrowAddress       common.Address
	TokenAddress        common.Address
	ServerPort          string
	MonitorPollInterval time.Duration
	MonitorMaxPayments  int
	WebhookTimeout      time.Duration
	ReceiptTimeout      time.Duration
	TxTimeout           time.Duration
	Confirmations       uint64
	GasMultiplier       float64
	LocalSignatureCheck bool
	MetricsAPIKey       string
	PaymentLinkScheme   string
	LoggerConfig        LoggerConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// ResourceServerConfig holds the configuration of a gated resource server
type ResourceServerConfig struct {
	Port               string
	FacilitatorTimeout time.Duration
	Gate               gate.Config
	CircuitBreaker     CircuitBreakerConfig
	LoggerConfig       LoggerConfig
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	loadDotEnv()

	privateKey, err := GetEnvPrivateKey()
	if err != nil {
		return nil, err
	}

	rpcURL, err := GetEnvRPCURL()
	if err != nil {
		return nil, err
	}

	chainID, err := GetEnvChainID()
	if err != nil {
		return nil, err
	}

	escrow, err := GetEnvAddress("ESCROW_ADDRESS")
	if err != nil {
		return nil, err
	}

	token, err := GetEnvAddress("TOKEN_ADDRESS")
	if err != nil {
		return nil, err
	}

	serverPort, err := GetEnvServerPort()
	if err != nil {
		return nil, err
	}

	pollInterval, err := GetEnvMonitorPollInterval()
	if err != nil {
		return nil, err
	}

	maxPayments, err := GetEnvMonitorMaxPayments()
	if err != nil {
		return nil, err
	}

	webhookTimeout, err := GetEnvWebhookTimeout()
	if err != nil {
		return nil, err
	}

	receiptTimeout, err := GetEnvReceiptTimeout()
	if err != nil {
		return nil, err
	}

	txTimeout, err := GetEnvTxTimeout()
	if err != nil {
		return nil, err
	}

	confirmations, err := GetEnvConfirmations()
	if err != nil {
		return nil, err
	}

	gasMultiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return nil, err
	}

	localCheck, err := GetEnvLocalSignatureCheck()
	if err != nil {
		return nil, err
	}

	linkScheme, err := GetEnvPaymentLinkScheme()
	if err != nil {
		return nil, err
	}

	loggerConfig, err := loadLoggerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PrivateKey:          privateKey,
		RPCURL:              rpcURL,
		ChainID:             chainID,
		Network:             GetEnvNetwork(),
		EscrowAddress:       escrow,
		TokenAddress:        token,
		ServerPort:          serverPort,
		MonitorPollInterval: pollInterval,
		MonitorMaxPayments:  maxPayments,
		WebhookTimeout:      webhookTimeout,
		ReceiptTimeout:      receiptTimeout,
		TxTimeout:           txTimeout,
		Confirmations:       confirmations,
		GasMultiplier:       gasMultiplier,
		LocalSignatureCheck: localCheck,
		MetricsAPIKey:       GetEnvMetricsAPIKey(),
		PaymentLinkScheme:   linkScheme,
		LoggerConfig:        loggerConfig,
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadResourceServerConfig loads a gated resource server's configuration.
// Every gate field must be set; nothing is defaulted.
func LoadResourceServerConfig() (*ResourceServerConfig, error) {
	loadDotEnv()

	port, err := getEnvPort("RESOURCE_SERVER_PORT", "3000")
	if err != nil {
		return nil, err
	}

	timeout := os.Getenv("MAX_TIMEOUT_SECONDS")
	timeoutSeconds := 0
	if timeout != "" {
		if timeoutSeconds, err = strconv.Atoi(timeout); err != nil {
			return nil, fmt.Errorf("invalid MAX_TIMEOUT_SECONDS value: %s, must be an integer", timeout)
		}
	}

	facilitatorTimeout, err := GetEnvFacilitatorTimeout()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	loggerConfig, err := loadLoggerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &ResourceServerConfig{
		Port:               port,
		FacilitatorTimeout: facilitatorTimeout,
		Gate: gate.Config{
			FacilitatorURL:    os.Getenv("FACILITATOR_URL"),
			PayTo:             os.Getenv("PAY_TO"),
			Asset:             os.Getenv("TOKEN_ADDRESS"),
			MaxAmountRequired: os.Getenv("PRICE"),
			Network:           GetEnvNetwork(),
			Scheme:            os.Getenv("PAYMENT_SCHEME"),
			Description:       os.Getenv("RESOURCE_DESCRIPTION"),
			MaxTimeoutSeconds: timeoutSeconds,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: loggerConfig,
	}

	if err := cfg.Gate.Validate(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.Gate.PayTo) {
		return nil, fmt.Errorf("invalid PAY_TO value: %s, must be a valid Ethereum address", cfg.Gate.PayTo)
	}
	return cfg, nil
}

func loadDotEnv() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
}

func loadLoggerConfig() (LoggerConfig, error) {
	level, err := GetEnvLogLevel()
	if err != nil {
		return LoggerConfig{}, err
	}

	coloring, err := GetEnvLogColoring()
	if err != nil {
		return LoggerConfig{}, err
	}
	return LoggerConfig{Level: level, Coloring: coloring}, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY environment variable is required")
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("RPC_URL environment variable is required")
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID environment variable is required")
	}
	if cfg.Network == "" {
		cfg.Network = chains.NetworkName(cfg.ChainID)
	}
	if cfg.Network == "" {
		return fmt.Errorf("NETWORK environment variable is required for chain %d", cfg.ChainID)
	}
	if expected, known := chains.ChainID(cfg.Network); known && expected != cfg.ChainID {
		return fmt.Errorf("NETWORK %s is chain %d but CHAIN_ID is %d", cfg.Network, expected, cfg.ChainID)
	}
	if cfg.EscrowAddress == (common.Address{}) {
		return fmt.Errorf("ESCROW_ADDRESS environment variable is required")
	}
	if cfg.TokenAddress == (common.Address{}) {
		return fmt.Errorf("TOKEN_ADDRESS environment variable is required")
	}
	return nil
}
