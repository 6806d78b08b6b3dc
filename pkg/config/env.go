package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
)

const (
	// DefaultServerPort defines the default port for the facilitator API
	DefaultServerPort = "8080"

	// DefaultMonitorPollInterval defines how often monitored payments are read, in milliseconds
	DefaultMonitorPollInterval = 5000

	// DefaultMonitorMaxPayments defines how many payments can be monitored at once
	DefaultMonitorMaxPayments = 1000

	// DefaultWebhookTimeout defines the webhook delivery timeout in seconds
	DefaultWebhookTimeout = 10

	// DefaultReceiptTimeout defines how long settlement waits for a receipt, in seconds
	DefaultReceiptTimeout = 120

	// DefaultTxTimeout defines, in seconds, how long a sent transaction may stay unmined before it is re-checked
	DefaultTxTimeout = 300

	// DefaultFacilitatorTimeout bounds a resource server's facilitator calls, in seconds.
	// It exceeds DefaultReceiptTimeout so a settlement can finish its receipt wait.
	DefaultFacilitatorTimeout = 150

	// DefaultConfirmations defines how many blocks a settlement needs
	DefaultConfirmations = 1

	// DefaultLocalSignatureCheck defines whether verify recovers signatures locally
	DefaultLocalSignatureCheck = false

	// DefaultGasMultiplier is applied to the node's suggested gas price
	DefaultGasMultiplier = blockchain.DefaultGasMultiplier

	// DefaultPaymentLinkScheme prefixes payment request deep links
	DefaultPaymentLinkScheme = facilitator.DefaultPaymentLinkScheme

	// DefaultLogLevel defines the default log level
	DefaultLogLevel = logger.InfoLevel

	// DefaultLogColoring defines whether log tags are colored
	DefaultLogColoring = false

	// DefaultCircuitBreakerEnabled defines whether the facilitator client breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker in minutes
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker in minutes
	DefaultCircuitBreakerReset = 1
)

// GetEnvPrivateKey returns the facilitator's hex private key
func GetEnvPrivateKey() (string, error) {
	key := strings.TrimSpace(os.Getenv("PRIVATE_KEY"))
	if key == "" {
		return "", nil
	}
	if _, err := blockchain.NewAccount(key); err != nil {
		return "", fmt.Errorf("invalid PRIVATE_KEY value: %v", err)
	}
	return key, nil
}

// GetEnvRPCURL returns the JSON-RPC endpoint of the settlement chain
func GetEnvRPCURL() (string, error) {
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		return "", nil
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid RPC_URL value: %s, must be an absolute URL", rpcURL)
	}
	return rpcURL, nil
}

// GetEnvChainID returns the expected chain ID; zero when unset
func GetEnvChainID() (int64, error) {
	chainID := os.Getenv("CHAIN_ID")
	if chainID == "" {
		return 0, nil
	}

	id, err := strconv.ParseInt(chainID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid CHAIN_ID value: %s, must be an integer", chainID)
	}
	if id <= 0 {
		return 0, fmt.Errorf("CHAIN_ID must be greater than 0")
	}
	return id, nil
}

// GetEnvNetwork returns the x402 network tag, such as base-sepolia
func GetEnvNetwork() string {
	return strings.TrimSpace(os.Getenv("NETWORK"))
}

// GetEnvAddress reads an optional Ethereum address
func GetEnvAddress(name string) (common.Address, error) {
	value := os.Getenv(name)
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return common.HexToAddress(value), nil
}

// GetEnvServerPort returns the API server port from environment variables
func GetEnvServerPort() (string, error) {
	return getEnvPort("SERVER_PORT", DefaultServerPort)
}

// GetEnvMonitorPollInterval returns the payment monitor poll interval
func GetEnvMonitorPollInterval() (time.Duration, error) {
	ms, err := getEnvPositiveInt("MONITOR_POLL_INTERVAL", DefaultMonitorPollInterval)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// GetEnvMonitorMaxPayments returns the monitor registry capacity
func GetEnvMonitorMaxPayments() (int, error) {
	return getEnvPositiveInt("MONITOR_MAX_PAYMENTS", DefaultMonitorMaxPayments)
}

// GetEnvWebhookTimeout returns the webhook delivery timeout
func GetEnvWebhookTimeout() (time.Duration, error) {
	seconds, err := getEnvPositiveInt("WEBHOOK_TIMEOUT", DefaultWebhookTimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvReceiptTimeout returns how long settlement waits for a receipt
func GetEnvReceiptTimeout() (time.Duration, error) {
	seconds, err := getEnvPositiveInt("RECEIPT_TIMEOUT", DefaultReceiptTimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvTxTimeout returns how long a sent transaction may stay unmined before it is re-checked
func GetEnvTxTimeout() (time.Duration, error) {
	seconds, err := getEnvPositiveInt("TX_TIMEOUT", DefaultTxTimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvFacilitatorTimeout returns the per-request timeout of facilitator calls
func GetEnvFacilitatorTimeout() (time.Duration, error) {
	seconds, err := getEnvPositiveInt("FACILITATOR_TIMEOUT", DefaultFacilitatorTimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvConfirmations returns the number of confirmations a settlement waits for
func GetEnvConfirmations() (uint64, error) {
	n, err := getEnvPositiveInt("CONFIRMATIONS", DefaultConfirmations)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// GetEnvLocalSignatureCheck returns whether verify recovers signatures locally
func GetEnvLocalSignatureCheck() (bool, error) {
	return getEnvBool("LOCAL_SIGNATURE_CHECK", DefaultLocalSignatureCheck)
}

// GetEnvGasMultiplier returns the gas price multiplier
func GetEnvGasMultiplier() (float64, error) {
	multiplier := os.Getenv("GAS_MULTIPLIER")
	if multiplier == "" {
		return DefaultGasMultiplier, nil
	}

	value, err := strconv.ParseFloat(multiplier, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a number", multiplier)
	}
	if value < 1 {
		return 0, fmt.Errorf("GAS_MULTIPLIER must be at least 1")
	}
	return value, nil
}

// GetEnvMetricsAPIKey returns the bearer token protecting /metrics; empty leaves it open
func GetEnvMetricsAPIKey() string {
	return os.Getenv("METRICS_API_KEY")
}

// GetEnvPaymentLinkScheme returns the deep link scheme of payment requests
func GetEnvPaymentLinkScheme() (string, error) {
	scheme := os.Getenv("PAYMENT_LINK_SCHEME")
	if scheme == "" {
		return DefaultPaymentLinkScheme, nil
	}
	if strings.ContainsAny(scheme, ":/ ") {
		return "", fmt.Errorf("invalid PAYMENT_LINK_SCHEME value: %s, must be a bare scheme name", scheme)
	}
	return scheme, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return DefaultLogLevel, nil
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log tags are colored
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	minutes, err := getEnvPositiveInt("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return 0, err
	}
	return time.Duration(minutes) * time.Minute, nil
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	minutes, err := getEnvPositiveInt("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return 0, err
	}
	return time.Duration(minutes) * time.Minute, nil
}

func getEnvPort(name, fallback string) (string, error) {
	port := os.Getenv(name)
	if port == "" {
		return fallback, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", name, port)
	}
	return port, nil
}

func getEnvPositiveInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return n, nil
}

func getEnvBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}
