// Package facilitator verifies x402 escrow payloads and settles them on-chain,
// paying gas on the payer's behalf.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/signature"
)

var (
	// ErrPaymentNotFound is returned when the escrow has no record for an id
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidRequest is returned for malformed payment ids or create requests
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultPaymentLinkScheme prefixes payment request deep links
const DefaultPaymentLinkScheme = "x402"

// Config identifies the chain and contracts a facilitator settles against
type Config struct {
	ChainID *big.Int
	Network string
	Escrow  common.Address
	Token   common.Address
	// TokenName is the permit domain name; read from the token when empty
	TokenName         string
	ReceiptTimeout    time.Duration
	PaymentLinkScheme string
}

// Options toggles optional behavior
type Options struct {
	// LocalSignatureCheck recovers both signatures during verify so doomed
	// payloads are rejected before any gas is spent
	LocalSignatureCheck bool

	// Clock returns the time payment status is computed against
	Clock func() time.Time
}

// ServiceConfig is the public view served on /config
type ServiceConfig struct {
	ChainID       int64  `json:"chainId"`
	EscrowAddress string `json:"escrowAddress"`
	TokenAddress  string `json:"tokenAddress"`
	Network       string `json:"network"`
}

// Facilitator is the payment orchestrator
type Facilitator struct {
	cfg     Config
	opts    Options
	gateway blockchain.Gateway
	escrow  *contracts.Escrow
	token   *contracts.Token
	logger  logger.Logger
	now     func() time.Time
}

// New creates a facilitator over a gateway
func New(ctx context.Context, gateway blockchain.Gateway, cfg Config, logger logger.Logger, opts Options) (*Facilitator, error) {
	if cfg.ChainID == nil {
		chainID, err := gateway.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain ID: %v", err)
		}
		cfg.ChainID = chainID
	}
	if cfg.PaymentLinkScheme == "" {
		cfg.PaymentLinkScheme = DefaultPaymentLinkScheme
	}

	f := &Facilitator{
		cfg:     cfg,
		opts:    opts,
		gateway: gateway,
		escrow:  contracts.NewEscrow(cfg.Escrow, gateway),
		token:   contracts.NewToken(cfg.Token, gateway),
		logger:  logger,
		now:     opts.Clock,
	}
	if f.now == nil {
		f.now = time.Now
	}

	if f.cfg.TokenName == "" {
		name, err := f.token.Name(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read token name: %v", err)
		}
		f.cfg.TokenName = name
	}

	logger.Info("Facilitator ready on chain %s (escrow %s, token %s %q, local signature check: %t)",
		f.cfg.ChainID, cfg.Escrow.Hex(), cfg.Token.Hex(), f.cfg.TokenName, opts.LocalSignatureCheck)
	return f, nil
}

// Config returns the public service configuration
func (f *Facilitator) Config() ServiceConfig {
	return ServiceConfig{
		ChainID:       f.cfg.ChainID.Int64(),
		EscrowAddress: f.cfg.Escrow.Hex(),
		TokenAddress:  f.cfg.Token.Hex(),
		Network:       f.cfg.Network,
	}
}

// Ready reports whether the chain is reachable
func (f *Facilitator) Ready(ctx context.Context) error {
	_, err := f.gateway.ChainID(ctx)
	return err
}

// NativeBalance returns the gas balance of an account, typically the facilitator's own
func (f *Facilitator) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return f.gateway.BalanceAt(ctx, address)
}

func (f *Facilitator) signatureConfig() signature.Config {
	return signature.Config{
		ChainID:   f.cfg.ChainID,
		Token:     f.cfg.Token,
		TokenName: f.cfg.TokenName,
		Escrow:    f.cfg.Escrow,
	}
}
