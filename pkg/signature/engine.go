// Package signature builds and checks the two signatures of a gasless escrow
// payment: the EIP-2612 Permit and the EIP-712 PaymentIntent.
package signature

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// Config describes the chain and contracts a payload is signed for
type Config struct {
	ChainID   *big.Int
	Token     common.Address
	TokenName string
	Escrow    common.Address
}

// Payment is what the payer agrees to escrow
type Payment struct {
	PaymentID [32]byte
	Payer     *blockchain.Account
	Recipient common.Address
	Amount    *big.Int
	Duration  *big.Int
}

// Nonces holds the payer's two replay counters
type Nonces struct {
	Permit *big.Int
	Escrow *big.Int
}

// GetNonces reads the token permit nonce and the escrow intent nonce concurrently
func GetNonces(ctx context.Context, gw blockchain.Gateway, token, escrow, payer common.Address) (Nonces, error) {
	var nonces Nonces

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := gw.GetNonce(gctx, token, payer)
		if err != nil {
			return fmt.Errorf("failed to read permit nonce: %w", err)
		}
		nonces.Permit = n
		return nil
	})
	g.Go(func() error {
		n, err := gw.GetNonce(gctx, escrow, payer)
		if err != nil {
			return fmt.Errorf("failed to read escrow nonce: %w", err)
		}
		nonces.Escrow = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return Nonces{}, err
	}
	return nonces, nil
}

// CreateSignedPayload signs the permit and the payment intent with the payer's
// key. Both signatures share one deadline.
func CreateSignedPayload(
	ctx context.Context,
	gw blockchain.Gateway,
	cfg Config,
	payment Payment,
	nonces Nonces,
	deadline *big.Int,
) (*protocol.EVMPermitPayload, error) {
	if payment.Payer == nil {
		return nil, fmt.Errorf("payer account is required")
	}
	if payment.Amount == nil || payment.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if payment.Duration == nil || payment.Duration.Sign() <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if nonces.Permit == nil || nonces.Escrow == nil {
		return nil, fmt.Errorf("both nonces are required")
	}

	permit := contracts.PermitTypedData(cfg.TokenName, cfg.ChainID, cfg.Token, contracts.PermitMessage{
		Owner:    payment.Payer.Address,
		Spender:  cfg.Escrow,
		Value:    payment.Amount,
		Nonce:    nonces.Permit,
		Deadline: deadline,
	})
	permitSig, err := gw.SignTypedData(ctx, payment.Payer, permit)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}

	intent := contracts.PaymentIntentTypedData(cfg.ChainID, cfg.Escrow, intentMessage(payment, nonces.Escrow, deadline))
	paymentSig, err := gw.SignTypedData(ctx, payment.Payer, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment intent: %w", err)
	}

	permitSplit, err := SplitSignature(permitSig)
	if err != nil {
		return nil, err
	}
	paymentSplit, err := SplitSignature(paymentSig)
	if err != nil {
		return nil, err
	}

	return &protocol.EVMPermitPayload{
		PaymentID:        hexutil.Encode(payment.PaymentID[:]),
		Payer:            payment.Payer.Address.Hex(),
		Recipient:        payment.Recipient.Hex(),
		Amount:           payment.Amount.String(),
		Duration:         payment.Duration.String(),
		Deadline:         deadline.String(),
		Nonce:            nonces.Escrow.String(),
		PermitSignature:  permitSplit,
		PaymentSignature: paymentSplit,
	}, nil
}

// NewPayload wraps a signed escrow payload into the wire envelope
func NewPayload(network, scheme string, evm *protocol.EVMPermitPayload) protocol.PaymentPayload {
	return protocol.PaymentPayload{
		X402Version: protocol.X402Version,
		Scheme:      scheme,
		Network:     network,
		Payload:     *evm,
	}
}

// SplitSignature turns r || s || v into its components. v is kept as an integer.
func SplitSignature(sig []byte) (protocol.Signature, error) {
	if len(sig) != 65 {
		return protocol.Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return protocol.Signature{
		V: int(sig[64]),
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
	}, nil
}

// JoinSignature reverses SplitSignature
func JoinSignature(sig protocol.Signature) ([]byte, error) {
	v, r, s, err := Components(sig)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out[:32], r[:])
	copy(out[32:64], s[:])
	out[64] = v
	return out, nil
}

// Components returns the typed v, r, s values the escrow ABI expects
func Components(sig protocol.Signature) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if sig.V < 0 || sig.V > 255 {
		return 0, r, s, fmt.Errorf("invalid signature v %d", sig.V)
	}
	r, err := contracts.ParseBytes32(sig.R)
	if err != nil {
		return 0, r, s, fmt.Errorf("invalid signature r: %w", err)
	}
	s, err = contracts.ParseBytes32(sig.S)
	if err != nil {
		return 0, r, s, fmt.Errorf("invalid signature s: %w", err)
	}
	return uint8(sig.V), r, s, nil
}

func intentMessage(payment Payment, nonce, deadline *big.Int) contracts.PaymentIntentMessage {
	return contracts.PaymentIntentMessage{
		PaymentID: payment.PaymentID,
		Payer:     payment.Payer.Address,
		Recipient: payment.Recipient,
		Amount:    payment.Amount,
		Duration:  payment.Duration,
		Nonce:     nonce,
		Deadline:  deadline,
	}
}
