package signature

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

// ParsedPayload is an EVMPermitPayload with every field decoded
type ParsedPayload struct {
	PaymentID  [32]byte
	Payer      common.Address
	Recipient  common.Address
	Amount     *big.Int
	Duration   *big.Int
	Deadline   *big.Int
	Nonce      *big.Int
	PermitSig  protocol.Signature
	PaymentSig protocol.Signature
}

// Parse decodes the string fields of a payload
func Parse(p protocol.EVMPermitPayload) (*ParsedPayload, error) {
	paymentID, err := contracts.ParseBytes32(p.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("paymentId: %w", err)
	}
	payer, err := contracts.ParseAddress(p.Payer)
	if err != nil {
		return nil, fmt.Errorf("payer: %w", err)
	}
	recipient, err := contracts.ParseAddress(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	amount, err := contracts.ParseUint256(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	duration, err := contracts.ParseUint256(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	deadline, err := contracts.ParseUint256(p.Deadline)
	if err != nil {
		return nil, fmt.Errorf("deadline: %w", err)
	}

	// The nonce is informational; the escrow reads its own counter
	nonce := big.NewInt(0)
	if p.Nonce != "" {
		if nonce, err = contracts.ParseUint256(p.Nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
	}

	if _, _, _, err := Components(p.PermitSignature); err != nil {
		return nil, fmt.Errorf("permitSignature: %w", err)
	}
	if _, _, _, err := Components(p.PaymentSignature); err != nil {
		return nil, fmt.Errorf("paymentSignature: %w", err)
	}

	return &ParsedPayload{
		PaymentID:  paymentID,
		Payer:      payer,
		Recipient:  recipient,
		Amount:     amount,
		Duration:   duration,
		Deadline:   deadline,
		Nonce:      nonce,
		PermitSig:  p.PermitSignature,
		PaymentSig: p.PaymentSignature,
	}, nil
}

// SettlementArgs returns the createPaymentWithPermit arguments
func (p *ParsedPayload) SettlementArgs() contracts.PermitPaymentArgs {
	paymentV, paymentR, paymentS, _ := Components(p.PaymentSig)
	permitV, permitR, permitS, _ := Components(p.PermitSig)
	return contracts.PermitPaymentArgs{
		PaymentID: p.PaymentID,
		Payer:     p.Payer,
		Recipient: p.Recipient,
		Amount:    p.Amount,
		Duration:  p.Duration,
		Deadline:  p.Deadline,
		PaymentV:  paymentV,
		PaymentR:  paymentR,
		PaymentS:  paymentS,
		PermitV:   permitV,
		PermitR:   permitR,
		PermitS:   permitS,
	}
}

// RecoverPaymentIntentSigner recovers who signed the payment intent for the given escrow nonce
func RecoverPaymentIntentSigner(cfg Config, p *ParsedPayload, escrowNonce *big.Int) (common.Address, error) {
	data := contracts.PaymentIntentTypedData(cfg.ChainID, cfg.Escrow, contracts.PaymentIntentMessage{
		PaymentID: p.PaymentID,
		Payer:     p.Payer,
		Recipient: p.Recipient,
		Amount:    p.Amount,
		Duration:  p.Duration,
		Nonce:     escrowNonce,
		Deadline:  p.Deadline,
	})
	sig, err := JoinSignature(p.PaymentSig)
	if err != nil {
		return common.Address{}, err
	}
	return blockchain.RecoverTypedDataSigner(data, sig)
}

// RecoverPermitSigner recovers who signed the permit for the given token nonce
func RecoverPermitSigner(cfg Config, p *ParsedPayload, permitNonce *big.Int) (common.Address, error) {
	data := contracts.PermitTypedData(cfg.TokenName, cfg.ChainID, cfg.Token, contracts.PermitMessage{
		Owner:    p.Payer,
		Spender:  cfg.Escrow,
		Value:    p.Amount,
		Nonce:    permitNonce,
		Deadline: p.Deadline,
	})
	sig, err := JoinSignature(p.PermitSig)
	if err != nil {
		return common.Address{}, err
	}
	return blockchain.RecoverTypedDataSigner(data, sig)
}
