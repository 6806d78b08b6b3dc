package facilitator

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

// CreatePaymentRequest asks the facilitator to describe a payment a payer can sign
type CreatePaymentRequest struct {
	Recipient   string                 `json:"recipient"`
	Amount      string                 `json:"amount"`
	Duration    int64                  `json:"duration"`
	ServiceType string                 `json:"serviceType,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PaymentRequestDescriptor is everything a wallet needs to build the payload
type PaymentRequestDescriptor struct {
	RequestID     string                 `json:"requestId"`
	PaymentID     string                 `json:"paymentId"`
	Recipient     string                 `json:"recipient"`
	Amount        string                 `json:"amount"`
	Duration      int64                  `json:"duration"`
	ExpiresAt     int64                  `json:"expiresAt"`
	ChainID       int64                  `json:"chainId"`
	Network       string                 `json:"network"`
	EscrowAddress string                 `json:"escrowAddress"`
	TokenAddress  string                 `json:"tokenAddress"`
	ServiceType   string                 `json:"serviceType,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	PaymentLink   string                 `json:"paymentLink"`
}

// CheckPaymentStatus reads the escrow record and derives its status
func (f *Facilitator) CheckPaymentStatus(ctx context.Context, paymentID string) (*protocol.PaymentInfo, error) {
	id, err := contracts.ParseBytes32(paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	record, err := f.escrow.GetPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment: %w", err)
	}
	if common.HexToAddress(record.Payer) == (common.Address{}) {
		return nil, ErrPaymentNotFound
	}

	return &protocol.PaymentInfo{
		PaymentID:     encodePaymentID(id),
		Status:        protocol.ComputeStatus(*record, f.now()),
		PaymentRecord: *record,
	}, nil
}

// CreatePaymentRequest allocates a fresh payment id and returns a descriptor
// with a deep link the payer's wallet can open. Nothing is written on-chain.
func (f *Facilitator) CreatePaymentRequest(_ context.Context, req CreatePaymentRequest) (*PaymentRequestDescriptor, error) {
	recipient, err := contracts.ParseAddress(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount, err := contracts.ParseUint256(req.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidRequest)
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}

	requestID := uuid.New()
	paymentID := crypto.Keccak256Hash(requestID[:])
	expiresAt := f.now().Unix() + req.Duration

	query := url.Values{}
	query.Set("paymentId", paymentID.Hex())
	query.Set("recipient", recipient.Hex())
	query.Set("amount", amount.String())
	query.Set("duration", strconv.FormatInt(req.Duration, 10))
	query.Set("chainId", f.cfg.ChainID.String())
	query.Set("escrow", f.cfg.Escrow.Hex())
	query.Set("token", f.cfg.Token.Hex())
	if req.ServiceType != "" {
		query.Set("serviceType", req.ServiceType)
	}

	f.logger.InfoWithPayment(paymentID.Hex(), "Created payment request %s for %s (amount %s, duration %ds)",
		requestID, recipient.Hex(), amount, req.Duration)

	return &PaymentRequestDescriptor{
		RequestID:     requestID.String(),
		PaymentID:     paymentID.Hex(),
		Recipient:     recipient.Hex(),
		Amount:        amount.String(),
		Duration:      req.Duration,
		ExpiresAt:     expiresAt,
		ChainID:       f.cfg.ChainID.Int64(),
		Network:       f.cfg.Network,
		EscrowAddress: f.cfg.Escrow.Hex(),
		TokenAddress:  f.cfg.Token.Hex(),
		ServiceType:   req.ServiceType,
		Metadata:      req.Metadata,
		PaymentLink:   fmt.Sprintf("%s://pay?%s", f.cfg.PaymentLinkScheme, query.Encode()),
	}, nil
}
