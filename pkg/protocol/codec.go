package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEncoding is returned when a header value is not base64 JSON
var ErrInvalidEncoding = errors.New("invalid payment encoding")

// Encode converts a PaymentPayload to base64-encoded JSON.
// Struct field order makes the JSON canonical.
func Encode(payload PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode converts a base64-encoded JSON string into a PaymentPayload
func Decode(encoded string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidEncoding, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidEncoding, err)
	}
	return &payload, nil
}

// Validate performs structural checks only; signatures are not verified here
func Validate(payload *PaymentPayload) ValidationResult {
	if payload == nil {
		return invalid("payment payload is missing")
	}
	if payload.X402Version != X402Version {
		return invalid(fmt.Sprintf("unsupported x402 version: %d", payload.X402Version))
	}
	if !isSupportedScheme(payload.Scheme) {
		return invalid(fmt.Sprintf("unsupported scheme: %q", payload.Scheme))
	}

	p := payload.Payload
	if p.PaymentID == "" {
		return invalid("missing paymentId")
	}
	if p.Payer == "" {
		return invalid("missing payer")
	}
	if p.Recipient == "" {
		return invalid("missing recipient")
	}
	if !hasSignature(p.PermitSignature) {
		return invalid("missing permit signature")
	}
	if !hasSignature(p.PaymentSignature) {
		return invalid("missing payment signature")
	}

	return ValidationResult{Valid: true}
}

// Build402 wraps one or more requirements into a challenge body
func Build402(reason string, requirements ...PaymentRequirements) Payment402Response {
	accepts := make([]PaymentRequirements, len(requirements))
	copy(accepts, requirements)
	return Payment402Response{
		X402Version: X402Version,
		Accepts:     accepts,
		Error:       reason,
	}
}

// BuildSettlementHeader renders the settlement receipt as a header value
func BuildSettlementHeader(txHash, paymentID string, settled bool, blockNumber *uint64) (string, error) {
	receipt := SettlementReceipt{
		Settled:     settled,
		TxHash:      txHash,
		PaymentID:   paymentID,
		BlockNumber: blockNumber,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement receipt: %w", err)
	}
	return string(raw), nil
}

// ParseSettlementHeader decodes an X-PAYMENT-RESPONSE value
func ParseSettlementHeader(value string) (*SettlementReceipt, error) {
	var receipt SettlementReceipt
	if err := json.Unmarshal([]byte(value), &receipt); err != nil {
		return nil, fmt.Errorf("%w: settlement receipt: %v", ErrInvalidEncoding, err)
	}
	return &receipt, nil
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Valid: false, Error: reason}
}

func hasSignature(sig Signature) bool {
	return sig.V != 0 && sig.R != "" && sig.S != ""
}

func isSupportedScheme(scheme string) bool {
	for _, s := range SupportedSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}
