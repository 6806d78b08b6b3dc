// Package protocol defines the x402 escrow wire format: payment payloads,
// requirements, 402 challenge bodies and settlement receipts.
package protocol

const (
	// X402Version is the single protocol version this implementation speaks
	X402Version = 1

	// SchemeEscrow is the gasless escrow scheme (permit + payment intent)
	SchemeEscrow = "escrow"
	// SchemeExact is accepted for clients that tag escrow payloads as exact
	SchemeExact = "exact"

	// PaymentHeader carries the encoded payload on protected requests
	PaymentHeader = "X-PAYMENT"
	// PaymentResponseHeader carries the settlement receipt on success
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// SupportedSchemes lists the scheme tags Validate accepts
var SupportedSchemes = []string{SchemeEscrow, SchemeExact}

// PaymentRequirements describes what a protected resource asks to be paid
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// Signature is a split ECDSA signature; V is 27 or 28
type Signature struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// EVMPermitPayload is the signed escrow creation request
type EVMPermitPayload struct {
	PaymentID        string    `json:"paymentId"`
	Payer            string    `json:"payer"`
	Recipient        string    `json:"recipient"`
	Amount           string    `json:"amount"`
	Duration         string    `json:"duration"`
	Deadline         string    `json:"deadline"`
	Nonce            string    `json:"nonce"`
	PermitSignature  Signature `json:"permitSignature"`
	PaymentSignature Signature `json:"paymentSignature"`
}

// PaymentPayload is what clients send in the X-PAYMENT header
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Payload     EVMPermitPayload `json:"payload"`
}

// Payment402Response is the body of a 402 challenge
type Payment402Response struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// SettlementReceipt is the X-PAYMENT-RESPONSE header value
type SettlementReceipt struct {
	Settled     bool    `json:"settled"`
	TxHash      string  `json:"txHash"`
	PaymentID   string  `json:"paymentId"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// ValidationResult is the outcome of structural validation
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// VerifyResult is returned by the facilitator's verify operation
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Payer     string `json:"payer,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// SettleResult is returned by the facilitator's settle operation
type SettleResult struct {
	Settled     bool   `json:"settled"`
	Error       string `json:"error,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// PaymentRequest is the body accepted by /verify and /settle
type PaymentRequest struct {
	Payment string `json:"payment"`
}

// PaymentRecord mirrors the escrow contract's payment struct. Amount is a
// decimal string in token base units.
type PaymentRecord struct {
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	ExpiresAt int64  `json:"expiresAt"`
	Claimed   bool   `json:"claimed"`
	Refunded  bool   `json:"refunded"`
}

// PaymentInfo is a payment record together with its derived status
type PaymentInfo struct {
	PaymentID string        `json:"paymentId"`
	Status    PaymentStatus `json:"status"`
	PaymentRecord
}
