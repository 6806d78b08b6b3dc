package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

// EscrowABIJSON is the ABI of the X402 escrow contract
const EscrowABIJSON = `[
	{
		"name": "createPayment",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "paymentId", "type": "bytes32"},
			{"name": "recipient", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "duration", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "createPaymentWithPermit",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "paymentId", "type": "bytes32"},
			{"name": "payer", "type": "address"},
			{"name": "recipient", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "duration", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "paymentV", "type": "uint8"},
			{"name": "paymentR", "type": "bytes32"},
			{"name": "paymentS", "type": "bytes32"},
			{"name": "permitV", "type": "uint8"},
			{"name": "permitR", "type": "bytes32"},
			{"name": "permitS", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"name": "claimPayment",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "paymentId", "type": "bytes32"}],
		"outputs": []
	},
	{
		"name": "refundPayment",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "paymentId", "type": "bytes32"}],
		"outputs": []
	},
	{
		"name": "getPayment",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "paymentId", "type": "bytes32"}],
		"outputs": [
			{"name": "payer", "type": "address"},
			{"name": "recipient", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "expiresAt", "type": "uint256"},
			{"name": "claimed", "type": "bool"},
			{"name": "refunded", "type": "bool"}
		]
	},
	{
		"name": "nonces",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

// EscrowABI is the parsed escrow ABI
var EscrowABI = mustParse(EscrowABIJSON)

// PermitPaymentArgs are the arguments of createPaymentWithPermit
type PermitPaymentArgs struct {
	PaymentID [32]byte
	Payer     common.Address
	Recipient common.Address
	Amount    *big.Int
	Duration  *big.Int
	Deadline  *big.Int
	PaymentV  uint8
	PaymentR  [32]byte
	PaymentS  [32]byte
	PermitV   uint8
	PermitR   [32]byte
	PermitS   [32]byte
}

// Escrow wraps the escrow contract over a gateway
type Escrow struct {
	address common.Address
	gateway blockchain.Gateway
}

// NewEscrow creates an escrow binding
func NewEscrow(address common.Address, gateway blockchain.Gateway) *Escrow {
	return &Escrow{address: address, gateway: gateway}
}

// Address returns the contract address
func (e *Escrow) Address() common.Address {
	return e.address
}

// Nonce returns the payer's payment-intent nonce
func (e *Escrow) Nonce(ctx context.Context, payer common.Address) (*big.Int, error) {
	return e.gateway.GetNonce(ctx, e.address, payer)
}

// GetPayment reads a payment record. Unknown ids come back as an all-zero record.
func (e *Escrow) GetPayment(ctx context.Context, paymentID [32]byte) (*protocol.PaymentRecord, error) {
	out, err := e.gateway.ReadContract(ctx, e.address, EscrowABI, "getPayment", paymentID)
	if err != nil {
		return nil, err
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("getPayment returned %d values", len(out))
	}

	payer, ok1 := out[0].(common.Address)
	recipient, ok2 := out[1].(common.Address)
	amount, ok3 := out[2].(*big.Int)
	expiresAt, ok4 := out[3].(*big.Int)
	claimed, ok5 := out[4].(bool)
	refunded, ok6 := out[5].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, fmt.Errorf("unexpected getPayment response types")
	}

	return &protocol.PaymentRecord{
		Payer:     payer.Hex(),
		Recipient: recipient.Hex(),
		Amount:    amount.String(),
		ExpiresAt: expiresAt.Int64(),
		Claimed:   claimed,
		Refunded:  refunded,
	}, nil
}

// CreatePaymentWithPermit submits a gasless escrow creation paid for by from
func (e *Escrow) CreatePaymentWithPermit(ctx context.Context, from *blockchain.Account, args PermitPaymentArgs) (common.Hash, error) {
	return e.gateway.SendTransaction(ctx, from, e.address, EscrowABI, "createPaymentWithPermit",
		args.PaymentID,
		args.Payer,
		args.Recipient,
		args.Amount,
		args.Duration,
		args.Deadline,
		args.PaymentV,
		args.PaymentR,
		args.PaymentS,
		args.PermitV,
		args.PermitR,
		args.PermitS,
	)
}

// CreatePayment escrows tokens the payer has already approved
func (e *Escrow) CreatePayment(
	ctx context.Context,
	payer *blockchain.Account,
	paymentID [32]byte,
	recipient common.Address,
	amount *big.Int,
	duration *big.Int,
) (common.Hash, error) {
	return e.gateway.SendTransaction(ctx, payer, e.address, EscrowABI, "createPayment", paymentID, recipient, amount, duration)
}

// ClaimPayment releases escrowed funds to the recipient before expiry
func (e *Escrow) ClaimPayment(ctx context.Context, recipient *blockchain.Account, paymentID [32]byte) (common.Hash, error) {
	return e.gateway.SendTransaction(ctx, recipient, e.address, EscrowABI, "claimPayment", paymentID)
}

// RefundPayment returns expired, unclaimed funds to the payer
func (e *Escrow) RefundPayment(ctx context.Context, payer *blockchain.Account, paymentID [32]byte) (common.Hash, error) {
	return e.gateway.SendTransaction(ctx, payer, e.address, EscrowABI, "refundPayment", paymentID)
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}
