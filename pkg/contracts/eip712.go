package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
)

const (
	// EscrowDomainName is the EIP-712 domain name the escrow contract hashes with
	EscrowDomainName = "X402 Escrow"
	// DomainVersion is shared by the escrow and permit domains
	DomainVersion = "1"
)

// Field order must match the on-chain type hashes exactly
var (
	permitType = []apitypes.Type{
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}

	paymentIntentType = []apitypes.Type{
		{Name: "paymentId", Type: "bytes32"},
		{Name: "payer", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "duration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}
)

// PermitMessage is an EIP-2612 Permit
type PermitMessage struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

// PaymentIntentMessage authorizes the escrow to create one payment
type PaymentIntentMessage struct {
	PaymentID [32]byte
	Payer     common.Address
	Recipient common.Address
	Amount    *big.Int
	Duration  *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
}

// PermitTypedData builds the Permit structure in the token's domain
func PermitTypedData(tokenName string, chainID *big.Int, token common.Address, msg PermitMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": blockchain.EIP712DomainType,
			"Permit":       permitType,
		},
		PrimaryType: "Permit",
		Domain:      domain(tokenName, chainID, token),
		Message: apitypes.TypedDataMessage{
			"owner":    msg.Owner.Hex(),
			"spender":  msg.Spender.Hex(),
			"value":    new(big.Int).Set(msg.Value),
			"nonce":    new(big.Int).Set(msg.Nonce),
			"deadline": new(big.Int).Set(msg.Deadline),
		},
	}
}

// PaymentIntentTypedData builds the PaymentIntent structure in the escrow's domain
func PaymentIntentTypedData(chainID *big.Int, escrow common.Address, msg PaymentIntentMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  blockchain.EIP712DomainType,
			"PaymentIntent": paymentIntentType,
		},
		PrimaryType: "PaymentIntent",
		Domain:      domain(EscrowDomainName, chainID, escrow),
		Message: apitypes.TypedDataMessage{
			"paymentId": hexutil.Encode(msg.PaymentID[:]),
			"payer":     msg.Payer.Hex(),
			"recipient": msg.Recipient.Hex(),
			"amount":    new(big.Int).Set(msg.Amount),
			"duration":  new(big.Int).Set(msg.Duration),
			"nonce":     new(big.Int).Set(msg.Nonce),
			"deadline":  new(big.Int).Set(msg.Deadline),
		},
	}
}

func domain(name string, chainID *big.Int, verifyingContract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
		VerifyingContract: verifyingContract.Hex(),
	}
}

// ParseBytes32 decodes a 0x-prefixed 32-byte hex value
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid bytes32 %q: %v", s, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid bytes32 %q: got %d bytes", s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// ParseAddress decodes a hex address, rejecting malformed values
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseUint256 decodes a non-negative decimal integer string
func ParseUint256(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 256 {
		return nil, fmt.Errorf("invalid uint256 %q", s)
	}
	return value, nil
}
