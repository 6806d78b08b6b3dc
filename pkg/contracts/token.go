package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
)

// TokenABIJSON is the subset of an EIP-2612 ERC-20 the facilitator uses
const TokenABIJSON = `[
	{
		"name": "approve",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "permit",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"name": "nonces",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "allowance",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "name",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	}
]`

// TokenABI is the parsed token ABI
var TokenABI = mustParse(TokenABIJSON)

// Token wraps an EIP-2612 token over a gateway
type Token struct {
	address common.Address
	gateway blockchain.Gateway
}

// NewToken creates a token binding
func NewToken(address common.Address, gateway blockchain.Gateway) *Token {
	return &Token{address: address, gateway: gateway}
}

// Address returns the contract address
func (t *Token) Address() common.Address {
	return t.address
}

// Name returns the token name used in the permit domain
func (t *Token) Name(ctx context.Context) (string, error) {
	out, err := t.gateway.ReadContract(ctx, t.address, TokenABI, "name")
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("name returned %d values", len(out))
	}
	name, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected name type %T", out[0])
	}
	return name, nil
}

// Nonce returns the owner's permit nonce
func (t *Token) Nonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.gateway.GetNonce(ctx, t.address, owner)
}

// BalanceOf returns the token balance of an account
func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return t.readUint(ctx, "balanceOf", account)
}

// Allowance returns how much spender may move on behalf of owner
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.readUint(ctx, "allowance", owner, spender)
}

// Approve sets an allowance with a regular, gas-paying transaction
func (t *Token) Approve(ctx context.Context, owner *blockchain.Account, spender common.Address, value *big.Int) (common.Hash, error) {
	return t.gateway.SendTransaction(ctx, owner, t.address, TokenABI, "approve", spender, value)
}

// Permit submits a signed approval on behalf of owner
func (t *Token) Permit(
	ctx context.Context,
	from *blockchain.Account,
	owner, spender common.Address,
	value, deadline *big.Int,
	v uint8,
	r, s [32]byte,
) (common.Hash, error) {
	return t.gateway.SendTransaction(ctx, from, t.address, TokenABI, "permit", owner, spender, value, deadline, v, r, s)
}

func (t *Token) readUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := t.gateway.ReadContract(ctx, t.address, TokenABI, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s type %T", method, out[0])
	}
	return value, nil
}
