package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	// ErrTxReverted is returned when a transaction reverts, either during gas estimation or on-chain
	ErrTxReverted = errors.New("transaction reverted")

	// ErrReceiptTimeout is returned when no receipt shows up before the context expires
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
)

// noncesABI covers the nonces(address) getter shared by the escrow and EIP-2612 tokens
var noncesABI = mustParseABI(`[{"inputs":[{"name":"owner","type":"address"}],"name":"nonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)

// Gateway abstracts all chain access used by the protocol core
type Gateway interface {
	// ChainID returns the chain the gateway is connected to
	ChainID(ctx context.Context) (*big.Int, error)

	// GetNonce reads nonces(owner) from a contract
	GetNonce(ctx context.Context, contract common.Address, owner common.Address) (*big.Int, error)

	// SignTypedData produces a 65-byte EIP-712 signature with v in {27, 28}
	SignTypedData(ctx context.Context, account *Account, data apitypes.TypedData) ([]byte, error)

	// SendTransaction packs and submits a contract call signed by account
	SendTransaction(ctx context.Context, from *Account, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (common.Hash, error)

	// WaitForReceipt blocks until the transaction is mined and confirmed
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)

	// ReadContract performs an eth_call and returns the unpacked outputs
	ReadContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error)

	// BalanceAt returns the native currency balance of an address
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
}

// Receipt is the subset of a transaction receipt the facilitator needs
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Account is a local signing key
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewAccount parses a hex private key, with or without 0x prefix
func NewAccount(privateKeyHex string) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	return NewAccountFromKey(key), nil
}

// NewAccountFromKey wraps an existing key
func NewAccountFromKey(key *ecdsa.PrivateKey) *Account {
	return &Account{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// GenerateAccount creates a fresh random account
func GenerateAccount() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %v", err)
	}
	return NewAccountFromKey(key), nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}
