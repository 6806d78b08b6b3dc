// Package testutil wires a facilitator to the in-memory chain for package tests.
package testutil

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain/mocks"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
	"github.com/speedrun-hq/x402-facilitator/pkg/signature"
	"github.com/stretchr/testify/require"
)

const (
	// Network is the network tag used by test payloads
	Network = "base-sepolia"
	// ChainID of the in-memory chain
	ChainID = 84532
	// DefaultTestTimeout bounds waits in tests
	DefaultTestTimeout = 5 * time.Second
)

// Env is a chain with a funded facilitator, a payer holding only tokens and
// a recipient holding only gas money
type Env struct {
	Chain       *mocks.Chain
	Facilitator *facilitator.Facilitator
	GasPayer    *blockchain.Account
	Payer       *blockchain.Account
	Recipient   *blockchain.Account
}

// NewEnv builds an Env; the facilitator's clock follows the chain clock
func NewEnv(t *testing.T, opts facilitator.Options) *Env {
	t.Helper()
	chain := mocks.NewChain(ChainID)

	gasPayer := GenerateAccount(t)
	payer := GenerateAccount(t)
	recipient := GenerateAccount(t)

	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	chain.Fund(gasPayer.Address, oneEther)
	chain.Fund(recipient.Address, oneEther)
	chain.Mint(payer.Address, big.NewInt(1000))

	opts.Clock = chain.Now
	f, err := facilitator.New(context.Background(), chain, facilitator.Config{
		Network: Network,
		Escrow:  mocks.EscrowAddress,
		Token:   mocks.TokenAddress,
	}, &logger.EmptyLogger{}, opts)
	require.NoError(t, err)

	return &Env{Chain: chain, Facilitator: f, GasPayer: gasPayer, Payer: payer, Recipient: recipient}
}

// GenerateAccount creates a random account
func GenerateAccount(t *testing.T) *blockchain.Account {
	t.Helper()
	account, err := blockchain.GenerateAccount()
	require.NoError(t, err)
	return account
}

// PaymentID derives a 32-byte payment id from a label
func PaymentID(label string) [32]byte {
	return crypto.Keccak256Hash([]byte(label))
}

// FacilitatorKey returns the gas payer's private key in hex
func (e *Env) FacilitatorKey() string {
	return hex.EncodeToString(crypto.FromECDSA(e.GasPayer.Key))
}

// SignedPayload signs a payment from Payer to Recipient with a ten minute deadline
func (e *Env) SignedPayload(t *testing.T, label string, amount int64) protocol.PaymentPayload {
	t.Helper()
	ctx := context.Background()

	nonces, err := signature.GetNonces(ctx, e.Chain, mocks.TokenAddress, mocks.EscrowAddress, e.Payer.Address)
	require.NoError(t, err)

	chainID, err := e.Chain.ChainID(ctx)
	require.NoError(t, err)

	evm, err := signature.CreateSignedPayload(ctx, e.Chain, signature.Config{
		ChainID:   chainID,
		Token:     mocks.TokenAddress,
		TokenName: mocks.DefaultTokenName,
		Escrow:    mocks.EscrowAddress,
	}, signature.Payment{
		PaymentID: PaymentID(label),
		Payer:     e.Payer,
		Recipient: e.Recipient.Address,
		Amount:    big.NewInt(amount),
		Duration:  big.NewInt(3600),
	}, nonces, big.NewInt(e.Chain.Now().Add(10*time.Minute).Unix()))
	require.NoError(t, err)

	return signature.NewPayload(Network, protocol.SchemeEscrow, evm)
}

// EncodedPayment is SignedPayload run through the wire codec
func (e *Env) EncodedPayment(t *testing.T, label string, amount int64) string {
	t.Helper()
	encoded, err := protocol.Encode(e.SignedPayload(t, label, amount))
	require.NoError(t, err)
	return encoded
}
