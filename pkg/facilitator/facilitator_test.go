package facilitator

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain/mocks"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
	"github.com/speedrun-hq/x402-facilitator/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNetwork = "base-sepolia"

var oneEther = big.NewInt(1_000_000_000_000_000_000)

// testEnv is a fake chain with a funded facilitator, a payer holding only
// tokens and a recipient holding only gas money
type testEnv struct {
	chain       *mocks.Chain
	facilitator *Facilitator
	gasPayer    *blockchain.Account
	payer       *blockchain.Account
	recipient   *blockchain.Account
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	chain := mocks.NewChain(84532)

	gasPayer, err := blockchain.GenerateAccount()
	require.NoError(t, err)
	payer, err := blockchain.GenerateAccount()
	require.NoError(t, err)
	recipient, err := blockchain.GenerateAccount()
	require.NoError(t, err)

	chain.Fund(gasPayer.Address, oneEther)
	chain.Fund(recipient.Address, oneEther)
	chain.Mint(payer.Address, big.NewInt(1000))

	opts.Clock = chain.Now
	f, err := New(context.Background(), chain, Config{
		Network: testNetwork,
		Escrow:  mocks.EscrowAddress,
		Token:   mocks.TokenAddress,
	}, &logger.EmptyLogger{}, opts)
	require.NoError(t, err)

	return &testEnv{chain: chain, facilitator: f, gasPayer: gasPayer, payer: payer, recipient: recipient}
}

func (e *testEnv) facilitatorKey() string {
	return hex.EncodeToString(crypto.FromECDSA(e.gasPayer.Key))
}

func paymentIDFor(label string) [32]byte {
	return crypto.Keccak256Hash([]byte(label))
}

// signedPayment builds an encoded payload signed by signer on behalf of env.payer
func (e *testEnv) signedPayment(t *testing.T, label string, amount int64, deadline time.Time, signer *blockchain.Account) string {
	t.Helper()
	ctx := context.Background()

	nonces, err := signature.GetNonces(ctx, e.chain, mocks.TokenAddress, mocks.EscrowAddress, e.payer.Address)
	require.NoError(t, err)

	evm, err := signature.CreateSignedPayload(ctx, e.chain, e.facilitator.signatureConfig(), signature.Payment{
		PaymentID: paymentIDFor(label),
		Payer:     signer,
		Recipient: e.recipient.Address,
		Amount:    big.NewInt(amount),
		Duration:  big.NewInt(3600),
	}, nonces, big.NewInt(deadline.Unix()))
	require.NoError(t, err)

	// A foreign signer still claims to pay from env.payer
	evm.Payer = e.payer.Address.Hex()

	encoded, err := protocol.Encode(signature.NewPayload(testNetwork, protocol.SchemeEscrow, evm))
	require.NoError(t, err)
	return encoded
}

func (e *testEnv) validPayment(t *testing.T, label string) string {
	return e.signedPayment(t, label, 100, e.chain.Now().Add(10*time.Minute), e.payer)
}

func (e *testEnv) escrowNonce(t *testing.T) int64 {
	n, err := e.chain.GetNonce(context.Background(), mocks.EscrowAddress, e.payer.Address)
	require.NoError(t, err)
	return n.Int64()
}

func TestNewReadsTokenName(t *testing.T) {
	env := newTestEnv(t, Options{})
	assert.Equal(t, mocks.DefaultTokenName, env.facilitator.cfg.TokenName)

	cfg := env.facilitator.Config()
	assert.Equal(t, int64(84532), cfg.ChainID)
	assert.Equal(t, mocks.EscrowAddress.Hex(), cfg.EscrowAddress)
	assert.Equal(t, mocks.TokenAddress.Hex(), cfg.TokenAddress)
	assert.Equal(t, testNetwork, cfg.Network)
	assert.NoError(t, env.facilitator.Ready(context.Background()))
}

func TestVerifyRejectsInvalidPayloads(t *testing.T) {
	env := newTestEnv(t, Options{})

	result := env.facilitator.Verify(context.Background(), "not base64!")
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)

	payload, err := protocol.Decode(env.validPayment(t, "v1"))
	require.NoError(t, err)
	payload.X402Version = 2
	encoded, err := protocol.Encode(*payload)
	require.NoError(t, err)

	reads := env.chain.Reads()
	result = env.facilitator.Verify(context.Background(), encoded)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "version")
	assert.Equal(t, reads, env.chain.Reads(), "structural rejection reads nothing from chain")
}

func TestVerifyReturnsPaymentDetails(t *testing.T) {
	env := newTestEnv(t, Options{})
	encoded := env.validPayment(t, "v2")

	reads := env.chain.Reads()
	result := env.facilitator.Verify(context.Background(), encoded)
	require.True(t, result.Valid, result.Error)
	assert.Equal(t, reads, env.chain.Reads(), "verify without local signature check stays off-chain")
	assert.Equal(t, common.Hash(paymentIDFor("v2")).Hex(), result.PaymentID)
	assert.Equal(t, env.payer.Address.Hex(), result.Payer)
	assert.Equal(t, "100", result.Amount)
}

func TestSettleIsGasless(t *testing.T) {
	env := newTestEnv(t, Options{})
	gasBefore := env.chain.NativeBalance(env.gasPayer.Address)

	result := env.facilitator.Settle(context.Background(), env.validPayment(t, "gasless"), env.facilitatorKey())
	require.True(t, result.Settled, result.Error)
	assert.NotEmpty(t, result.TxHash)
	assert.NotZero(t, result.BlockNumber)
	assert.Equal(t, common.Hash(paymentIDFor("gasless")).Hex(), result.PaymentID)

	assert.Equal(t, -1, env.chain.NativeBalance(env.gasPayer.Address).Cmp(gasBefore), "facilitator pays gas")
	assert.Zero(t, env.chain.NativeBalance(env.payer.Address).Sign(), "payer spends no native currency")
	assert.Equal(t, int64(900), env.chain.TokenBalance(env.payer.Address).Int64())
	assert.Equal(t, int64(100), env.chain.TokenBalance(mocks.EscrowAddress).Int64())
}

func TestSettleRejectedPayloadSpendsNoGas(t *testing.T) {
	env := newTestEnv(t, Options{})
	gasBefore := env.chain.NativeBalance(env.gasPayer.Address)

	payload, err := protocol.Decode(env.validPayment(t, "nogas"))
	require.NoError(t, err)
	payload.Payload.PaymentSignature = protocol.Signature{}
	encoded, err := protocol.Encode(*payload)
	require.NoError(t, err)

	result := env.facilitator.Settle(context.Background(), encoded, env.facilitatorKey())
	assert.False(t, result.Settled)
	assert.Contains(t, result.Error, "payment signature")
	assert.Zero(t, env.chain.TransactionCount())
	assert.Equal(t, gasBefore, env.chain.NativeBalance(env.gasPayer.Address))
}

func TestSettleConsumesOneNonceAndRejectsReplay(t *testing.T) {
	env := newTestEnv(t, Options{})
	encoded := env.validPayment(t, "replay")
	assert.Equal(t, int64(0), env.escrowNonce(t))

	result := env.facilitator.Settle(context.Background(), encoded, env.facilitatorKey())
	require.True(t, result.Settled, result.Error)
	assert.Equal(t, int64(1), env.escrowNonce(t))

	replay := env.facilitator.Settle(context.Background(), encoded, env.facilitatorKey())
	assert.False(t, replay.Settled)
	assert.Contains(t, replay.Error, "reverted")
	assert.Equal(t, int64(1), env.escrowNonce(t))
	assert.Equal(t, int64(900), env.chain.TokenBalance(env.payer.Address).Int64())
}

func TestSettleFailureModes(t *testing.T) {
	testCases := []struct {
		name    string
		payment func(t *testing.T, env *testEnv) string
		reason  string
	}{
		{
			name: "expired deadline",
			payment: func(t *testing.T, env *testEnv) string {
				return env.signedPayment(t, "expired", 100, env.chain.Now().Add(-time.Minute), env.payer)
			},
			reason: "deadline expired",
		},
		{
			name: "signer is not the payer",
			payment: func(t *testing.T, env *testEnv) string {
				other, err := blockchain.GenerateAccount()
				require.NoError(t, err)
				return env.signedPayment(t, "impostor", 100, env.chain.Now().Add(time.Minute), other)
			},
			reason: "invalid payment signature",
		},
		{
			name: "insufficient token balance",
			payment: func(t *testing.T, env *testEnv) string {
				return env.signedPayment(t, "broke", 5000, env.chain.Now().Add(time.Minute), env.payer)
			},
			reason: "exceeds balance",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})

			result := env.facilitator.Settle(context.Background(), tc.payment(t, env), env.facilitatorKey())
			assert.False(t, result.Settled)
			require.NotEmpty(t, result.TxHash, "the escrow rejects these on-chain")
			assert.Contains(t, env.chain.RevertReason(common.HexToHash(result.TxHash)), tc.reason)
			assert.Equal(t, int64(0), env.escrowNonce(t))
			assert.Equal(t, int64(1000), env.chain.TokenBalance(env.payer.Address).Int64())
		})
	}
}

func TestLocalSignatureCheckRejectsBeforeSending(t *testing.T) {
	env := newTestEnv(t, Options{LocalSignatureCheck: true})

	other, err := blockchain.GenerateAccount()
	require.NoError(t, err)

	testCases := []struct {
		name    string
		encoded string
		reason  string
	}{
		{"expired", env.signedPayment(t, "l1", 100, env.chain.Now().Add(-time.Minute), env.payer), "deadline"},
		{"impostor", env.signedPayment(t, "l2", 100, env.chain.Now().Add(time.Minute), other), "payment signature"},
		{"balance", env.signedPayment(t, "l3", 5000, env.chain.Now().Add(time.Minute), env.payer), "balance"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			verification := env.facilitator.Verify(context.Background(), tc.encoded)
			assert.False(t, verification.Valid)
			assert.Contains(t, verification.Error, tc.reason)

			result := env.facilitator.Settle(context.Background(), tc.encoded, env.facilitatorKey())
			assert.False(t, result.Settled)
			assert.Empty(t, result.TxHash)
		})
	}
	assert.Zero(t, env.chain.TransactionCount())

	// A stale nonce is caught once the first payment consumed it
	first := env.validPayment(t, "l4")
	second := env.validPayment(t, "l5")
	require.True(t, env.facilitator.Settle(context.Background(), first, env.facilitatorKey()).Settled)

	verification := env.facilitator.Verify(context.Background(), second)
	assert.False(t, verification.Valid)
	assert.Contains(t, verification.Error, "stale nonce")
}

func TestSettleWithBadKey(t *testing.T) {
	env := newTestEnv(t, Options{})

	result := env.facilitator.Settle(context.Background(), env.validPayment(t, "badkey"), "nope")
	assert.False(t, result.Settled)
	assert.Equal(t, "invalid facilitator key", result.Error)
	assert.Zero(t, env.chain.TransactionCount())
}

func TestSettleWhenFacilitatorCannotPayGas(t *testing.T) {
	env := newTestEnv(t, Options{})
	broke, err := blockchain.GenerateAccount()
	require.NoError(t, err)

	result := env.facilitator.Settle(context.Background(), env.validPayment(t, "nogasmoney"),
		hex.EncodeToString(crypto.FromECDSA(broke.Key)))
	assert.False(t, result.Settled)
	assert.Contains(t, result.Error, "insufficient funds")
	assert.Equal(t, int64(0), env.escrowNonce(t))
}

func TestPaymentLifecycleClaim(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	result := env.facilitator.Settle(ctx, env.validPayment(t, "p1"), env.facilitatorKey())
	require.True(t, result.Settled, result.Error)

	info, err := env.facilitator.CheckPaymentStatus(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, info.Status)
	assert.InDelta(t, env.chain.Now().Add(time.Hour).Unix(), info.ExpiresAt, 2)
	assert.Equal(t, env.recipient.Address.Hex(), info.Recipient)
	assert.Equal(t, "100", info.Amount)

	escrow := contracts.NewEscrow(mocks.EscrowAddress, env.chain)
	tx, err := escrow.ClaimPayment(ctx, env.recipient, paymentIDFor("p1"))
	require.NoError(t, err)
	receipt, err := env.chain.WaitForReceipt(ctx, tx)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded(), env.chain.RevertReason(tx))

	info, err = env.facilitator.CheckPaymentStatus(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusClaimed, info.Status)
	assert.Equal(t, int64(100), env.chain.TokenBalance(env.recipient.Address).Int64())

	// Claimed stays claimed after expiry
	env.chain.AdvanceTime(2 * time.Hour)
	info, err = env.facilitator.CheckPaymentStatus(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusClaimed, info.Status)
}

func TestPaymentLifecycleExpiryAndRefund(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.chain.Fund(env.payer.Address, oneEther)

	result := env.facilitator.Settle(ctx, env.validPayment(t, "p1"), env.facilitatorKey())
	require.True(t, result.Settled, result.Error)

	escrow := contracts.NewEscrow(mocks.EscrowAddress, env.chain)
	refund := func() *blockchain.Receipt {
		tx, err := escrow.RefundPayment(ctx, env.payer, paymentIDFor("p1"))
		require.NoError(t, err)
		receipt, err := env.chain.WaitForReceipt(ctx, tx)
		require.NoError(t, err)
		return receipt
	}

	assert.False(t, refund().Succeeded(), "refund before expiry must fail")

	env.chain.AdvanceTime(3601 * time.Second)
	info, err := env.facilitator.CheckPaymentStatus(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExpired, info.Status)

	assert.True(t, refund().Succeeded())
	info, err = env.facilitator.CheckPaymentStatus(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRefunded, info.Status)
	assert.Equal(t, int64(1000), env.chain.TokenBalance(env.payer.Address).Int64())
}

func TestCheckPaymentStatusErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.facilitator.CheckPaymentStatus(ctx, common.Hash(paymentIDFor("missing")).Hex())
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = env.facilitator.CheckPaymentStatus(ctx, "p1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	env.chain.FailReads(errors.New("connection refused"))
	_, err = env.facilitator.CheckPaymentStatus(ctx, common.Hash(paymentIDFor("missing")).Hex())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPaymentNotFound)
}

func TestCreatePaymentRequest(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := CreatePaymentRequest{
		Recipient:   env.recipient.Address.Hex(),
		Amount:      "100",
		Duration:    3600,
		ServiceType: "robot-move",
		Metadata:    map[string]interface{}{"robot": "r2"},
	}
	desc, err := env.facilitator.CreatePaymentRequest(ctx, req)
	require.NoError(t, err)

	_, err = contracts.ParseBytes32(desc.PaymentID)
	assert.NoError(t, err)
	assert.NotEmpty(t, desc.RequestID)
	assert.Equal(t, env.chain.Now().Unix()+3600, desc.ExpiresAt)
	assert.Equal(t, int64(84532), desc.ChainID)
	assert.True(t, strings.HasPrefix(desc.PaymentLink, "x402://pay?"))
	assert.Contains(t, desc.PaymentLink, "paymentId="+desc.PaymentID)
	assert.Contains(t, desc.PaymentLink, "serviceType=robot-move")
	assert.Equal(t, "r2", desc.Metadata["robot"])

	again, err := env.facilitator.CreatePaymentRequest(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, desc.PaymentID, again.PaymentID)

	bad := []CreatePaymentRequest{
		{Recipient: "bob", Amount: "100", Duration: 60},
		{Recipient: env.recipient.Address.Hex(), Amount: "0", Duration: 60},
		{Recipient: env.recipient.Address.Hex(), Amount: "ten", Duration: 60},
		{Recipient: env.recipient.Address.Hex(), Amount: "10", Duration: 0},
	}
	for _, r := range bad {
		_, err := env.facilitator.CreatePaymentRequest(ctx, r)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}
