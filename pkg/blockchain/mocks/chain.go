// Package mocks provides an in-memory chain that runs the escrow and
// EIP-2612 token state machines behind the blockchain.Gateway interface.
package mocks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/contracts"
)

const (
	// DefaultTokenName is the permit domain name of the simulated token
	DefaultTokenName = "USD Coin"

	// GasPerTransaction is charged to the sender of every transaction, reverted or not
	GasPerTransaction = 150000
)

var (
	// DefaultGasPrice is 2 gwei
	DefaultGasPrice = big.NewInt(2_000_000_000)

	// TokenAddress and EscrowAddress are where the simulated contracts live
	TokenAddress  = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	EscrowAddress = common.HexToAddress("0x0000000000000000000000000000000000E5C120")

	errUnknownContract = errors.New("no contract at address")
)

type escrowPayment struct {
	payer     common.Address
	recipient common.Address
	amount    *big.Int
	expiresAt int64
	claimed   bool
	refunded  bool
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Chain is a deterministic single-node chain with one token and one escrow
type Chain struct {
	mu sync.Mutex

	chainID     *big.Int
	timestamp   int64
	blockNumber uint64
	gasPrice    *big.Int

	native   map[common.Address]*big.Int
	receipts map[common.Hash]*blockchain.Receipt
	reverts  map[common.Hash]string
	txCount  uint64

	tokenName   string
	balances    map[common.Address]*big.Int
	allowances  map[allowanceKey]*big.Int
	tokenNonces map[common.Address]*big.Int

	escrowNonces map[common.Address]*big.Int
	payments     map[[32]byte]*escrowPayment

	readErr error
	reads   int
}

var _ blockchain.Gateway = (*Chain)(nil)

// NewChain creates a chain whose clock starts at the current wall time
func NewChain(chainID int64) *Chain {
	return &Chain{
		chainID:      big.NewInt(chainID),
		timestamp:    time.Now().Unix(),
		blockNumber:  1,
		gasPrice:     new(big.Int).Set(DefaultGasPrice),
		native:       make(map[common.Address]*big.Int),
		receipts:     make(map[common.Hash]*blockchain.Receipt),
		reverts:      make(map[common.Hash]string),
		tokenName:    DefaultTokenName,
		balances:     make(map[common.Address]*big.Int),
		allowances:   make(map[allowanceKey]*big.Int),
		tokenNonces:  make(map[common.Address]*big.Int),
		escrowNonces: make(map[common.Address]*big.Int),
		payments:     make(map[[32]byte]*escrowPayment),
	}
}

// Now returns the latest block timestamp
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.timestamp, 0)
}

// AdvanceTime moves the block clock forward
func (c *Chain) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timestamp += int64(d / time.Second)
}

// Fund credits native currency
func (c *Chain) Fund(address common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	add(c.native, address, wei)
}

// Mint credits tokens
func (c *Chain) Mint(address common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	add(c.balances, address, amount)
}

// TokenBalance returns a token balance
func (c *Chain) TokenBalance(address common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.balances, address)
}

// NativeBalance returns a native balance
func (c *Chain) NativeBalance(address common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.native, address)
}

// FailReads makes every ReadContract return err until called with nil
func (c *Chain) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// Reads returns how many contract reads have been served
func (c *Chain) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// TransactionCount returns how many transactions were submitted
func (c *Chain) TransactionCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCount
}

// RevertReason returns why a mined transaction reverted
func (c *Chain) RevertReason(txHash common.Hash) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reverts[txHash]
}

// ChainID implements blockchain.Gateway
func (c *Chain) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// GetNonce implements blockchain.Gateway
func (c *Chain) GetNonce(_ context.Context, contract common.Address, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr != nil {
		return nil, c.readErr
	}
	c.reads++

	switch contract {
	case TokenAddress:
		return get(c.tokenNonces, owner), nil
	case EscrowAddress:
		return get(c.escrowNonces, owner), nil
	}
	return nil, fmt.Errorf("%w %s", errUnknownContract, contract.Hex())
}

// SignTypedData implements blockchain.Gateway
func (c *Chain) SignTypedData(_ context.Context, account *blockchain.Account, data apitypes.TypedData) ([]byte, error) {
	return blockchain.SignTypedDataWithKey(account, data)
}

// SendTransaction mines the call immediately. Reverts produce a failed
// receipt and still cost the sender gas.
func (c *Chain) SendTransaction(
	_ context.Context,
	from *blockchain.Account,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args ...interface{},
) (common.Hash, error) {
	values, err := normalizeArgs(contractABI, method, args)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	gasCost := new(big.Int).Mul(big.NewInt(GasPerTransaction), c.gasPrice)
	if get(c.native, from.Address).Cmp(gasCost) < 0 {
		return common.Hash{}, fmt.Errorf("insufficient funds for gas * price + value: address %s", from.Address.Hex())
	}
	sub(c.native, from.Address, gasCost)

	c.txCount++
	c.blockNumber++
	c.timestamp++

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.txCount)
	txHash := crypto.Keccak256Hash(from.Address.Bytes(), to.Bytes(), []byte(method), seed[:])

	receipt := &blockchain.Receipt{
		TxHash:            txHash,
		Status:            1,
		BlockNumber:       c.blockNumber,
		GasUsed:           GasPerTransaction,
		EffectiveGasPrice: new(big.Int).Set(c.gasPrice),
	}
	if execErr := c.execute(from.Address, to, method, values); execErr != nil {
		receipt.Status = 0
		c.reverts[txHash] = execErr.Error()
	}
	c.receipts[txHash] = receipt
	return txHash, nil
}

// WaitForReceipt implements blockchain.Gateway; every transaction is mined on send
func (c *Chain) WaitForReceipt(_ context.Context, txHash common.Hash) (*blockchain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blockchain.ErrReceiptTimeout, txHash.Hex())
	}
	copied := *receipt
	return &copied, nil
}

// ReadContract implements blockchain.Gateway. Outputs go through the ABI
// codec so callers see the same Go types a node response would produce.
func (c *Chain) ReadContract(
	_ context.Context,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	values, err := normalizeArgs(contractABI, method, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return nil, c.readErr
	}
	c.reads++
	result, err := c.call(to, method, values)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	outputs := contractABI.Methods[method].Outputs
	packed, err := outputs.Pack(result...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s outputs: %v", method, err)
	}
	return outputs.Unpack(packed)
}

// BalanceAt implements blockchain.Gateway
func (c *Chain) BalanceAt(_ context.Context, address common.Address) (*big.Int, error) {
	return c.NativeBalance(address), nil
}

func (c *Chain) call(to common.Address, method string, values []interface{}) ([]interface{}, error) {
	switch to {
	case TokenAddress:
		switch method {
		case "name":
			return []interface{}{c.tokenName}, nil
		case "balanceOf":
			return []interface{}{get(c.balances, values[0].(common.Address))}, nil
		case "nonces":
			return []interface{}{get(c.tokenNonces, values[0].(common.Address))}, nil
		case "allowance":
			key := allowanceKey{owner: values[0].(common.Address), spender: values[1].(common.Address)}
			return []interface{}{getAllowance(c.allowances, key)}, nil
		}
	case EscrowAddress:
		switch method {
		case "nonces":
			return []interface{}{get(c.escrowNonces, values[0].(common.Address))}, nil
		case "getPayment":
			p, ok := c.payments[values[0].([32]byte)]
			if !ok {
				return []interface{}{common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), false, false}, nil
			}
			return []interface{}{p.payer, p.recipient, new(big.Int).Set(p.amount), big.NewInt(p.expiresAt), p.claimed, p.refunded}, nil
		}
	default:
		return nil, fmt.Errorf("%w %s", errUnknownContract, to.Hex())
	}
	return nil, fmt.Errorf("execution reverted: unknown method %s", method)
}

func (c *Chain) execute(sender, to common.Address, method string, values []interface{}) error {
	switch to {
	case TokenAddress:
		switch method {
		case "approve":
			c.allowances[allowanceKey{owner: sender, spender: values[0].(common.Address)}] = new(big.Int).Set(values[1].(*big.Int))
			return nil
		case "permit":
			return c.permit(values)
		}
	case EscrowAddress:
		switch method {
		case "createPaymentWithPermit":
			return c.createPaymentWithPermit(values)
		case "createPayment":
			return c.createPayment(sender, values)
		case "claimPayment":
			return c.claimPayment(sender, values[0].([32]byte))
		case "refundPayment":
			return c.refundPayment(sender, values[0].([32]byte))
		}
	default:
		return fmt.Errorf("%w %s", errUnknownContract, to.Hex())
	}
	return fmt.Errorf("unknown method %s", method)
}

func (c *Chain) permit(values []interface{}) error {
	owner := values[0].(common.Address)
	spender := values[1].(common.Address)
	value := values[2].(*big.Int)
	deadline := values[3].(*big.Int)
	sig := joinSignature(values[4].(uint8), values[5].([32]byte), values[6].([32]byte))

	if err := c.checkPermit(owner, spender, value, deadline, sig); err != nil {
		return err
	}
	inc(c.tokenNonces, owner)
	c.allowances[allowanceKey{owner: owner, spender: spender}] = new(big.Int).Set(value)
	return nil
}

// createPaymentWithPermit validates everything before touching state so a
// revert leaves balances and nonces unchanged
func (c *Chain) createPaymentWithPermit(values []interface{}) error {
	paymentID := values[0].([32]byte)
	payer := values[1].(common.Address)
	recipient := values[2].(common.Address)
	amount := values[3].(*big.Int)
	duration := values[4].(*big.Int)
	deadline := values[5].(*big.Int)
	paymentSig := joinSignature(values[6].(uint8), values[7].([32]byte), values[8].([32]byte))
	permitSig := joinSignature(values[9].(uint8), values[10].([32]byte), values[11].([32]byte))

	if deadline.Cmp(big.NewInt(c.timestamp)) < 0 {
		return errors.New("deadline expired")
	}
	if err := c.checkNewPayment(paymentID, recipient, amount, duration); err != nil {
		return err
	}

	intent := contracts.PaymentIntentTypedData(c.chainID, EscrowAddress, contracts.PaymentIntentMessage{
		PaymentID: paymentID,
		Payer:     payer,
		Recipient: recipient,
		Amount:    amount,
		Duration:  duration,
		Nonce:     get(c.escrowNonces, payer),
		Deadline:  deadline,
	})
	signer, err := blockchain.RecoverTypedDataSigner(intent, paymentSig)
	if err != nil || signer != payer {
		return errors.New("invalid payment signature")
	}

	if err := c.checkPermit(payer, EscrowAddress, amount, deadline, permitSig); err != nil {
		return err
	}
	if get(c.balances, payer).Cmp(amount) < 0 {
		return errors.New("ERC20: transfer amount exceeds balance")
	}

	inc(c.tokenNonces, payer)
	inc(c.escrowNonces, payer)
	sub(c.balances, payer, amount)
	add(c.balances, EscrowAddress, amount)
	c.storePayment(paymentID, payer, recipient, amount, duration)
	return nil
}

func (c *Chain) createPayment(sender common.Address, values []interface{}) error {
	paymentID := values[0].([32]byte)
	recipient := values[1].(common.Address)
	amount := values[2].(*big.Int)
	duration := values[3].(*big.Int)

	if err := c.checkNewPayment(paymentID, recipient, amount, duration); err != nil {
		return err
	}
	key := allowanceKey{owner: sender, spender: EscrowAddress}
	allowance := getAllowance(c.allowances, key)
	if allowance.Cmp(amount) < 0 {
		return errors.New("ERC20: insufficient allowance")
	}
	if get(c.balances, sender).Cmp(amount) < 0 {
		return errors.New("ERC20: transfer amount exceeds balance")
	}

	c.allowances[key] = new(big.Int).Sub(allowance, amount)
	sub(c.balances, sender, amount)
	add(c.balances, EscrowAddress, amount)
	c.storePayment(paymentID, sender, recipient, amount, duration)
	return nil
}

func (c *Chain) claimPayment(sender common.Address, paymentID [32]byte) error {
	p, ok := c.payments[paymentID]
	switch {
	case !ok:
		return errors.New("payment not found")
	case sender != p.recipient:
		return errors.New("only recipient")
	case p.claimed || p.refunded:
		return errors.New("payment already finalized")
	case c.timestamp > p.expiresAt:
		return errors.New("payment expired")
	}

	p.claimed = true
	sub(c.balances, EscrowAddress, p.amount)
	add(c.balances, p.recipient, p.amount)
	return nil
}

func (c *Chain) refundPayment(sender common.Address, paymentID [32]byte) error {
	p, ok := c.payments[paymentID]
	switch {
	case !ok:
		return errors.New("payment not found")
	case sender != p.payer:
		return errors.New("only payer")
	case p.claimed || p.refunded:
		return errors.New("payment already finalized")
	case c.timestamp <= p.expiresAt:
		return errors.New("payment not expired")
	}

	p.refunded = true
	sub(c.balances, EscrowAddress, p.amount)
	add(c.balances, p.payer, p.amount)
	return nil
}

func (c *Chain) checkNewPayment(paymentID [32]byte, recipient common.Address, amount, duration *big.Int) error {
	if _, exists := c.payments[paymentID]; exists {
		return errors.New("payment already exists")
	}
	if recipient == (common.Address{}) {
		return errors.New("invalid recipient")
	}
	if amount.Sign() <= 0 {
		return errors.New("invalid amount")
	}
	if duration.Sign() <= 0 {
		return errors.New("invalid duration")
	}
	return nil
}

func (c *Chain) checkPermit(owner, spender common.Address, value, deadline *big.Int, sig []byte) error {
	if deadline.Cmp(big.NewInt(c.timestamp)) < 0 {
		return errors.New("ERC20Permit: expired deadline")
	}
	permit := contracts.PermitTypedData(c.tokenName, c.chainID, TokenAddress, contracts.PermitMessage{
		Owner:    owner,
		Spender:  spender,
		Value:    value,
		Nonce:    get(c.tokenNonces, owner),
		Deadline: deadline,
	})
	signer, err := blockchain.RecoverTypedDataSigner(permit, sig)
	if err != nil || signer != owner {
		return errors.New("ERC20Permit: invalid signature")
	}
	return nil
}

func (c *Chain) storePayment(paymentID [32]byte, payer, recipient common.Address, amount, duration *big.Int) {
	c.payments[paymentID] = &escrowPayment{
		payer:     payer,
		recipient: recipient,
		amount:    new(big.Int).Set(amount),
		expiresAt: c.timestamp + duration.Int64(),
	}
}

// normalizeArgs round-trips arguments through the ABI so type mismatches
// fail the same way they would against a node
func normalizeArgs(contractABI abi.ABI, method string, args []interface{}) ([]interface{}, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %s not found in ABI", method)
	}
	packed, err := m.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %v", method, err)
	}
	return m.Inputs.Unpack(packed)
}

func joinSignature(v uint8, r, s [32]byte) []byte {
	sig := make([]byte, 65)
	copy(sig[:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	return sig
}

func get(m map[common.Address]*big.Int, address common.Address) *big.Int {
	if v, ok := m[address]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func getAllowance(m map[allowanceKey]*big.Int, key allowanceKey) *big.Int {
	if v, ok := m[key]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func add(m map[common.Address]*big.Int, address common.Address, amount *big.Int) {
	m[address] = new(big.Int).Add(get(m, address), amount)
}

func sub(m map[common.Address]*big.Int, address common.Address, amount *big.Int) {
	m[address] = new(big.Int).Sub(get(m, address), amount)
}

func inc(m map[common.Address]*big.Int, address common.Address) {
	add(m, address, big.NewInt(1))
}
