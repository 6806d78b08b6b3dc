package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
)

const (
	// DefaultGasMultiplier is applied on top of the suggested gas price (10% buffer)
	DefaultGasMultiplier = 1.1

	// gasLimitBufferPercent is added to the estimated gas limit
	gasLimitBufferPercent = 20

	defaultReceiptPollInterval = 2 * time.Second
)

// EthGatewayConfig holds the settings for an RPC-backed gateway
type EthGatewayConfig struct {
	RPCURL          string
	ChainID         int64
	GasMultiplier   float64
	Confirmations   uint64
	ReceiptInterval time.Duration
	TxTimeout       time.Duration
}

// EthGateway implements Gateway on top of a JSON-RPC node
type EthGateway struct {
	client          *ethclient.Client
	chainID         *big.Int
	gasMultiplier   float64
	confirmations   uint64
	receiptInterval time.Duration
	nonces          *NonceManager
	logger          logger.Logger
}

var _ Gateway = (*EthGateway)(nil)

// DialEthGateway connects to the RPC endpoint and checks it serves the expected chain
func DialEthGateway(ctx context.Context, cfg EthGatewayConfig, logger logger.Logger) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("rpc serves chain %s, expected %d", chainID, cfg.ChainID)
	}

	gasMultiplier := cfg.GasMultiplier
	if gasMultiplier <= 0 {
		gasMultiplier = DefaultGasMultiplier
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	interval := cfg.ReceiptInterval
	if interval <= 0 {
		interval = defaultReceiptPollInterval
	}

	nonces := NewNonceManager(logger)
	if cfg.TxTimeout > 0 {
		nonces.SetTransactionTimeout(cfg.TxTimeout)
	}

	return &EthGateway{
		client:          client,
		chainID:         chainID,
		gasMultiplier:   gasMultiplier,
		confirmations:   confirmations,
		receiptInterval: interval,
		nonces:          nonces,
		logger:          logger,
	}, nil
}

// Close releases the RPC connection
func (g *EthGateway) Close() {
	g.client.Close()
}

// ChainID queries the node, so it doubles as a liveness probe
func (g *EthGateway) ChainID(ctx context.Context) (*big.Int, error) {
	return g.client.ChainID(ctx)
}

// GetNonce reads nonces(owner) from a token or escrow contract
func (g *EthGateway) GetNonce(ctx context.Context, contract common.Address, owner common.Address) (*big.Int, error) {
	out, err := g.ReadContract(ctx, contract, noncesABI, "nonces", owner)
	if err != nil {
		return nil, err
	}
	return firstBigInt(out)
}

// SignTypedData signs with the local key; no node round trip is needed
func (g *EthGateway) SignTypedData(_ context.Context, account *Account, data apitypes.TypedData) ([]byte, error) {
	return SignTypedDataWithKey(account, data)
}

// SendTransaction packs, prices, signs and broadcasts a contract call
func (g *EthGateway) SendTransaction(
	ctx context.Context,
	from *Account,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args ...interface{},
) (common.Hash, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s: %v", method, err)
	}

	g.nonces.ResolveTimedOut(ctx, g.client, from.Address)

	nonce, err := g.nonces.GetNonce(ctx, g.client, from.Address)
	if err != nil {
		return common.Hash{}, err
	}

	gasPrice, err := g.suggestGasPrice(ctx)
	if err != nil {
		g.nonces.ReuseNonce(from.Address, nonce)
		return common.Hash{}, err
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from.Address,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		g.nonces.ReuseNonce(from.Address, nonce)
		if isRevert(err) {
			return common.Hash{}, fmt.Errorf("%w: %s: %v", ErrTxReverted, method, err)
		}
		return common.Hash{}, fmt.Errorf("failed to estimate gas for %s: %v", method, err)
	}
	gasLimit += gasLimit * gasLimitBufferPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	auth, err := bind.NewKeyedTransactorWithChainID(from.Key, g.chainID)
	if err != nil {
		g.nonces.ReuseNonce(from.Address, nonce)
		return common.Hash{}, fmt.Errorf("failed to create transactor: %v", err)
	}
	signed, err := auth.Signer(from.Address, tx)
	if err != nil {
		g.nonces.ReuseNonce(from.Address, nonce)
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %v", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		g.nonces.ReuseNonce(from.Address, nonce)
		return common.Hash{}, fmt.Errorf("failed to send %s: %v", method, err)
	}

	g.nonces.TrackTransaction(from.Address, signed.Hash(), nonce)
	g.logger.Debug("Sent %s tx %s (nonce %d, gas %d, %d nonces outstanding)",
		method, signed.Hash().Hex(), nonce, gasLimit, g.nonces.GetPendingTransactionsCount(from.Address))
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction has the configured number of
// confirmations or the context ends
func (g *EthGateway) WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(g.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			head, headErr := g.client.BlockNumber(ctx)
			if headErr == nil && head+1 >= receipt.BlockNumber.Uint64()+g.confirmations {
				// Mined, even if reverted, so the nonce is spent
				g.nonces.MarkTransactionConfirmed(txHash)
				return convertReceipt(receipt), nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			g.logger.Debug("Receipt lookup for %s failed: %v", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			g.releaseIfDropped(txHash)
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

// ReadContract performs an eth_call against the latest block
func (g *EthGateway) ReadContract(
	ctx context.Context,
	to common.Address,
	contractABI abi.ABI,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %v", method, err)
	}

	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s failed: %v", method, err)
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %v", method, err)
	}
	return out, nil
}

// BalanceAt returns the native balance at the latest block
func (g *EthGateway) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	return g.client.BalanceAt(ctx, address, nil)
}

// suggestGasPrice applies the gas multiplier to the node's suggestion
func (g *EthGateway) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := g.client.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	multiplied := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(g.gasMultiplier))
	finalGasPrice := new(big.Int)
	multiplied.Int(finalGasPrice)

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(finalGasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.Set(gwei)
	return finalGasPrice, nil
}

// releaseIfDropped frees the nonce of a transaction the node no longer knows about
func (g *EthGateway) releaseIfDropped(txHash common.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := g.client.TransactionByHash(ctx, txHash); errors.Is(err, ethereum.NotFound) {
		g.logger.Info("Transaction %s was dropped, releasing its nonce", txHash.Hex())
		g.nonces.MarkTransactionFailed(txHash)
	}
}

func convertReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:            r.TxHash,
		Status:            r.Status,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution")
}

func firstBigInt(out []interface{}) (*big.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("empty contract response")
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", out[0])
	}
	return value, nil
}
