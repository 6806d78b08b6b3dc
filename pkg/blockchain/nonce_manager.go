package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
)

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxReserved indicates the nonce was handed out but nothing was sent yet
	TxReserved TransactionStatus = iota
	// TxPending indicates transaction is pending
	TxPending
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
	// TxTimedOut indicates transaction has timed out
	TxTimedOut
)

// DefaultTxTimeout is how long a sent transaction may stay unmined before it is re-checked
const DefaultTxTimeout = 5 * time.Minute

// NonceSource is the part of an RPC client the nonce manager needs
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TxLookup is the part of an RPC client the timeout scan needs
type TxLookup interface {
	NonceSource
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// TransactionRecord tracks details about a transaction
type TransactionRecord struct {
	Hash      common.Hash
	Sender    common.Address
	Nonce     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    TransactionStatus
}

// NonceManager hands out transaction nonces for facilitator accounts so
// concurrent settlements never reuse the same account nonce
type NonceManager struct {
	// Per-sender data structures
	senders map[common.Address]*senderNonceData
	// Sent transactions indexed by hash
	byHash map[common.Hash]*TransactionRecord
	// Global lock for accessing the maps
	mu sync.RWMutex
	// Transaction timeout duration
	txTimeout time.Duration
	// How long an allocated nonce sequence is trusted before re-reading the chain
	syncInterval time.Duration
	logger       logger.Logger
	now          func() time.Time
}

// senderNonceData holds nonce data for one sending account.
// Every nonce below currentNonce is either in pendingTxs (reserved or sent),
// in released (free again), or already consumed on-chain.
type senderNonceData struct {
	currentNonce uint64
	pendingTxs   map[uint64]*TransactionRecord
	released     []uint64
	lastSync     time.Time
	mu           sync.Mutex
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(logger logger.Logger) *NonceManager {
	return &NonceManager{
		senders:      make(map[common.Address]*senderNonceData),
		byHash:       make(map[common.Hash]*TransactionRecord),
		txTimeout:    DefaultTxTimeout,
		syncInterval: 5 * time.Minute,
		logger:       logger,
		now:          time.Now,
	}
}

// SetTransactionTimeout sets the timeout for transactions
func (nm *NonceManager) SetTransactionTimeout(timeout time.Duration) {
	nm.txTimeout = timeout
}

// sender returns the nonce data for an account, creating it on first use
func (nm *NonceManager) sender(address common.Address) *senderNonceData {
	nm.mu.RLock()
	data, exists := nm.senders[address]
	nm.mu.RUnlock()
	if exists {
		return data
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if data, exists = nm.senders[address]; exists {
		return data
	}
	data = &senderNonceData{pendingTxs: make(map[uint64]*TransactionRecord)}
	nm.senders[address] = data
	return data
}

// GetNonce reserves and returns the next available nonce. Released nonces
// are handed out first so no gap is left below a transaction in flight.
func (nm *NonceManager) GetNonce(ctx context.Context, client NonceSource, address common.Address) (uint64, error) {
	data := nm.sender(address)

	data.mu.Lock()
	defer data.mu.Unlock()

	if data.lastSync.IsZero() || nm.now().Sub(data.lastSync) > nm.syncInterval {
		chainNonce, err := client.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce: %v", err)
		}
		nm.syncLocked(data, address, chainNonce, false)
	}

	var nonce uint64
	if len(data.released) > 0 {
		nonce = data.released[0]
		data.released = data.released[1:]
	} else {
		nonce = data.currentNonce
		data.currentNonce++
	}

	now := nm.now()
	data.pendingTxs[nonce] = &TransactionRecord{
		Sender:    address,
		Nonce:     nonce,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    TxReserved,
	}
	return nonce, nil
}

// TrackTransaction records that a reserved nonce was used by a sent transaction
func (nm *NonceManager) TrackTransaction(address common.Address, txHash common.Hash, nonce uint64) {
	data := nm.sender(address)
	now := nm.now()

	data.mu.Lock()
	record, exists := data.pendingTxs[nonce]
	if !exists || record.Status != TxReserved {
		record = &TransactionRecord{Sender: address, Nonce: nonce, CreatedAt: now}
		data.pendingTxs[nonce] = record
	}
	record.Hash = txHash
	record.Status = TxPending
	record.UpdatedAt = now
	data.mu.Unlock()

	nm.mu.Lock()
	nm.byHash[txHash] = record
	pending := len(nm.byHash)
	nm.mu.Unlock()

	metrics.PendingTransactions.Set(float64(pending))
	nm.logger.Debug("Tracking transaction %s from %s with nonce %d", txHash.Hex(), address.Hex(), nonce)
}

// MarkTransactionConfirmed marks a mined transaction; a mined revert still consumes its nonce
func (nm *NonceManager) MarkTransactionConfirmed(txHash common.Hash) bool {
	record := nm.untrack(txHash)
	if record == nil {
		return false
	}

	data := nm.sender(record.Sender)
	data.mu.Lock()
	defer data.mu.Unlock()

	record.Status = TxConfirmed
	record.UpdatedAt = nm.now()
	if data.pendingTxs[record.Nonce] == record {
		delete(data.pendingTxs, record.Nonce)
	}
	return true
}

// MarkTransactionFailed releases the nonce of a transaction that never made it on-chain.
// Returns true when the nonce will be handed out again.
func (nm *NonceManager) MarkTransactionFailed(txHash common.Hash) bool {
	record := nm.untrack(txHash)
	if record == nil {
		return false
	}

	data := nm.sender(record.Sender)
	data.mu.Lock()
	defer data.mu.Unlock()

	record.Status = TxFailed
	record.UpdatedAt = nm.now()
	if data.pendingTxs[record.Nonce] != record {
		// The nonce already belongs to another transaction
		return false
	}
	delete(data.pendingTxs, record.Nonce)
	return nm.releaseLocked(data, record.Sender, record.Nonce)
}

// ReuseNonce gives back a reserved nonce whose transaction was never sent.
// A nonce that is not reserved, such as one already used by a tracked
// transaction, is left alone and false is returned.
func (nm *NonceManager) ReuseNonce(address common.Address, nonce uint64) bool {
	data := nm.sender(address)

	data.mu.Lock()
	defer data.mu.Unlock()

	record, exists := data.pendingTxs[nonce]
	if !exists || record.Status != TxReserved {
		nm.logger.Debug("Nonce %d for %s is not reserved, not reusing it", nonce, address.Hex())
		return false
	}
	delete(data.pendingTxs, nonce)
	return nm.releaseLocked(data, address, nonce)
}

// FindTimeoutTransactions returns sent transactions older than the timeout
// and marks them timed out. Reservations are not included.
func (nm *NonceManager) FindTimeoutTransactions(address common.Address) []*TransactionRecord {
	data := nm.sender(address)

	data.mu.Lock()
	defer data.mu.Unlock()

	now := nm.now()
	var timedOut []*TransactionRecord
	for _, tx := range data.pendingTxs {
		if (tx.Status == TxPending || tx.Status == TxTimedOut) && now.Sub(tx.CreatedAt) > nm.txTimeout {
			tx.Status = TxTimedOut
			tx.UpdatedAt = now
			timedOut = append(timedOut, tx)
		}
	}
	sort.Slice(timedOut, func(i, j int) bool { return timedOut[i].Nonce < timedOut[j].Nonce })
	return timedOut
}

// ResolveTimedOut re-checks transactions that stayed unmined past the tx
// timeout. Mined ones are confirmed, dropped ones release their nonce, and
// the sender's nonce is then re-read from the node.
func (nm *NonceManager) ResolveTimedOut(ctx context.Context, client TxLookup, address common.Address) {
	timedOut := nm.FindTimeoutTransactions(address)
	if len(timedOut) == 0 {
		return
	}

	for _, tx := range timedOut {
		_, err := client.TransactionReceipt(ctx, tx.Hash)
		switch {
		case err == nil:
			nm.MarkTransactionConfirmed(tx.Hash)
		case errors.Is(err, ethereum.NotFound):
			if _, _, lookupErr := client.TransactionByHash(ctx, tx.Hash); errors.Is(lookupErr, ethereum.NotFound) {
				nm.logger.Notice("Transaction %s (nonce %d) timed out and was dropped", tx.Hash.Hex(), tx.Nonce)
				nm.MarkTransactionFailed(tx.Hash)
			} else {
				nm.logger.Notice("Transaction %s (nonce %d) still unmined since %s",
					tx.Hash.Hex(), tx.Nonce, tx.CreatedAt.Format(time.RFC3339))
			}
		default:
			nm.logger.Debug("Receipt lookup for timed out %s failed: %v", tx.Hash.Hex(), err)
		}
	}

	if err := nm.SyncWithBlockchain(ctx, client, address); err != nil {
		nm.logger.Error("Failed to resync nonce for %s: %v", address.Hex(), err)
	}
}

// SyncWithBlockchain re-reads the pending nonce of an account. With nothing
// reserved or in flight, local state may move back to the chain's nonce.
func (nm *NonceManager) SyncWithBlockchain(ctx context.Context, client NonceSource, address common.Address) error {
	data := nm.sender(address)

	data.mu.Lock()
	defer data.mu.Unlock()

	chainNonce, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %v", err)
	}
	nm.syncLocked(data, address, chainNonce, true)
	return nil
}

// GetPendingTransactionsCount returns the number of reserved or unmined nonces of an account
func (nm *NonceManager) GetPendingTransactionsCount(address common.Address) int {
	data := nm.sender(address)

	data.mu.Lock()
	defer data.mu.Unlock()
	return len(data.pendingTxs)
}

// syncLocked reconciles local state with the node's pending nonce.
// Callers hold data.mu.
func (nm *NonceManager) syncLocked(data *senderNonceData, address common.Address, chainNonce uint64, allowRewind bool) {
	switch {
	case chainNonce > data.currentNonce:
		nm.logger.Debug("Updating nonce for %s: %d -> %d", address.Hex(), data.currentNonce, chainNonce)
		data.currentNonce = chainNonce
		data.released = nil
	case allowRewind && chainNonce < data.currentNonce && len(data.pendingTxs) == 0:
		// Nothing is in flight, so every nonce above the chain's was dropped
		nm.logger.Debug("Rewinding nonce for %s: %d -> %d", address.Hex(), data.currentNonce, chainNonce)
		data.currentNonce = chainNonce
		data.released = nil
	default:
		kept := data.released[:0]
		for _, n := range data.released {
			if n >= chainNonce {
				kept = append(kept, n)
			}
		}
		data.released = kept
	}
	data.lastSync = nm.now()
}

// releaseLocked makes an issued nonce available again. The top of the
// sequence is rewound; anything lower becomes a gap that GetNonce fills
// before issuing new nonces. Callers hold data.mu.
func (nm *NonceManager) releaseLocked(data *senderNonceData, address common.Address, nonce uint64) bool {
	if nonce >= data.currentNonce {
		return false
	}

	if nonce+1 == data.currentNonce {
		data.currentNonce = nonce
		for n := len(data.released); n > 0 && data.released[n-1]+1 == data.currentNonce; n-- {
			data.currentNonce = data.released[n-1]
			data.released = data.released[:n-1]
		}
		nm.logger.Debug("Nonce %d for %s set for reuse", nonce, address.Hex())
		return true
	}

	i := sort.Search(len(data.released), func(i int) bool { return data.released[i] >= nonce })
	if i < len(data.released) && data.released[i] == nonce {
		return true
	}
	data.released = append(data.released, 0)
	copy(data.released[i+1:], data.released[i:])
	data.released[i] = nonce

	// A higher nonce is in flight; the next allocation fills the gap after
	// re-reading the chain in case the nonce was consumed elsewhere
	data.lastSync = time.Time{}
	nm.logger.Debug("Nonce %d for %s released below nonces in flight", nonce, address.Hex())
	return true
}

func (nm *NonceManager) untrack(txHash common.Hash) *TransactionRecord {
	nm.mu.Lock()
	record, exists := nm.byHash[txHash]
	delete(nm.byHash, txHash)
	pending := len(nm.byHash)
	nm.mu.Unlock()

	metrics.PendingTransactions.Set(float64(pending))
	if !exists {
		nm.logger.Debug("No pending transaction found for %s", txHash.Hex())
		return nil
	}
	return record
}
