package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
	"github.com/speedrun-hq/x402-facilitator/pkg/signature"
)

// Verify decodes and validates an encoded payment. Signatures are only
// checked locally when LocalSignatureCheck is enabled; otherwise the escrow
// contract is the verifier during settlement.
func (f *Facilitator) Verify(ctx context.Context, encoded string) protocol.VerifyResult {
	payload, err := protocol.Decode(encoded)
	if err != nil {
		return f.rejectVerify("", err.Error())
	}

	validation := protocol.Validate(payload)
	if !validation.Valid {
		return f.rejectVerify(payload.Payload.PaymentID, validation.Error)
	}

	if f.opts.LocalSignatureCheck {
		if err := f.checkSignatures(ctx, payload); err != nil {
			return f.rejectVerify(payload.Payload.PaymentID, err.Error())
		}
	}

	metrics.Verifications.WithLabelValues("valid").Inc()
	f.logger.DebugWithPayment(payload.Payload.PaymentID, "Payment verified for payer %s, amount %s",
		payload.Payload.Payer, payload.Payload.Amount)

	return protocol.VerifyResult{
		Valid:     true,
		PaymentID: payload.Payload.PaymentID,
		Payer:     payload.Payload.Payer,
		Amount:    payload.Payload.Amount,
	}
}

// Settle verifies the payment again and submits createPaymentWithPermit
// signed by facilitatorKey, which pays the gas. Reverts are not retried:
// the same payload would fail the same way.
func (f *Facilitator) Settle(ctx context.Context, encoded string, facilitatorKey string) protocol.SettleResult {
	start := time.Now()

	verification := f.Verify(ctx, encoded)
	if !verification.Valid {
		metrics.Settlements.WithLabelValues("rejected").Inc()
		return protocol.SettleResult{Settled: false, Error: verification.Error, PaymentID: verification.PaymentID}
	}
	paymentID := verification.PaymentID

	payload, err := protocol.Decode(encoded)
	if err != nil {
		return f.failSettle(paymentID, "rejected", err.Error())
	}
	parsed, err := signature.Parse(payload.Payload)
	if err != nil {
		return f.failSettle(paymentID, "rejected", fmt.Sprintf("invalid payload: %v", err))
	}

	account, err := blockchain.NewAccount(facilitatorKey)
	if err != nil {
		return f.failSettle(paymentID, "error", "invalid facilitator key")
	}

	f.logger.InfoWithPayment(paymentID, "Settling payment of %s from %s to %s (gas paid by %s)",
		parsed.Amount, parsed.Payer.Hex(), parsed.Recipient.Hex(), account.Address.Hex())

	txHash, err := f.escrow.CreatePaymentWithPermit(ctx, account, parsed.SettlementArgs())
	if err != nil {
		f.logger.ErrorWithPayment(paymentID, "Settlement transaction failed: %v", err)
		return f.failSettle(paymentID, "error", fmt.Sprintf("settlement transaction failed: %v", err))
	}

	waitCtx := ctx
	if f.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, f.cfg.ReceiptTimeout)
		defer cancel()
	}

	receipt, err := f.gateway.WaitForReceipt(waitCtx, txHash)
	if err != nil {
		// Outcome unknown; the caller has to poll the payment status
		f.logger.ErrorWithPayment(paymentID, "No receipt for %s: %v", txHash.Hex(), err)
		result := f.failSettle(paymentID, "unknown", fmt.Sprintf("failed to confirm transaction: %v", err))
		result.TxHash = txHash.Hex()
		return result
	}
	metrics.GasUsed.Observe(float64(receipt.GasUsed))

	if !receipt.Succeeded() {
		f.logger.ErrorWithPayment(paymentID, "Settlement %s reverted in block %d", txHash.Hex(), receipt.BlockNumber)
		result := f.failSettle(paymentID, "reverted", "settlement transaction reverted")
		result.TxHash = txHash.Hex()
		result.BlockNumber = receipt.BlockNumber
		return result
	}

	metrics.Settlements.WithLabelValues("settled").Inc()
	metrics.SettlementTime.Observe(time.Since(start).Seconds())
	f.logger.NoticeWithPayment(paymentID, "Payment settled in tx %s (block %d, gas used %d)",
		txHash.Hex(), receipt.BlockNumber, receipt.GasUsed)

	return protocol.SettleResult{
		Settled:     true,
		TxHash:      txHash.Hex(),
		PaymentID:   paymentID,
		BlockNumber: receipt.BlockNumber,
	}
}

// checkSignatures mirrors what the escrow enforces so bad payloads fail before
// a transaction is sent
func (f *Facilitator) checkSignatures(ctx context.Context, payload *protocol.PaymentPayload) error {
	if f.cfg.Network != "" && payload.Network != f.cfg.Network {
		return fmt.Errorf("network mismatch: expected %s, got %s", f.cfg.Network, payload.Network)
	}

	parsed, err := signature.Parse(payload.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %v", err)
	}
	if parsed.Amount.Sign() == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if parsed.Deadline.Int64() < f.now().Unix() {
		return fmt.Errorf("deadline expired")
	}

	nonces, err := signature.GetNonces(ctx, f.gateway, f.cfg.Token, f.cfg.Escrow, parsed.Payer)
	if err != nil {
		return err
	}
	if parsed.Nonce.Cmp(nonces.Escrow) != 0 {
		return fmt.Errorf("stale nonce: expected %s, got %s", nonces.Escrow, parsed.Nonce)
	}

	cfg := f.signatureConfig()
	signer, err := signature.RecoverPaymentIntentSigner(cfg, parsed, nonces.Escrow)
	if err != nil || signer != parsed.Payer {
		return fmt.Errorf("invalid payment signature")
	}
	signer, err = signature.RecoverPermitSigner(cfg, parsed, nonces.Permit)
	if err != nil || signer != parsed.Payer {
		return fmt.Errorf("invalid permit signature")
	}

	balance, err := f.token.BalanceOf(ctx, parsed.Payer)
	if err != nil {
		return err
	}
	if balance.Cmp(parsed.Amount) < 0 {
		return fmt.Errorf("insufficient token balance")
	}
	return nil
}

func (f *Facilitator) rejectVerify(paymentID, reason string) protocol.VerifyResult {
	metrics.Verifications.WithLabelValues("invalid").Inc()
	if paymentID != "" {
		f.logger.DebugWithPayment(paymentID, "Payment rejected: %s", reason)
	} else {
		f.logger.Debug("Payment rejected: %s", reason)
	}
	return protocol.VerifyResult{Valid: false, Error: reason, PaymentID: paymentID}
}

func (f *Facilitator) failSettle(paymentID, result, reason string) protocol.SettleResult {
	metrics.Settlements.WithLabelValues(result).Inc()
	return protocol.SettleResult{Settled: false, Error: reason, PaymentID: paymentID}
}

func encodePaymentID(id [32]byte) string {
	return hexutil.Encode(id[:])
}
