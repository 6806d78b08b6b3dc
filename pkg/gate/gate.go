// Package gate protects HTTP routes with the x402 payment handshake.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitatorclient"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

const (
	defaultConfirmAttempts = 5
	defaultConfirmInterval = 2 * time.Second
)

var (
	// ErrMissingField is returned by Validate for the first empty config field
	ErrMissingField = errors.New("missing required gate config field")

	// ErrFacilitatorMismatch is returned by CheckFacilitator when the facilitator
	// settles on another network or token than the gate advertises
	ErrFacilitatorMismatch = errors.New("facilitator does not match gate config")
)

// Config is the payment a protected route demands. Every field is required.
type Config struct {
	FacilitatorURL    string
	PayTo             string
	Asset             string
	MaxAmountRequired string
	Network           string
	Scheme            string
	Description       string
	MaxTimeoutSeconds int
}

// Validate reports the first missing field
func (c Config) Validate() error {
	fields := []struct {
		name  string
		empty bool
	}{
		{"FacilitatorURL", c.FacilitatorURL == ""},
		{"PayTo", c.PayTo == ""},
		{"Asset", c.Asset == ""},
		{"MaxAmountRequired", c.MaxAmountRequired == ""},
		{"Network", c.Network == ""},
		{"Scheme", c.Scheme == ""},
		{"Description", c.Description == ""},
		{"MaxTimeoutSeconds", c.MaxTimeoutSeconds <= 0},
	}
	for _, f := range fields {
		if f.empty {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	amount, ok := new(big.Int).SetString(c.MaxAmountRequired, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid MaxAmountRequired %q: must be a positive integer", c.MaxAmountRequired)
	}
	return nil
}

// PaymentContext is what a gated handler learns about the payment
type PaymentContext struct {
	PaymentID   string
	Payer       string
	Amount      string
	TxHash      string
	BlockNumber uint64
}

type contextKey struct{}

// PaymentFromContext returns the payment attached by the gate, if any
func PaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	p, ok := ctx.Value(contextKey{}).(*PaymentContext)
	return p, ok
}

// Facilitator is the remote surface the gate needs. GetPayment resolves
// settlements whose outcome the settle call could not report.
type Facilitator interface {
	Verify(ctx context.Context, encoded string) (*protocol.VerifyResult, error)
	Settle(ctx context.Context, encoded string) (*protocol.SettleResult, error)
	GetPayment(ctx context.Context, paymentID string) (*protocol.PaymentInfo, error)
	Config(ctx context.Context) (*facilitator.ServiceConfig, error)
}

// Gate enforces payment on the routes it wraps
type Gate struct {
	cfg             Config
	amount          *big.Int
	facilitator     Facilitator
	redeemed        *redeemedPayments
	confirmAttempts int
	confirmInterval time.Duration
	logger          logger.Logger
}

// Option customizes a Gate
type Option func(*Gate)

// WithLogger sets the gate's logger
func WithLogger(l logger.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithFacilitator replaces the HTTP client built from FacilitatorURL
func WithFacilitator(f Facilitator) Option {
	return func(g *Gate) { g.facilitator = f }
}

// WithConfirmPolling sets how often the escrow record is read when a
// settlement's outcome is unknown
func WithConfirmPolling(attempts int, interval time.Duration) Option {
	return func(g *Gate) {
		g.confirmAttempts = attempts
		g.confirmInterval = interval
	}
}

// New builds a gate from a complete config
func New(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	amount, _ := new(big.Int).SetString(cfg.MaxAmountRequired, 10)

	g := &Gate{
		cfg:             cfg,
		amount:          amount,
		redeemed:        newRedeemedPayments(),
		confirmAttempts: defaultConfirmAttempts,
		confirmInterval: defaultConfirmInterval,
		logger:          &logger.EmptyLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.facilitator == nil {
		g.facilitator = facilitatorclient.New(cfg.FacilitatorURL, g.logger)
	}
	return g, nil
}

// CheckFacilitator compares the facilitator's network and token with what
// the gate advertises. Call it once at startup.
func (g *Gate) CheckFacilitator(ctx context.Context) error {
	remote, err := g.facilitator.Config(ctx)
	if err != nil {
		return fmt.Errorf("failed to read facilitator config: %w", err)
	}
	if remote.Network != g.cfg.Network {
		return fmt.Errorf("%w: facilitator network %q, gate network %q", ErrFacilitatorMismatch, remote.Network, g.cfg.Network)
	}
	if !strings.EqualFold(remote.TokenAddress, g.cfg.Asset) {
		return fmt.Errorf("%w: facilitator token %s, gate asset %s", ErrFacilitatorMismatch, remote.TokenAddress, g.cfg.Asset)
	}
	return nil
}

// Requirements returns the challenge entry for a resource path
func (g *Gate) Requirements(resource string) protocol.PaymentRequirements {
	return protocol.PaymentRequirements{
		Scheme:            g.cfg.Scheme,
		Network:           g.cfg.Network,
		MaxAmountRequired: g.cfg.MaxAmountRequired,
		Resource:          resource,
		Description:       g.cfg.Description,
		PayTo:             g.cfg.PayTo,
		Asset:             g.cfg.Asset,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
	}
}

// Handler wraps next with verify and settle
func (g *Gate) Handler(next http.Handler) http.Handler {
	return g.wrap(next, false)
}

// CheckOnly wraps next with structural validation only. Nothing is verified
// or settled, so it must not guard anything of value.
func (g *Gate) CheckOnly(next http.Handler) http.Handler {
	return g.wrap(next, true)
}

// Gin adapts the gate to gin
func (g *Gate) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		payment, reason := g.process(c.Writer, c.Request, false)
		if payment == nil {
			g.challenge(c.Writer, c.Request, reason)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextKey{}, payment))
		c.Next()
	}
}

func (g *Gate) wrap(next http.Handler, checkOnly bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment, reason := g.process(w, r, checkOnly)
		if payment == nil {
			g.challenge(w, r, reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, payment)))
	})
}

// process runs the handshake. A nil payment means the request gets a 402
// with the returned reason. On success the receipt header is already set on w.
func (g *Gate) process(w http.ResponseWriter, r *http.Request, checkOnly bool) (*PaymentContext, string) {
	header := r.Header.Get(protocol.PaymentHeader)
	if header == "" {
		metrics.GateRequests.WithLabelValues("challenged").Inc()
		return nil, "X-PAYMENT header is required"
	}

	payload, err := protocol.Decode(header)
	if err != nil {
		metrics.GateRequests.WithLabelValues("malformed").Inc()
		return nil, err.Error()
	}
	if result := protocol.Validate(payload); !result.Valid {
		metrics.GateRequests.WithLabelValues("malformed").Inc()
		return nil, result.Error
	}
	if reason := g.mismatch(payload); reason != "" {
		metrics.GateRequests.WithLabelValues("mismatch").Inc()
		return nil, reason
	}

	if checkOnly {
		metrics.GateRequests.WithLabelValues("checked").Inc()
		return &PaymentContext{
			PaymentID: payload.Payload.PaymentID,
			Payer:     payload.Payload.Payer,
			Amount:    payload.Payload.Amount,
		}, ""
	}

	ctx := r.Context()
	paymentID := payload.Payload.PaymentID

	verification, err := g.facilitator.Verify(ctx, header)
	if err != nil {
		g.logger.ErrorWithPayment(paymentID, "Verification request failed: %v", err)
		metrics.GateRequests.WithLabelValues("verify_error").Inc()
		return nil, "payment verification failed: " + err.Error()
	}
	if !verification.Valid {
		g.logger.InfoWithPayment(paymentID, "Payment rejected: %s", verification.Error)
		metrics.GateRequests.WithLabelValues("rejected").Inc()
		return nil, verification.Error
	}

	settlement, err := g.facilitator.Settle(ctx, header)
	switch {
	case err != nil && !outcomeUnknown(err):
		g.logger.ErrorWithPayment(paymentID, "Settlement request failed: %v", err)
		metrics.GateRequests.WithLabelValues("settle_error").Inc()
		return nil, "payment settlement failed: " + err.Error()
	case err != nil || (!settlement.Settled && settlement.TxHash != ""):
		// The transaction may still land; the escrow record decides
		var txHash string
		if err != nil {
			g.logger.NoticeWithPayment(paymentID, "Settlement outcome unknown: %v", err)
		} else {
			txHash = settlement.TxHash
			g.logger.NoticeWithPayment(paymentID, "Settlement %s unconfirmed: %s", txHash, settlement.Error)
		}
		confirmed, reason := g.confirmOnChain(ctx, payload, txHash)
		if confirmed == nil {
			metrics.GateRequests.WithLabelValues("unconfirmed").Inc()
			return nil, reason
		}
		settlement = confirmed
	case !settlement.Settled:
		g.logger.NoticeWithPayment(paymentID, "Payment not settled: %s", settlement.Error)
		metrics.GateRequests.WithLabelValues("not_settled").Inc()
		return nil, settlement.Error
	default:
		g.redeemed.redeem(paymentID, escrowExpiry(payload))
	}

	var blockNumber *uint64
	if settlement.BlockNumber != 0 {
		bn := settlement.BlockNumber
		blockNumber = &bn
	}
	receipt, err := protocol.BuildSettlementHeader(settlement.TxHash, settlement.PaymentID, true, blockNumber)
	if err != nil {
		g.logger.ErrorWithPayment(paymentID, "Failed to build receipt header: %v", err)
	} else {
		w.Header().Set(protocol.PaymentResponseHeader, receipt)
	}

	g.logger.InfoWithPayment(paymentID, "Payment settled in tx %s", settlement.TxHash)
	metrics.GateRequests.WithLabelValues("paid").Inc()
	return &PaymentContext{
		PaymentID:   settlement.PaymentID,
		Payer:       verification.Payer,
		Amount:      verification.Amount,
		TxHash:      settlement.TxHash,
		BlockNumber: settlement.BlockNumber,
	}, ""
}

// confirmOnChain polls the escrow record of a settlement whose outcome is
// unknown. The payment counts as settled when a pending record with the
// payload's payer, recipient and amount exists and the id was not redeemed
// before.
func (g *Gate) confirmOnChain(ctx context.Context, payload *protocol.PaymentPayload, txHash string) (*protocol.SettleResult, string) {
	paymentID := payload.Payload.PaymentID
	reason := "payment settlement could not be confirmed"

	for attempt := 0; attempt < g.confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, reason
			case <-time.After(g.confirmInterval):
			}
		}

		info, err := g.facilitator.GetPayment(ctx, paymentID)
		switch {
		case errors.Is(err, facilitatorclient.ErrNotFound):
			continue
		case err != nil:
			g.logger.ErrorWithPayment(paymentID, "Payment status read failed: %v", err)
			continue
		}

		if mismatch := recordMismatch(payload, info); mismatch != "" {
			g.logger.NoticeWithPayment(paymentID, "Escrow record does not match payment: %s", mismatch)
			return nil, "payment settlement failed: " + mismatch
		}
		if !g.redeemed.redeem(paymentID, time.Unix(info.ExpiresAt, 0)) {
			return nil, "payment has already been redeemed"
		}

		g.logger.InfoWithPayment(paymentID, "Settlement confirmed from escrow record")
		return &protocol.SettleResult{Settled: true, TxHash: txHash, PaymentID: info.PaymentID}, ""
	}
	return nil, reason
}

// recordMismatch compares an escrow record with the payload that should have created it
func recordMismatch(payload *protocol.PaymentPayload, info *protocol.PaymentInfo) string {
	if info.Status != protocol.StatusPending {
		return fmt.Sprintf("escrow payment is %s", info.Status)
	}
	if !strings.EqualFold(info.Payer, payload.Payload.Payer) {
		return "escrow payer differs"
	}
	if !strings.EqualFold(info.Recipient, payload.Payload.Recipient) {
		return "escrow recipient differs"
	}
	want, ok1 := new(big.Int).SetString(payload.Payload.Amount, 10)
	got, ok2 := new(big.Int).SetString(info.Amount, 10)
	if !ok1 || !ok2 || want.Cmp(got) != 0 {
		return "escrow amount differs"
	}
	return ""
}

// outcomeUnknown reports whether a settle call failed after the facilitator
// may already have sent the transaction
func outcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *facilitatorclient.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusGatewayTimeout
}

// escrowExpiry estimates when the escrow created by payload expires
func escrowExpiry(payload *protocol.PaymentPayload) time.Time {
	seconds, err := strconv.ParseInt(payload.Payload.Duration, 10, 64)
	if err != nil || seconds <= 0 {
		seconds = 0
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// mismatch compares the payload with what this route asks for
func (g *Gate) mismatch(payload *protocol.PaymentPayload) string {
	if payload.Network != g.cfg.Network {
		return fmt.Sprintf("payment is for network %q, expected %q", payload.Network, g.cfg.Network)
	}
	if !strings.EqualFold(payload.Payload.Recipient, g.cfg.PayTo) {
		return "payment recipient does not match payTo"
	}
	amount, ok := new(big.Int).SetString(payload.Payload.Amount, 10)
	if !ok || amount.Cmp(g.amount) < 0 {
		return fmt.Sprintf("payment amount %q is below the required %s", payload.Payload.Amount, g.cfg.MaxAmountRequired)
	}
	return ""
}

func (g *Gate) challenge(w http.ResponseWriter, r *http.Request, reason string) {
	body := protocol.Build402(reason, g.Requirements(r.URL.Path))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("Failed to write 402 response: %v", err)
	}
}
