package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speedrun-hq/x402-facilitator/pkg/blockchain/mocks"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/facilitatorclient"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/monitor"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
	"github.com/speedrun-hq/x402-facilitator/pkg/server"
	"github.com/speedrun-hq/x402-facilitator/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFacilitator answers every call from fixed values
type fakeFacilitator struct {
	verify        *protocol.VerifyResult
	verifyErr     error
	settle        *protocol.SettleResult
	settleErr     error
	settleCalls   int
	payment       *protocol.PaymentInfo
	paymentErr    error
	paymentCalls  int
	serviceConfig *facilitator.ServiceConfig
}

func (f *fakeFacilitator) Verify(context.Context, string) (*protocol.VerifyResult, error) {
	return f.verify, f.verifyErr
}

func (f *fakeFacilitator) Settle(context.Context, string) (*protocol.SettleResult, error) {
	f.settleCalls++
	return f.settle, f.settleErr
}

func (f *fakeFacilitator) GetPayment(context.Context, string) (*protocol.PaymentInfo, error) {
	f.paymentCalls++
	if f.payment == nil && f.paymentErr == nil {
		return nil, facilitatorclient.ErrNotFound
	}
	return f.payment, f.paymentErr
}

func (f *fakeFacilitator) Config(context.Context) (*facilitator.ServiceConfig, error) {
	if f.serviceConfig == nil {
		return nil, errors.New("connection refused")
	}
	return f.serviceConfig, nil
}

func testConfig(payTo string) Config {
	return Config{
		FacilitatorURL:    "http://127.0.0.1:1",
		PayTo:             payTo,
		Asset:             mocks.TokenAddress.Hex(),
		MaxAmountRequired: "100",
		Network:           testutil.Network,
		Scheme:            protocol.SchemeEscrow,
		Description:       "Move the robot",
		MaxTimeoutSeconds: 60,
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	payment, ok := PaymentFromContext(r.Context())
	if !ok {
		http.Error(w, "no payment in context", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(payment)
})

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/robot/move", nil)
	if header != "" {
		req.Header.Set(protocol.PaymentHeader, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func challengeOf(t *testing.T, rec *httptest.ResponseRecorder) protocol.Payment402Response {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body protocol.Payment402Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Accepts, 1)
	return body
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig("0x000000000000000000000000000000000000dEaD")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"facilitator url", func(c *Config) { c.FacilitatorURL = "" }, "FacilitatorURL"},
		{"pay to", func(c *Config) { c.PayTo = "" }, "PayTo"},
		{"asset", func(c *Config) { c.Asset = "" }, "Asset"},
		{"amount", func(c *Config) { c.MaxAmountRequired = "" }, "MaxAmountRequired"},
		{"network", func(c *Config) { c.Network = "" }, "Network"},
		{"scheme", func(c *Config) { c.Scheme = "" }, "Scheme"},
		{"description", func(c *Config) { c.Description = "" }, "Description"},
		{"timeout", func(c *Config) { c.MaxTimeoutSeconds = 0 }, "MaxTimeoutSeconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrMissingField)
			assert.Contains(t, err.Error(), tt.field)

			_, err = New(cfg)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}

	bad := valid
	bad.MaxAmountRequired = "1.5"
	assert.Error(t, bad.Validate())
	assert.NotErrorIs(t, bad.Validate(), ErrMissingField)
}

func TestChallengeWithoutHeader(t *testing.T) {
	g, err := New(testConfig("0x000000000000000000000000000000000000dEaD"), WithFacilitator(&fakeFacilitator{}))
	require.NoError(t, err)

	body := challengeOf(t, serve(g.Handler(okHandler), ""))
	assert.Equal(t, protocol.X402Version, body.X402Version)
	assert.Equal(t, "0x000000000000000000000000000000000000dEaD", body.Accepts[0].PayTo)
	assert.Equal(t, "100", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "/robot/move", body.Accepts[0].Resource)
	assert.Equal(t, "Move the robot", body.Accepts[0].Description)
	assert.Equal(t, 60, body.Accepts[0].MaxTimeoutSeconds)
	assert.NotEmpty(t, body.Error)

	assert.Equal(t, http.StatusPaymentRequired, serve(g.CheckOnly(okHandler), "").Code)
}

func TestMalformedAndMismatchedHeaders(t *testing.T) {
	env := testutil.NewEnv(t, facilitator.Options{})
	fake := &fakeFacilitator{}
	g, err := New(testConfig(env.Recipient.Address.Hex()), WithFacilitator(fake))
	require.NoError(t, err)

	body := challengeOf(t, serve(g.Handler(okHandler), "%%%"))
	assert.Contains(t, body.Error, "invalid payment encoding")

	wrongVersion := env.SignedPayload(t, "v", 100)
	wrongVersion.X402Version = 2
	encoded, err := protocol.Encode(wrongVersion)
	require.NoError(t, err)
	body = challengeOf(t, serve(g.Handler(okHandler), encoded))
	assert.Contains(t, body.Error, "version")

	body = challengeOf(t, serve(g.Handler(okHandler), env.EncodedPayment(t, "small", 99)))
	assert.Contains(t, body.Error, "below the required")

	wrongNetwork := env.SignedPayload(t, "net", 100)
	wrongNetwork.Network = "base"
	encoded, err = protocol.Encode(wrongNetwork)
	require.NoError(t, err)
	body = challengeOf(t, serve(g.Handler(okHandler), encoded))
	assert.Contains(t, body.Error, "network")

	other, err := New(testConfig("0x000000000000000000000000000000000000dEaD"), WithFacilitator(fake))
	require.NoError(t, err)
	body = challengeOf(t, serve(other.Handler(okHandler), env.EncodedPayment(t, "to", 100)))
	assert.Contains(t, body.Error, "recipient")

	// The check-only variant rejects the same headers
	assert.Equal(t, http.StatusPaymentRequired, serve(g.CheckOnly(okHandler), "%%%").Code)
	assert.Zero(t, fake.settleCalls)
}

func TestFacilitatorFailuresChallenge(t *testing.T) {
	env := testutil.NewEnv(t, facilitator.Options{})
	encoded := env.EncodedPayment(t, "fail", 100)
	cfg := testConfig(env.Recipient.Address.Hex())

	tests := []struct {
		name   string
		fake   *fakeFacilitator
		reason string
	}{
		{"verify unreachable", &fakeFacilitator{verifyErr: errors.New("connection refused")}, "connection refused"},
		{"verify rejects", &fakeFacilitator{verify: &protocol.VerifyResult{Error: "missing payer"}}, "missing payer"},
		{"settle unreachable", &fakeFacilitator{
			verify:    &protocol.VerifyResult{Valid: true},
			settleErr: errors.New("circuit open"),
		}, "circuit open"},
		{"settle reverts", &fakeFacilitator{
			verify: &protocol.VerifyResult{Valid: true},
			settle: &protocol.SettleResult{Error: "settlement transaction reverted"},
		}, "reverted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(cfg, WithFacilitator(tt.fake))
			require.NoError(t, err)

			rec := serve(g.Handler(okHandler), encoded)
			body := challengeOf(t, rec)
			assert.Contains(t, body.Error, tt.reason)
			assert.Empty(t, rec.Header().Get(protocol.PaymentResponseHeader))
		})
	}
}

func TestCheckOnlyPassesStructurallyValidHeader(t *testing.T) {
	env := testutil.NewEnv(t, facilitator.Options{})
	fake := &fakeFacilitator{verifyErr: errors.New("must not be called")}
	g, err := New(testConfig(env.Recipient.Address.Hex()), WithFacilitator(fake))
	require.NoError(t, err)

	rec := serve(g.CheckOnly(okHandler), env.EncodedPayment(t, "diag", 100))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(protocol.PaymentResponseHeader))

	var payment PaymentContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	assert.Equal(t, env.Payer.Address.Hex(), payment.Payer)
	assert.Equal(t, "100", payment.Amount)
	assert.Empty(t, payment.TxHash)
	assert.Zero(t, fake.settleCalls)
}

// startFacilitator runs the real facilitator service over the in-memory chain
func startFacilitator(t *testing.T) (*testutil.Env, string) {
	env := testutil.NewEnv(t, facilitator.Options{LocalSignatureCheck: true})
	m := monitor.New(env.Facilitator, monitor.Config{}, &logger.EmptyLogger{})
	t.Cleanup(m.StopAll)

	s := server.NewServer(server.Config{FacilitatorKey: env.FacilitatorKey()}, env.Facilitator, m, &logger.EmptyLogger{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return env, ts.URL
}

func TestEndToEndPaidRequest(t *testing.T) {
	env, facilitatorURL := startFacilitator(t)
	cfg := testConfig(env.Recipient.Address.Hex())
	cfg.FacilitatorURL = facilitatorURL

	g, err := New(cfg)
	require.NoError(t, err)
	h := g.Handler(okHandler)

	body := challengeOf(t, serve(h, ""))
	assert.Equal(t, env.Recipient.Address.Hex(), body.Accepts[0].PayTo)
	assert.Equal(t, "100", body.Accepts[0].MaxAmountRequired)

	encoded := env.EncodedPayment(t, "e2e", 100)
	rec := serve(h, encoded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	receipt, err := protocol.ParseSettlementHeader(rec.Header().Get(protocol.PaymentResponseHeader))
	require.NoError(t, err)
	assert.True(t, receipt.Settled)
	assert.NotEmpty(t, receipt.TxHash)
	require.NotNil(t, receipt.BlockNumber)

	var payment PaymentContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	assert.Equal(t, receipt.PaymentID, payment.PaymentID)
	assert.Equal(t, receipt.TxHash, payment.TxHash)
	assert.Equal(t, "100", payment.Amount)

	assert.Equal(t, int64(900), env.Chain.TokenBalance(env.Payer.Address).Int64())

	// Replaying the same header is refused on-chain and challenged again
	replay := challengeOf(t, serve(h, encoded))
	assert.NotEmpty(t, replay.Error)
}

func TestGinAdapter(t *testing.T) {
	env, facilitatorURL := startFacilitator(t)
	cfg := testConfig(env.Recipient.Address.Hex())
	cfg.FacilitatorURL = facilitatorURL

	g, err := New(cfg)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/robot/move", g.Gin(), func(c *gin.Context) {
		payment, ok := PaymentFromContext(c.Request.Context())
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"moved": true, "txHash": payment.TxHash})
	})

	rec := serve(router, "")
	challengeOf(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTestTimeout)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/robot/move", nil).WithContext(ctx)
	req.Header.Set(protocol.PaymentHeader, env.EncodedPayment(t, "gin", 150))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(protocol.PaymentResponseHeader))
	assert.Contains(t, rec.Body.String(), `"moved":true`)
}

// pendingRecord is the escrow record a successful settlement of payload leaves behind
func pendingRecord(payload protocol.PaymentPayload) *protocol.PaymentInfo {
	return &protocol.PaymentInfo{
		PaymentID: payload.Payload.PaymentID,
		Status:    protocol.StatusPending,
		PaymentRecord: protocol.PaymentRecord{
			Payer:     payload.Payload.Payer,
			Recipient: payload.Payload.Recipient,
			Amount:    payload.Payload.Amount,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
	}
}

func TestSettleTimeoutConfirmedFromEscrowRecord(t *testing.T) {
	env := testutil.NewEnv(t, facilitator.Options{})
	payload := env.SignedPayload(t, "slow", 100)
	encoded, err := protocol.Encode(payload)
	require.NoError(t, err)

	fake := &fakeFacilitator{
		verify:    &protocol.VerifyResult{Valid: true, Payer: payload.Payload.Payer, Amount: "100"},
		settleErr: fmt.Errorf("failed to call facilitator settle: %w", context.DeadlineExceeded),
		payment:   pendingRecord(payload),
	}
	g, err := New(testConfig(env.Recipient.Address.Hex()), WithFacilitator(fake), WithConfirmPolling(3, time.Millisecond))
	require.NoError(t, err)
	h := g.Handler(okHandler)

	rec := serve(h, encoded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt, err := protocol.ParseSettlementHeader(rec.Header().Get(protocol.PaymentResponseHeader))
	require.NoError(t, err)
	assert.True(t, receipt.Settled)
	assert.Equal(t, payload.Payload.PaymentID, receipt.PaymentID)

	// The same escrow record unlocks one request only
	body := challengeOf(t, serve(h, encoded))
	assert.Contains(t, body.Error, "already been redeemed")
}

func TestUnconfirmedSettlementResolvedByPolling(t *testing.T) {
	env := testutil.NewEnv(t, facilitator.Options{})
	payload := env.SignedPayload(t, "unconfirmed", 100)
	encoded, err := protocol.Encode(payload)
	require.NoError(t, err)
	cfg := testConfig(env.Recipient.Address.Hex())

	valid := &protocol.VerifyResult{Valid: true, Payer: payload.Payload.Payer, Amount: "100"}
	unconfirmed := &protocol.SettleResult{TxHash: "0xabc", Error: "timed out waiting for receipt"}

	t.Run("record appears", func(t *testing.T) {
		fake := &fakeFacilitator{verify: valid, settle: unconfirmed, payment: pendingRecord(payload)}
		g, err := New(cfg, WithFacilitator(fake), WithConfirmPolling(3, time.Millisecond))
		require.NoError(t, err)

		rec := serve(g.Handler(okHandler), encoded)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		receipt, err := protocol.ParseSettlementHeader(rec.Header().Get(protocol.PaymentResponseHeader))
		require.NoError(t, err)
		assert.Equal(t, "0xabc", receipt.TxHash)
	})

	t.Run("record never appears", func(t *testing.T) {
		fake := &fakeFacilitator{verify: valid, settle: unconfirmed}
		g, err := New(cfg, WithFacilitator(fake), WithConfirmPolling(3, time.Millisecond))
		require.NoError(t, err)

		rec := serve(g.Handler(okHandler), encoded)
		body := challengeOf(t, rec)
		assert.Contains(t, body.Error, "could not be confirmed")
		assert.Equal(t, 3, fake.paymentCalls)
		assert.Empty(t, rec.Header().Get(protocol.PaymentResponseHeader))
	})

	mismatches := []struct {
		name   string
		mutate func(*protocol.PaymentInfo)
		reason string
	}{
		{"other payer", func(p *protocol.PaymentInfo) { p.Payer = "0x000000000000000000000000000000000000bEEF" }, "payer"},
		{"other recipient", func(p *protocol.PaymentInfo) { p.Recipient = "0x000000000000000000000000000000000000bEEF" }, "recipient"},
		{"smaller amount", func(p *protocol.PaymentInfo) { p.Amount = "99" }, "amount"},
		{"already claimed", func(p *protocol.PaymentInfo) { p.Status = protocol.StatusClaimed }, "CLAIMED"},
	}
	for _, tt := range mismatches {
		t.Run(tt.name, func(t *testing.T) {
			record := pendingRecord(payload)
			tt.mutate(record)
			fake := &fakeFacilitator{verify: valid, settle: unconfirmed, payment: record}
			g, err := New(cfg, WithFacilitator(fake), WithConfirmPolling(3, time.Millisecond))
			require.NoError(t, err)

			body := challengeOf(t, serve(g.Handler(okHandler), encoded))
			assert.Contains(t, body.Error, tt.reason)
		})
	}
}

func TestSettleTimeoutEndToEnd(t *testing.T) {
	env, facilitatorURL := startFacilitator(t)

	// The facilitator settles but the answer never reaches the gate
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied, err := http.NewRequestWithContext(r.Context(), r.Method, facilitatorURL+r.URL.Path, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		proxied.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(proxied)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		if r.URL.Path == "/settle" {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(slow.Close)

	cfg := testConfig(env.Recipient.Address.Hex())
	cfg.FacilitatorURL = slow.URL
	client := facilitatorclient.New(slow.URL, &logger.EmptyLogger{}, facilitatorclient.WithTimeout(time.Second))
	g, err := New(cfg, WithFacilitator(client), WithConfirmPolling(5, 50*time.Millisecond))
	require.NoError(t, err)

	rec := serve(g.Handler(okHandler), env.EncodedPayment(t, "lost-answer", 100))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(protocol.PaymentResponseHeader))
	assert.Equal(t, int64(900), env.Chain.TokenBalance(env.Payer.Address).Int64())
}

func TestCheckFacilitator(t *testing.T) {
	cfg := testConfig("0x000000000000000000000000000000000000dEaD")
	matching := &facilitator.ServiceConfig{
		ChainID:       84532,
		EscrowAddress: mocks.EscrowAddress.Hex(),
		TokenAddress:  mocks.TokenAddress.Hex(),
		Network:       testutil.Network,
	}

	g, err := New(cfg, WithFacilitator(&fakeFacilitator{serviceConfig: matching}))
	require.NoError(t, err)
	assert.NoError(t, g.CheckFacilitator(context.Background()))

	otherToken := *matching
	otherToken.TokenAddress = "0x000000000000000000000000000000000000bEEF"
	g, err = New(cfg, WithFacilitator(&fakeFacilitator{serviceConfig: &otherToken}))
	require.NoError(t, err)
	err = g.CheckFacilitator(context.Background())
	assert.ErrorIs(t, err, ErrFacilitatorMismatch)
	assert.Contains(t, err.Error(), "token")

	otherNetwork := *matching
	otherNetwork.Network = "base"
	g, err = New(cfg, WithFacilitator(&fakeFacilitator{serviceConfig: &otherNetwork}))
	require.NoError(t, err)
	assert.ErrorIs(t, g.CheckFacilitator(context.Background()), ErrFacilitatorMismatch)

	g, err = New(cfg, WithFacilitator(&fakeFacilitator{}))
	require.NoError(t, err)
	err = g.CheckFacilitator(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFacilitatorMismatch)
}
