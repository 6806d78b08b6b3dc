package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

// WebhookIDHeader carries a unique id per delivery so receivers can dedupe
const WebhookIDHeader = "X-Webhook-Id"

// WebhookPayload is POSTed to the callback URL on every status change
type WebhookPayload struct {
	PaymentID string                 `json:"paymentId"`
	Status    protocol.PaymentStatus `json:"status"`
	Payment   *protocol.PaymentInfo  `json:"payment"`
	Timestamp string                 `json:"timestamp"`
}

type webhookSender struct {
	client  *http.Client
	timeout time.Duration
	logger  logger.Logger
}

func newWebhookSender(timeout time.Duration, logger logger.Logger) *webhookSender {
	return &webhookSender{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// send delivers one notification. Failures are logged and never retried.
func (w *webhookSender) send(callbackURL, paymentID string, status protocol.PaymentStatus, info *protocol.PaymentInfo) {
	if err := w.deliver(callbackURL, paymentID, status, info); err != nil {
		metrics.Webhooks.WithLabelValues("failed").Inc()
		w.logger.ErrorWithPayment(paymentID, "Webhook to %s failed: %v", callbackURL, err)
		return
	}
	metrics.Webhooks.WithLabelValues("delivered").Inc()
	w.logger.DebugWithPayment(paymentID, "Webhook delivered to %s", callbackURL)
}

func (w *webhookSender) deliver(callbackURL, paymentID string, status protocol.PaymentStatus, info *protocol.PaymentInfo) error {
	body, err := json.Marshal(WebhookPayload{
		PaymentID: paymentID,
		Status:    status,
		Payment:   info,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %v", err)
	}

	// Not bound to the poll loop context: a terminal notification outlives its cancel
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookIDHeader, uuid.NewString())

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
