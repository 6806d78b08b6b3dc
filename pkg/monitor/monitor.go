// Package monitor polls escrow payments and notifies a callback URL when
// their status changes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/speedrun-hq/x402-facilitator/pkg/facilitator"
	"github.com/speedrun-hq/x402-facilitator/pkg/logger"
	"github.com/speedrun-hq/x402-facilitator/pkg/metrics"
	"github.com/speedrun-hq/x402-facilitator/pkg/protocol"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultWebhookTimeout = 10 * time.Second
	DefaultMaxPayments    = 1000
)

var (
	// ErrRegistryFull is returned when MaxPayments payments are already monitored
	ErrRegistryFull = errors.New("monitor registry is full")

	// ErrInvalidCallback is returned for callback URLs that are not absolute http(s) URLs
	ErrInvalidCallback = errors.New("invalid callback url")

	// ErrMonitorStopped is returned by Start once StopAll has been called
	ErrMonitorStopped = errors.New("monitor is stopped")
)

// StatusChecker is the part of the facilitator the monitor polls
type StatusChecker interface {
	CheckPaymentStatus(ctx context.Context, paymentID string) (*protocol.PaymentInfo, error)
}

// Config holds monitor settings
type Config struct {
	PollInterval   time.Duration
	WebhookTimeout time.Duration
	MaxPayments    int
}

// entry is one monitored payment. lastStatus is guarded by Monitor.mu.
// done is closed when its poll loop has exited.
type entry struct {
	paymentID   string
	callbackURL string
	lastStatus  protocol.PaymentStatus
	cancel      context.CancelFunc
	done        chan struct{}
}

// Monitor owns the registry of monitored payments and their poll loops
type Monitor struct {
	checker StatusChecker
	cfg     Config
	webhook *webhookSender
	logger  logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

// New creates a monitor; zero config values fall back to defaults
func New(checker StatusChecker, cfg Config, logger logger.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultWebhookTimeout
	}
	if cfg.MaxPayments <= 0 {
		cfg.MaxPayments = DefaultMaxPayments
	}

	return &Monitor{
		checker: checker,
		cfg:     cfg,
		webhook: newWebhookSender(cfg.WebhookTimeout, logger),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start begins monitoring a payment. Starting an id that is already monitored
// replaces the previous poll loop; Start returns once the old loop has exited.
func (m *Monitor) Start(ctx context.Context, paymentID, callbackURL string) error {
	if err := validateCallback(callbackURL); err != nil {
		return err
	}

	status := protocol.StatusPending
	info, err := m.checker.CheckPaymentStatus(ctx, paymentID)
	switch {
	case err == nil:
		status = info.Status
	case errors.Is(err, facilitator.ErrInvalidRequest):
		return err
	case errors.Is(err, facilitator.ErrPaymentNotFound):
		// Not created on-chain yet
	default:
		metrics.MonitorPollErrors.Inc()
		m.logger.ErrorWithPayment(paymentID, "Initial status read failed, assuming pending: %v", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrMonitorStopped
	}

	prev, exists := m.entries[paymentID]
	if exists {
		prev.cancel()
		delete(m.entries, paymentID)
	} else if len(m.entries) >= m.cfg.MaxPayments {
		count := len(m.entries)
		m.mu.Unlock()
		return fmt.Errorf("%w: %d payments", ErrRegistryFull, count)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		paymentID:   paymentID,
		callbackURL: callbackURL,
		lastStatus:  status,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.entries[paymentID] = e
	metrics.MonitoredPayments.Set(float64(len(m.entries)))

	m.wg.Add(1)
	go m.poll(pollCtx, e)
	m.mu.Unlock()

	if exists {
		<-prev.done
	}
	m.logger.InfoWithPayment(paymentID, "Monitoring started (status %s, callback %s)", status, callbackURL)
	return nil
}

// Stop cancels monitoring of a payment and waits for a webhook already in
// flight for it. No webhook for the payment is sent after Stop returns.
// Unknown ids are ignored.
func (m *Monitor) Stop(paymentID string) bool {
	m.mu.Lock()
	e, exists := m.entries[paymentID]
	if exists {
		delete(m.entries, paymentID)
		metrics.MonitoredPayments.Set(float64(len(m.entries)))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	e.cancel()
	<-e.done
	m.logger.InfoWithPayment(paymentID, "Monitoring stopped")
	return true
}

// StopAll cancels every poll loop and waits for them to exit. The monitor
// accepts no new payments afterwards.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	m.stopped = true
	stopped := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		stopped = append(stopped, e)
		delete(m.entries, id)
	}
	metrics.MonitoredPayments.Set(0)
	m.mu.Unlock()

	for _, e := range stopped {
		e.cancel()
	}
	m.wg.Wait()

	if len(stopped) > 0 {
		m.logger.Info("Stopped monitoring %d payments", len(stopped))
	}
}

// Len returns the number of monitored payments
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Active returns the monitored payment ids in sorted order
func (m *Monitor) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Status returns the last observed status of a monitored payment
func (m *Monitor) Status(paymentID string) (protocol.PaymentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[paymentID]
	if !exists {
		return "", false
	}
	return e.lastStatus, true
}

func (m *Monitor) poll(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if done := m.tick(ctx, e); done {
			return
		}
	}
}

// tick performs one status read. It returns true when the loop should exit.
func (m *Monitor) tick(ctx context.Context, e *entry) bool {
	status := protocol.StatusPending
	info, err := m.checker.CheckPaymentStatus(ctx, e.paymentID)
	switch {
	case ctx.Err() != nil:
		return true
	case err == nil:
		status = info.Status
	case errors.Is(err, facilitator.ErrPaymentNotFound):
	default:
		metrics.MonitorPollErrors.Inc()
		m.logger.ErrorWithPayment(e.paymentID, "Status poll failed: %v", err)
		return false
	}

	m.mu.Lock()
	if m.entries[e.paymentID] != e {
		// Stopped or replaced while the read was in flight
		m.mu.Unlock()
		return true
	}
	changed := status != e.lastStatus
	e.lastStatus = status
	terminal := protocol.IsTerminal(status)
	if terminal {
		delete(m.entries, e.paymentID)
		metrics.MonitoredPayments.Set(float64(len(m.entries)))
	}
	m.mu.Unlock()

	if changed {
		m.logger.NoticeWithPayment(e.paymentID, "Status changed to %s", status)
		m.webhook.send(e.callbackURL, e.paymentID, status, info)
	}

	if terminal {
		e.cancel()
		m.logger.InfoWithPayment(e.paymentID, "Reached terminal status %s, monitoring finished", status)
		return true
	}
	return false
}

func validateCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCallback, raw)
	}
	return nil
}
