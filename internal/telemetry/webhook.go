package telemetry

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const webhookBufferSize = 1000

// WebhookConfig configures the optional outbound result mirror
// (spec.md §4.F).
type WebhookConfig struct {
	URL    string
	Secret string
}

// Enabled reports whether a webhook URL is configured.
func (c WebhookConfig) Enabled() bool { return c.URL != "" }

// Webhook delivers a signed JSON copy of each submitted TestResult to a
// configured URL, retrying with exponential backoff up to 3 attempts and
// never blocking the submit path — grounded on the worker's buffered
// telemetry shipper, adapted from per-runID batching to per-result
// at-least-once delivery.
type Webhook struct {
	config WebhookConfig
	client *http.Client

	buffer chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewWebhook starts the delivery goroutine. If cfg is not Enabled, the
// returned Webhook's Deliver is a no-op.
func NewWebhook(ctx context.Context, cfg WebhookConfig) *Webhook {
	whCtx, cancel := context.WithCancel(ctx)
	w := &Webhook{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		buffer: make(chan []byte, webhookBufferSize),
		ctx:    whCtx,
		cancel: cancel,
	}
	if cfg.Enabled() {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Deliver enqueues body for signed delivery; never blocks the caller
// (spec.md §4.F: "never block the submit path on webhook completion").
func (w *Webhook) Deliver(body []byte) {
	if !w.config.Enabled() {
		return
	}
	select {
	case w.buffer <- body:
	default:
		w.dropped.Add(1)
		log.Printf("[telemetry webhook] buffer full, dropping delivery")
	}
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for {
		select {
		case body, ok := <-w.buffer:
			if !ok {
				return
			}
			w.deliverOne(body)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Webhook) deliverOne(body []byte) {
	deliveryID := uuid.NewString()
	sig := sign(body, w.config.Secret)

	attempts := 0
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2) // 3 attempts total
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", "sha256="+sig)
		req.Header.Set("X-Webhook-Delivery-Id", deliveryID)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errStatus(resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		w.failed.Add(1)
		log.Printf("[telemetry webhook] delivery %s failed after %d attempts: %v", deliveryID, attempts, err)
		return
	}
	w.delivered.Add(1)
}

// Stats reports delivery counters. The /api/telemetry/stats endpoint does
// not include them; it serves Store.Stats only.
func (w *Webhook) Stats() (delivered, dropped, failed int64) {
	return w.delivered.Load(), w.dropped.Load(), w.failed.Load()
}

// Close stops the delivery goroutine, draining any remaining buffered
// deliveries first.
func (w *Webhook) Close() {
	w.cancel()
	if w.config.Enabled() {
		close(w.buffer)
		w.wg.Wait()
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type errStatus int

func (e errStatus) Error() string {
	b, _ := json.Marshal(map[string]int{"status": int(e)})
	return string(b)
}
