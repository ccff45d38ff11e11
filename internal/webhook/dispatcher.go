package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/telemetry"
)

const (
	// queueSize is the buffer size for the event queue
	queueSize = 1000

	// maxResponseBodySize limits how much of a failed response body is logged
	maxResponseBodySize = 1024

	SignatureHeader = "X-Flaggate-Signature"
	EventHeader     = "X-Flaggate-Event"
	DeliveryHeader  = "X-Flaggate-Delivery"
)

// Options configures a Dispatcher.
type Options struct {
	Endpoints  []Endpoint
	Secret     string
	MaxRetries int
	Timeout    time.Duration
	// InitialInterval is the first retry delay; it doubles per attempt.
	InitialInterval time.Duration
}

// Dispatcher manages webhook event dispatching and delivery
type Dispatcher struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
	queue  chan Event
	done   chan struct{}

	// mu orders Dispatch sends against closing the queue
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.Named("webhook"),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
}

// Start begins processing events from the queue
func (d *Dispatcher) Start() {
	go d.worker()
}

// Close drains the queue and waits for pending deliveries. Safe to call
// multiple times.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return nil
}

// Dispatch queues an event for delivery. It never blocks; when the queue is
// full, or the dispatcher is closed, the event is dropped.
func (d *Dispatcher) Dispatch(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
		d.logger.Debug("event queued",
			zap.String("type", event.Type),
			zap.String("project", event.Project),
			zap.String("env", event.Environment),
			zap.Int("queue_size", len(d.queue)))
	default:
		telemetry.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Error("queue full, dropping event",
			zap.Int("capacity", queueSize),
			zap.String("type", event.Type),
			zap.String("project", event.Project),
			zap.String("env", event.Environment))
	}
}

// worker processes events from the queue
func (d *Dispatcher) worker() {
	defer close(d.done)

	for event := range d.queue {
		for _, ep := range d.opts.Endpoints {
			if d.matches(ep, event) {
				d.deliverWithRetry(context.Background(), ep, event)
			}
		}
	}
}

// matches checks if an endpoint should receive this event based on filters
func (d *Dispatcher) matches(ep Endpoint, event Event) bool {
	if len(ep.Events) > 0 && !contains(ep.Events, event.Type) {
		return false
	}
	if len(ep.Environments) > 0 && !contains(ep.Environments, event.Environment) {
		return false
	}
	return true
}

// deliverWithRetry posts event to ep, retrying failures with exponential
// backoff. Client errors other than 429 are not retried.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	signature := ComputeHMAC(payload, d.opts.Secret)
	deliveryID := uuid.New().String()
	log := d.logger.With(
		zap.String("url", ep.URL),
		zap.String("delivery_id", deliveryID),
		zap.String("type", event.Type))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.InitialInterval

	attempt := 0
	_, err = backoff.Retry(ctx, func() (int, error) {
		attempt++
		start := time.Now()
		status, err := d.post(ctx, ep.URL, payload, signature, deliveryID, event.Type)
		log.Debug("delivery attempt",
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return status, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(d.opts.MaxRetries+1)),
	)
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("failure").Inc()
		log.Warn("delivery failed permanently", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("success").Inc()
	log.Info("delivery succeeded", zap.Int("attempts", attempt))
}

func (d *Dispatcher) post(ctx context.Context, url string, payload []byte, signature, deliveryID, eventType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(DeliveryHeader, deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	err = fmt.Errorf("receiver answered %d: %s", resp.StatusCode, body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resp.StatusCode, backoff.Permanent(err)
	}
	return resp.StatusCode, err
}

// ComputeHMAC generates an HMAC signature for the given payload using the secret
func ComputeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies that the provided signature matches the computed HMAC
func VerifySignature(payload []byte, signature string, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(ComputeHMAC(payload, secret)))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
