// Package notify delivers driver offers and customer messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notifier is the outbound messaging contract.
type Notifier interface {
	SendOfferNotification(ctx context.Context, driverID, orderID string) error
	NotifyCustomer(ctx context.Context, orderID, message string) error
}

// Message is the JSON body posted to the notification gateway.
type Message struct {
	Kind      string    `json:"kind"`
	DriverID  string    `json:"driver_id,omitempty"`
	OrderID   string    `json:"order_id"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	KindOffer    = "driver_offer"
	KindCustomer = "customer_message"
)

// Webhook posts messages to a gateway URL, throttled by a token bucket so
// a mass escalation cannot flood drivers or customers.
type Webhook struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	headers map[string]string
	now     func() time.Time
}

// NewWebhook allows perSecond messages with the given burst.
func NewWebhook(url string, perSecond float64, burst int, headers map[string]string) *Webhook {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Webhook{
		url:     url,
		http:    &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		headers: headers,
		now:     time.Now,
	}
}

func (w *Webhook) SendOfferNotification(ctx context.Context, driverID, orderID string) error {
	return w.post(ctx, Message{Kind: KindOffer, DriverID: driverID, OrderID: orderID})
}

func (w *Webhook) NotifyCustomer(ctx context.Context, orderID, message string) error {
	return w.post(ctx, Message{Kind: KindCustomer, OrderID: orderID, Text: message})
}

func (w *Webhook) post(ctx context.Context, m Message) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify throttle: %w", err)
	}
	m.Timestamp = w.now().UTC()
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send %s: HTTP %d", m.Kind, resp.StatusCode)
	}
	return nil
}

// Log writes messages to a structured logger. Used when no gateway is
// configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) SendOfferNotification(_ context.Context, driverID, orderID string) error {
	l.logger().Info("offer notification", "driver_id", driverID, "order_id", orderID)
	return nil
}

func (l Log) NotifyCustomer(_ context.Context, orderID, message string) error {
	l.logger().Info("customer notification", "order_id", orderID, "message", message)
	return nil
}

// Recorder keeps every message in memory. Tests use it to assert on
// outbound traffic.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) SendOfferNotification(_ context.Context, driverID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Kind: KindOffer, DriverID: driverID, OrderID: orderID})
	return nil
}

func (r *Recorder) NotifyCustomer(_ context.Context, orderID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Kind: KindCustomer, OrderID: orderID, Text: message})
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many recorded messages have the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}
