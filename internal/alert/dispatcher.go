package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/model"
)

// DefaultRecent is how many alerts the dispatcher remembers for operators.
const DefaultRecent = 200

// Raiser is what the engines depend on.
type Raiser interface {
	Raise(ctx context.Context, event AlertEvent)
}

// Dispatcher fans out alert events to matching webhook configurations and
// keeps a bounded in-memory history of everything raised.
type Dispatcher struct {
	configs []AlertConfig
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	recent []AlertEvent
	limit  int
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations. With no
// configs alerts are only logged and remembered.
func NewDispatcher(configs []AlertConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		configs: configs,
		logger:  logger,
		now:     time.Now,
		limit:   DefaultRecent,
	}
}

// Raise stamps, records and sends the event to all webhooks whose Events
// list and MinSeverity match. Webhook delivery runs in goroutines and does
// not block the caller.
func (d *Dispatcher) Raise(ctx context.Context, event AlertEvent) {
	if event.Timestamp == "" {
		event.Timestamp = d.now().UTC().Format(audit.TimestampFormat)
	}
	if event.Severity == "" {
		event.Severity = model.SeverityMedium
	}

	d.mu.Lock()
	d.recent = append(d.recent, event)
	if len(d.recent) > d.limit {
		d.recent = d.recent[len(d.recent)-d.limit:]
	}
	d.mu.Unlock()

	d.logger.Warn("alert",
		"type", event.Type,
		"severity", event.Severity,
		"order_id", event.OrderID,
		"driver_id", event.DriverID,
		"reason", event.Reason,
	)

	for _, cfg := range d.configs {
		if !matches(cfg, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(context.WithoutCancel(ctx), cfg, event); err != nil {
				d.logger.Error("alert webhook failed", "url", cfg.URL, "type", event.Type, "error", err)
			}
		}(cfg)
	}
}

// Recent returns up to n of the latest alerts, newest last.
func (d *Dispatcher) Recent(n int) []AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	return append([]AlertEvent(nil), d.recent[len(d.recent)-n:]...)
}

// Wait blocks until in-flight webhook deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func matches(cfg AlertConfig, event AlertEvent) bool {
	if cfg.MinSeverity != "" && !event.Severity.AtLeast(cfg.MinSeverity) {
		return false
	}
	if len(cfg.Events) == 0 {
		return true
	}
	for _, e := range cfg.Events {
		if e == event.Type {
			return true
		}
	}
	return false
}
