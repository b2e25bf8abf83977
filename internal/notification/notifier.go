// Package notification delivers operational alerts (data loss, insecure
// durable connections, exhausted flushes) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Kind groups alerts for
// throttling, e.g. "data_loss".
type Alert struct {
	Kind    string     `json:"kind"`
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title, "kind", alert.Kind, "message", alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues alerts so callers on hot paths never block on delivery,
// and suppresses repeats of the same Kind within Cooldown.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	queue    chan Alert
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	// Optional metrics hooks
	OnSuppressed func(kind string)
	OnFailed     func(err error)
}

// NewDispatcher creates a dispatcher over n.
func NewDispatcher(n Notifier, cooldown time.Duration) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		cooldown: cooldown,
		queue:    make(chan Alert, 64),
		now:      time.Now,
		log:      slog.With("component", "notify"),
		lastSent: make(map[string]time.Time),
	}
}

// Notify enqueues alert unless the same kind fired within the cooldown or
// the queue is full.
func (d *Dispatcher) Notify(alert Alert) {
	d.mu.Lock()
	now := d.now()
	if last, ok := d.lastSent[alert.Kind]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		if d.OnSuppressed != nil {
			d.OnSuppressed(alert.Kind)
		}
		return
	}
	d.lastSent[alert.Kind] = now
	d.mu.Unlock()

	select {
	case d.queue <- alert:
	default:
		if d.OnSuppressed != nil {
			d.OnSuppressed(alert.Kind)
		}
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// already queued with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case a := <-d.queue:
					d.deliver(drainCtx, a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	if err := d.notifier.Send(ctx, a); err != nil {
		d.log.Warn("alert delivery failed", "kind", a.Kind, "err", err)
		if d.OnFailed != nil {
			d.OnFailed(err)
		}
	}
}
