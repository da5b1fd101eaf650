// Package notify delivers operator alerts about the refresh cycle to chat
// channels. Alerts can be filtered by event type, and a repeat of the same
// event is held back until the throttle window has passed.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types raised by the tracker.
const (
	EventRefreshFailed    = "refresh_failed"
	EventRefreshRecovered = "refresh_recovered"
)

// Alert is one operator notification.
type Alert struct {
	Event   string
	Title   string
	Message string
	At      time.Time
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders.
type Notifier struct {
	senders  []Sender
	events   map[string]bool // allowed event types; empty allows all
	throttle time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // event -> last delivery
}

// NewNotifier creates a Notifier for the given senders. Only events listed in
// events are forwarded; an empty list forwards everything. A non-positive
// throttle disables suppression of repeats.
func NewNotifier(senders []Sender, events []string, throttle time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		throttle: throttle,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert for event unless it is filtered out or the same event
// was delivered within the throttle window.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	if n.throttled(event) {
		n.logger.DebugContext(ctx, "notify: event throttled",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, Alert{Event: event, Title: title, Message: message, At: n.now()})
}

// Reset forgets the last delivery of event so the next one is sent at once.
func (n *Notifier) Reset(event string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	delete(n.lastSent, event)
	n.mu.Unlock()
}

func (n *Notifier) throttled(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[event]; ok && n.throttle > 0 && now.Sub(last) < n.throttle {
		return true
	}
	n.lastSent[event] = now
	return false
}

// dispatch delivers to every sender. One sender failing does not stop the
// others; failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("event", alert.Event),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const ellipsis = "..."
	cut := max - len(ellipsis)
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
