// Package notify pages operators about control-plane events: circuit trips,
// reopens, and failed orchestration runs. Delivery channels implement Sender;
// the Alerter bridges the coordination-store event bus to the Notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender delivers one notification over a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every configured sender. An event
// allowlist limits which event types page; an empty allowlist pages on all.
type Notifier struct {
	senders []Sender
	allowed map[string]struct{}
	log     *slog.Logger
}

// NewNotifier creates a Notifier. Events names the event types that page;
// leave it empty to page on everything.
func NewNotifier(senders []Sender, events []string, log *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		log:     log.With("component", "notify"),
	}
}

// Notify pages when the event type passes the allowlist.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 {
		if _, ok := n.allowed[event]; !ok {
			n.log.DebugContext(ctx, "event not on allowlist", "event", event)
			return nil
		}
	}
	return n.NotifyAll(ctx, title, message)
}

// NotifyAll pages every sender, skipping the allowlist. One failing channel
// never blocks the others; failures come back joined.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.log.ErrorContext(ctx, "send failed", "sender", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.log.DebugContext(ctx, "sent", "sender", s.Name(), "title", title)
	}
	return errors.Join(errs...)
}
