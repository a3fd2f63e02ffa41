// Package notify declares the outbound-notification obligation the renewal
// engine emits on acquisition and loss. Delivery (email etc.) happens
// outside this module; the default implementation just records the event.
package notify

import (
	"context"
	"log/slog"

	"github.com/example/courtkeeper/internal/gateway"
)

type Event struct {
	TaskID   string
	Account  string
	Email    string
	Resource gateway.ResourceKey
}

type Notifier interface {
	// SlotAcquired fires after a reservation is confirmed; the holder has a
	// bounded time to pay, so this is time-sensitive.
	SlotAcquired(ctx context.Context, ev Event)
	// LeaseLost fires when the renewal rescue path is exhausted.
	LeaseLost(ctx context.Context, ev Event)
}

type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) SlotAcquired(ctx context.Context, ev Event) {
	n.Log.Info("notification: slot acquired, payment due",
		"account", ev.Account, "task", ev.TaskID, "resource", ev.Resource.String(), "email", ev.Email)
}

func (n LogNotifier) LeaseLost(ctx context.Context, ev Event) {
	n.Log.Warn("notification: lease lost",
		"account", ev.Account, "task", ev.TaskID, "resource", ev.Resource.String(), "email", ev.Email)
}
