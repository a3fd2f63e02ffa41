// Package keeper drives continuous possession of booking slots: the
// acquisition scanner that claims a slot when it frees up, and the renewal
// scheduler that keeps a claimed slot alive by re-reserving it just before
// the external grant expires.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/courtkeeper/internal/config"
	"github.com/example/courtkeeper/internal/credential"
	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/notify"
	"github.com/example/courtkeeper/internal/task"
)

// Gateway is the slice of the booking gateway the engine needs.
type Gateway interface {
	QueryAvailability(ctx context.Context, cred credential.Credential, date string) ([]gateway.Slot, error)
	SubmitReservation(ctx context.Context, cred credential.Credential, userID int64, key gateway.ResourceKey, price float64) error
}

// Authenticator recovers a dead session; satisfied by login.Coordinator.
type Authenticator interface {
	Refresh(ctx context.Context, account string) (credential.Credential, error)
}

// Recorder persists task records so a restart can surface what was running.
type Recorder interface {
	Record(ctx context.Context, info task.Info, resource gateway.ResourceKey) error
	Forget(ctx context.Context, id string) error
}

// NopRecorder is used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, task.Info, gateway.ResourceKey) error { return nil }
func (NopRecorder) Forget(context.Context, string) error                         { return nil }

var ErrNoCredential = errors.New("keeper: no credential for account, log in first")

// Keeper owns the worker lifecycle for every scan and lease task.
type Keeper struct {
	creds    *credential.Store
	auth     Authenticator
	gw       Gateway
	registry *task.Registry
	recorder Recorder
	notifier notify.Notifier
	log      *slog.Logger
	timing   config.Timing
}

func New(creds *credential.Store, auth Authenticator, gw Gateway, registry *task.Registry,
	recorder Recorder, notifier notify.Notifier, log *slog.Logger, timing config.Timing) *Keeper {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Keeper{
		creds:    creds,
		auth:     auth,
		gw:       gw,
		registry: registry,
		recorder: recorder,
		notifier: notifier,
		log:      log,
		timing:   timing,
	}
}

// StartScan launches a scan worker polling for key. A wildcard venue
// (empty VenueID) matches any open court in the requested time window.
func (k *Keeper) StartScan(account string, key gateway.ResourceKey, price float64) (string, error) {
	if _, ok := k.creds.Get(account); !ok {
		return "", ErrNoCredential
	}
	t := k.registry.Create(task.KindScan, account, key, price)
	_ = k.recorder.Record(context.Background(), t.Snapshot(), key)
	k.log.Info("scan task started", "account", account, "task", t.ID, "resource", key.String())
	go k.runScan(t)
	return t.ID, nil
}

// StartDirect skips scanning: claim the caller-specified slot once and, on
// success, hold it exactly as a scan handoff would.
func (k *Keeper) StartDirect(ctx context.Context, account string, key gateway.ResourceKey, price float64) (string, error) {
	cred, ok := k.creds.Get(account)
	if !ok {
		return "", ErrNoCredential
	}
	if key.VenueID == "" {
		return "", fmt.Errorf("keeper: direct acquisition needs a specific slot")
	}
	claims, err := credential.ClaimsFromToken(cred.Token)
	if err != nil {
		return "", err
	}

	err = k.gw.SubmitReservation(ctx, cred, claims.UserID, key, price)
	if errors.Is(err, gateway.ErrSessionInvalid) {
		if cred, err = k.auth.Refresh(ctx, account); err != nil {
			return "", fmt.Errorf("keeper: session rescue failed: %w", err)
		}
		if claims, err = credential.ClaimsFromToken(cred.Token); err != nil {
			return "", err
		}
		err = k.gw.SubmitReservation(ctx, cred, claims.UserID, key, price)
	}
	if err != nil {
		return "", err
	}

	t := k.registry.Create(task.KindLease, account, key, price)
	t.ConvertToLease(key, price, time.Now())
	_ = k.recorder.Record(context.Background(), t.Snapshot(), key)
	k.notifier.SlotAcquired(ctx, k.event(t))
	k.log.Info("slot reserved, renewal keeper started", "account", account, "task", t.ID, "resource", key.String())
	go k.runLease(t)
	return t.ID, nil
}

// StopTask cancels a running task, or clears an already-terminal one from
// the registry. Idempotent; false means the id is unknown.
func (k *Keeper) StopTask(id string) bool {
	t, ok := k.registry.Get(id)
	if !ok {
		return false
	}
	if t.State().Terminal() {
		k.registry.Remove(id)
		_ = k.recorder.Forget(context.Background(), id)
		return true
	}
	t.Stop()
	return true
}

// ListTasks returns snapshots, optionally filtered by account.
func (k *Keeper) ListTasks(account string) []task.Info {
	return k.registry.List(account)
}

func (k *Keeper) event(t *task.Task) notify.Event {
	email := ""
	if cred, ok := k.creds.Get(t.Account); ok {
		email = cred.Email
	}
	return notify.Event{TaskID: t.ID, Account: t.Account, Email: email, Resource: t.Resource}
}

// finish records a terminal state. The entry stays listed until an explicit
// StopTask clears it, so a lost lease remains visible.
func (k *Keeper) finish(t *task.Task, state task.State, detail string) {
	t.SetState(state, detail)
	_ = k.recorder.Record(context.Background(), t.Snapshot(), t.Resource)
}

// sleep waits for d or until the task is stopped; false means stopped.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
