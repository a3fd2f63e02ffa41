package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/courtkeeper/internal/credential"
	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/task"
)

// runLease keeps one held slot alive. Each lease period starts at the last
// confirmed reservation and walks through three phases: an idle wait, a
// pre-check that probes availability and revives a dead session early, and a
// tight renewal burst straddling the moment the external grant expires. A
// failed burst gets one rescue pass before the lease is declared lost.
func (k *Keeper) runLease(t *task.Task) {
	log := k.log.With("account", t.Account, "task", t.ID)
	ctx := t.Context()
	preChecked := false

	for {
		if t.Stopping() {
			k.finish(t, task.StateStopped, "stopped")
			log.Info("lease task stopped")
			return
		}
		if t.Resource.StartsBefore(time.Now()) {
			k.finish(t, task.StateStopped, fmt.Sprintf("start time passed for %s", t.Resource))
			log.Info("slot start time passed, keeper retired", "resource", t.Resource.String())
			return
		}

		elapsed := time.Since(t.LastSuccessAt())
		preCheckAt := k.timing.LeasePeriod - k.timing.PreCheckLead
		renewAt := k.timing.LeasePeriod - k.timing.RenewLead

		switch {
		case elapsed < preCheckAt:
			if !sleep(ctx, min(preCheckAt-elapsed, k.timing.WaitTick)) {
				continue
			}
		case elapsed < renewAt:
			if !preChecked {
				k.preCheck(ctx, t, log)
				preChecked = true
			}
			if !sleep(ctx, min(renewAt-elapsed, k.timing.WaitTick)) {
				continue
			}
		default:
			if k.renewBurst(ctx, t, log) || k.rescue(ctx, t, log) {
				preChecked = false
				continue
			}
			if t.Stopping() || t.Resource.StartsBefore(time.Now()) {
				continue
			}
			k.finish(t, task.StateLost, fmt.Sprintf("lost %s", t.Resource))
			k.notifier.LeaseLost(context.Background(), k.event(t))
			log.Warn("lease lost", "resource", t.Resource.String(), "renewals", t.RenewCount())
			return
		}
	}
}

// preCheck runs the single per-period availability probe. Its real purpose
// is the side effect: a login-page response here means the session died
// during the idle wait, and refreshing now keeps the burst from burning its
// first attempts on a dead token.
func (k *Keeper) preCheck(ctx context.Context, t *task.Task, log *slog.Logger) {
	cred, ok := k.creds.Get(t.Account)
	if !ok {
		log.Warn("pre-check skipped, credential evicted")
		return
	}
	_, err := k.gw.QueryAvailability(ctx, cred, t.Resource.Date)
	switch {
	case err == nil:
		log.Debug("pre-check ok", "resource", t.Resource.String())
	case errors.Is(err, gateway.ErrSessionInvalid):
		log.Info("session expired before renewal, refreshing")
		if _, rerr := k.auth.Refresh(ctx, t.Account); rerr != nil {
			log.Warn("pre-check refresh failed", "error", rerr)
		}
	default:
		// Transport hiccups are not acted on; the burst has its own retries.
		log.Debug("pre-check error", "error", err)
	}
}

// renewBurst retries the reservation at a sub-second cadence until it lands
// or the renewal window closes. The credential is re-read from the store on
// every attempt so a refresh landing mid-burst, from this worker or any
// other, is picked up immediately. At most one refresh is triggered from
// inside the burst itself.
func (k *Keeper) renewBurst(ctx context.Context, t *task.Task, log *slog.Logger) bool {
	t.SetState(task.StateRenewing, fmt.Sprintf("renewing %s", t.Resource))
	windowEnd := t.LastSuccessAt().Add(k.timing.LeasePeriod - k.timing.RenewLead + k.timing.RenewWindow)
	refreshed := false

	for time.Now().Before(windowEnd) {
		if t.Stopping() || t.Resource.StartsBefore(time.Now()) {
			return false
		}
		cred, ok := k.creds.Get(t.Account)
		if !ok {
			if !sleep(ctx, k.timing.RenewInterval) {
				return false
			}
			continue
		}
		err := k.submit(ctx, cred, t)
		if err == nil {
			t.RecordRenewal(time.Now())
			log.Info("lease renewed", "resource", t.Resource.String(), "renewals", t.RenewCount())
			_ = k.recorder.Record(context.Background(), t.Snapshot(), t.Resource)
			return true
		}
		if errors.Is(err, gateway.ErrSessionInvalid) && !refreshed {
			refreshed = true
			log.Info("session expired mid-burst, refreshing")
			if _, rerr := k.auth.Refresh(ctx, t.Account); rerr != nil {
				log.Warn("mid-burst refresh failed", "error", rerr)
			}
			continue
		}
		log.Debug("renewal attempt failed", "error", err)
		if !sleep(ctx, k.timing.RenewInterval) {
			return false
		}
	}
	return false
}

// rescue is the last line after an exhausted burst: one forced refresh, then
// a small bounded run of attempts with no window constraint.
func (k *Keeper) rescue(ctx context.Context, t *task.Task, log *slog.Logger) bool {
	if t.Stopping() || t.Resource.StartsBefore(time.Now()) {
		return false
	}
	log.Warn("renewal window exhausted, attempting rescue", "resource", t.Resource.String())
	if _, err := k.auth.Refresh(ctx, t.Account); err != nil {
		log.Warn("rescue refresh failed", "error", err)
	}
	for i := 0; i < k.timing.RescueAttempts; i++ {
		if t.Stopping() {
			return false
		}
		cred, ok := k.creds.Get(t.Account)
		if !ok {
			return false
		}
		err := k.submit(ctx, cred, t)
		if err == nil {
			t.RecordRenewal(time.Now())
			log.Info("lease rescued", "resource", t.Resource.String(), "renewals", t.RenewCount())
			_ = k.recorder.Record(context.Background(), t.Snapshot(), t.Resource)
			return true
		}
		log.Debug("rescue attempt failed", "attempt", i+1, "error", err)
		if !sleep(ctx, k.timing.RenewInterval) {
			return false
		}
	}
	return false
}

func (k *Keeper) submit(ctx context.Context, cred credential.Credential, t *task.Task) error {
	claims, err := credential.ClaimsFromToken(cred.Token)
	if err != nil {
		return err
	}
	return k.gw.SubmitReservation(ctx, cred, claims.UserID, t.Resource, t.Price)
}
