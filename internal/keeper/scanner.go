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

// runScan polls availability for the requested window until a matching slot
// opens, then claims it and hands the task over to the renewal loop in the
// same goroutine so the id the caller holds keeps working.
func (k *Keeper) runScan(t *task.Task) {
	log := k.log.With("account", t.Account, "task", t.ID)
	ctx := t.Context()

	for {
		if !sleep(ctx, k.timing.ScanInterval) {
			k.finish(t, task.StateStopped, "stopped")
			log.Info("scan task stopped")
			return
		}
		if t.Resource.StartsBefore(time.Now()) {
			k.finish(t, task.StateStopped, fmt.Sprintf("start time passed for %s", t.Resource))
			log.Info("scan window passed, task retired", "resource", t.Resource.String())
			return
		}

		cred, ok := k.creds.Get(t.Account)
		if !ok {
			t.SetState(task.StateScanning, "waiting for login")
			continue
		}

		slots, err := k.gw.QueryAvailability(ctx, cred, t.Resource.Date)
		if errors.Is(err, gateway.ErrSessionInvalid) {
			log.Info("session expired while scanning, refreshing")
			if _, rerr := k.auth.Refresh(ctx, t.Account); rerr != nil {
				log.Warn("scan refresh failed", "error", rerr)
			}
			continue
		}
		if err != nil {
			log.Debug("availability query failed", "error", err)
			continue
		}

		slot, found := match(slots, t.Resource)
		if !found {
			continue
		}
		if k.claim(ctx, t, slot, log) {
			k.runLease(t)
			return
		}
	}
}

// match picks the first open slot in the requested time window. A scan with
// no venue pinned takes any court.
func match(slots []gateway.Slot, want gateway.ResourceKey) (gateway.Slot, bool) {
	for _, s := range slots {
		if !s.Open() || s.StartTime != want.StartTime {
			continue
		}
		if want.VenueID != "" && fmt.Sprint(s.VenueID) != want.VenueID {
			continue
		}
		return s, true
	}
	return gateway.Slot{}, false
}

// claim reserves the freed slot and flips the task into a held lease. Losing
// the race to another buyer just puts the scanner back to polling.
func (k *Keeper) claim(ctx context.Context, t *task.Task, slot gateway.Slot, log *slog.Logger) bool {
	claimed := gateway.ResourceKey{
		Date:      t.Resource.Date,
		StartTime: slot.StartTime,
		EndTime:   slot.EndTime,
		VenueID:   fmt.Sprint(slot.VenueID),
		VenueName: slot.VenueName,
	}
	price := slot.Price
	if price == 0 {
		price = t.Price
	}

	cred, ok := k.creds.Get(t.Account)
	if !ok {
		return false
	}
	claims, err := credential.ClaimsFromToken(cred.Token)
	if err != nil {
		log.Warn("cannot read user id from token", "error", err)
		return false
	}

	err = k.gw.SubmitReservation(ctx, cred, claims.UserID, claimed, price)
	if errors.Is(err, gateway.ErrSessionInvalid) {
		log.Info("session expired at claim time, refreshing")
		if cred, err = k.auth.Refresh(ctx, t.Account); err != nil {
			log.Warn("claim refresh failed", "error", err)
			return false
		}
		if claims, err = credential.ClaimsFromToken(cred.Token); err != nil {
			return false
		}
		err = k.gw.SubmitReservation(ctx, cred, claims.UserID, claimed, price)
	}
	if err != nil {
		log.Info("open slot claimed by someone else first", "resource", claimed.String(), "error", err)
		return false
	}

	t.ConvertToLease(claimed, price, time.Now())
	_ = k.recorder.Record(context.Background(), t.Snapshot(), claimed)
	k.notifier.SlotAcquired(context.Background(), k.event(t))
	log.Info("open slot claimed, holding", "resource", claimed.String())
	return true
}
