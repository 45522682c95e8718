package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"powerline/internal/config"
	"powerline/internal/domain"
	"powerline/internal/engine/auth"
	"powerline/internal/events"
	"powerline/internal/notify"
	"powerline/internal/repo"
)

// maxDurationHours bounds expected-return arithmetic to one year.
const maxDurationHours = 24 * 366

// OutageCreateOptions are parameters for reporting an outage.
// A nil DurationHours falls back to outages.default_duration_hours.
type OutageCreateOptions struct {
	VillageID     string
	Reason        string
	DurationHours *int
}

// CreateOutage records an outage for a village and texts its residents.
// Notification results never affect the returned outage or error.
func (e Engine) CreateOutage(ctx context.Context, p domain.Principal, opts OutageCreateOptions) (domain.Outage, error) {
	villageID := strings.TrimSpace(opts.VillageID)
	if err := auth.Authorize(p, auth.CreateOutage, auth.Target{VillageID: villageID}); err != nil {
		return domain.Outage{}, err
	}
	reason := strings.TrimSpace(opts.Reason)
	if villageID == "" {
		return domain.Outage{}, InputError{Field: "village_id", Reason: "required"}
	}
	if reason == "" {
		return domain.Outage{}, InputError{Field: "reason", Reason: "required"}
	}
	hours := e.Config.Outages.DefaultDurationHours
	if opts.DurationHours != nil {
		hours = *opts.DurationHours
	}
	if hours < 0 {
		return domain.Outage{}, InputError{Field: "duration_hours", Reason: "must not be negative"}
	}
	if hours > maxDurationHours {
		return domain.Outage{}, InputError{Field: "duration_hours", Reason: fmt.Sprintf("must not exceed %d", maxDurationHours)}
	}
	village, err := e.Repo.GetVillage(ctx, nil, villageID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Outage{}, InputError{Field: "village_id", Reason: "unknown village"}
	}
	if err != nil {
		return domain.Outage{}, err
	}

	start := e.now().UTC().Truncate(time.Second)
	expected := start.Add(time.Duration(hours) * time.Hour)
	o := domain.Outage{
		ID:             uuid.NewString(),
		VillageID:      village.ID,
		Reason:         reason,
		StartTime:      formatTime(start),
		ExpectedReturn: formatTime(expected),
	}
	if p.UserID != System.UserID {
		o.ReportedBy = optionalString(p.UserID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOutage(ctx, tx, o); err != nil {
		return domain.Outage{}, fmt.Errorf("insert outage: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.OutageCreated, "outage", o.ID, p.UserID, events.EventPayload{
		"village_id":      o.VillageID,
		"reason":          o.Reason,
		"duration_hours":  hours,
		"expected_return": o.ExpectedReturn,
	}); err != nil {
		return domain.Outage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Outage{}, err
	}
	e.Metrics.IncOutageCreated()
	e.log().InfoContext(ctx, "outage created", "outage_id", o.ID, "village_id", o.VillageID, "duration_hours", hours, "reported_by", p.UserID)

	e.notifyVillage(ctx, "outage", village.ID, outageMessage(village, o.Reason, hours, expected.In(e.Config.Notifications.Location())), o.ID, p.UserID)
	return o, nil
}

// ResolveOutage marks an outage resolved and texts the village that power is back.
// Under the idempotent policy a repeated call returns the stored outage untouched.
func (e Engine) ResolveOutage(ctx context.Context, p domain.Principal, id string) (domain.Outage, error) {
	if err := auth.Authorize(p, auth.ResolveOutage, auth.Target{}); err != nil {
		return domain.Outage{}, err
	}
	o, err := e.Repo.GetOutage(ctx, nil, id)
	if err != nil {
		return domain.Outage{}, err
	}
	idempotent := e.Config.Outages.ResolvePolicy == config.ResolveIdempotent
	if idempotent && o.IsResolved {
		e.Metrics.IncOutageResolved("noop")
		return o, nil
	}

	resolvedAt := e.now().UTC().Truncate(time.Second)
	if start, err := time.Parse(time.RFC3339, o.StartTime); err == nil && resolvedAt.Before(start) {
		resolvedAt = start
	}
	ts := formatTime(resolvedAt)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outage{}, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.MarkOutageResolved(ctx, tx, o.ID, ts, idempotent)
	if err != nil {
		return domain.Outage{}, fmt.Errorf("resolve outage: %w", err)
	}
	if !changed {
		if idempotent {
			// lost the race to another resolver; it already notified
			_ = tx.Rollback()
			e.Metrics.IncOutageResolved("noop")
			return e.Repo.GetOutage(ctx, nil, o.ID)
		}
		return domain.Outage{}, repo.ErrNotFound
	}
	if err := e.appendEvent(ctx, tx, events.OutageResolved, "outage", o.ID, p.UserID, events.EventPayload{
		"village_id":       o.VillageID,
		"resolved_time":    ts,
		"already_resolved": o.IsResolved,
	}); err != nil {
		return domain.Outage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Outage{}, err
	}
	outcome := "resolved"
	if o.IsResolved {
		outcome = "re_resolved"
	}
	e.Metrics.IncOutageResolved(outcome)
	e.log().InfoContext(ctx, "outage resolved", "outage_id", o.ID, "village_id", o.VillageID, "resolved_by", p.UserID, "outcome", outcome)

	o.IsResolved = true
	o.ResolvedTime = &ts

	village, err := e.Repo.GetVillage(ctx, nil, o.VillageID)
	if err != nil {
		e.log().ErrorContext(ctx, "load village for restore notice", "outage_id", o.ID, "error", err)
		return o, nil
	}
	e.notifyVillage(ctx, "restored", village.ID, restoredMessage(village), o.ID, p.UserID)
	return o, nil
}

// ListOutages returns the outages visible to p, newest first.
func (e Engine) ListOutages(ctx context.Context, p domain.Principal) ([]domain.Outage, error) {
	return e.listOutages(ctx, p, false)
}

// ListActiveOutages is ListOutages restricted to unresolved outages.
func (e Engine) ListActiveOutages(ctx context.Context, p domain.Principal) ([]domain.Outage, error) {
	return e.listOutages(ctx, p, true)
}

func (e Engine) listOutages(ctx context.Context, p domain.Principal, activeOnly bool) ([]domain.Outage, error) {
	f := repo.OutageFilters{ActiveOnly: activeOnly}
	if !auth.CanSeeAllOutages(p) {
		if err := auth.Authorize(p, auth.ViewOutage, auth.Target{}); err != nil {
			return nil, err
		}
		if p.VillageID == nil || *p.VillageID == "" {
			return []domain.Outage{}, nil
		}
		f.VillageID = *p.VillageID
	}
	items, err := e.Repo.ListOutages(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Outage{}
	}
	return items, nil
}

// GetOutage returns one outage; outages outside a resident's village read as not found.
func (e Engine) GetOutage(ctx context.Context, p domain.Principal, id string) (domain.Outage, error) {
	o, err := e.Repo.GetOutage(ctx, nil, id)
	if err != nil {
		return domain.Outage{}, err
	}
	if err := auth.Authorize(p, auth.ViewOutage, auth.Target{VillageID: o.VillageID}); err != nil {
		if p.Role == domain.RoleResident {
			return domain.Outage{}, repo.ErrNotFound
		}
		return domain.Outage{}, err
	}
	return o, nil
}

// DeleteOutage removes an outage record. Administrative; no notifications.
func (e Engine) DeleteOutage(ctx context.Context, p domain.Principal, id string) error {
	if err := auth.Authorize(p, auth.DeleteOutage, auth.Target{}); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	o, err := e.Repo.GetOutage(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteOutage(ctx, tx, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.OutageDeleted, "outage", id, p.UserID, events.EventPayload{"village_id": o.VillageID}); err != nil {
		return err
	}
	return tx.Commit()
}

func outageMessage(v domain.Village, reason string, hours int, expected time.Time) string {
	return fmt.Sprintf("Power outage in %s. Reason: %s. Expected duration: %d hours. Expected return: %s",
		v.Name, reason, hours, expected.Format("03:04 PM"))
}

func restoredMessage(v domain.Village) string {
	return fmt.Sprintf("Power has been restored in %s. Thank you for your patience.", v.Name)
}

// notifyVillage texts every active resident of a village. Failures are logged,
// counted and recorded as an event; they are never returned.
func (e Engine) notifyVillage(ctx context.Context, kind, villageID, message, outageID, actorID string) {
	run := func(ctx context.Context) {
		started := time.Now()
		residents, err := e.Repo.VillageResidents(ctx, villageID)
		if err != nil {
			e.log().ErrorContext(ctx, "load village residents", "village_id", villageID, "error", err)
			return
		}
		recipients := make([]notify.Recipient, 0, len(residents))
		for _, u := range residents {
			recipients = append(recipients, notify.Recipient{UserID: u.ID, Phone: u.Mobile})
		}
		rep := notify.FanOut(ctx, e.Notifier, recipients, message, e.Config.Notifications.Concurrency)
		e.Metrics.ObserveFanOut(kind, time.Since(started))
		level := e.log().InfoContext
		if rep.Failed > 0 {
			level = e.log().WarnContext
		}
		level(ctx, "notification fan-out finished", "kind", kind, "outage_id", outageID, "village_id", villageID,
			"attempted", rep.Attempted, "sent", rep.Sent, "failed", rep.Failed, "skipped", rep.Skipped)
		if err := e.appendEvent(ctx, nil, events.NotificationFanOut, "outage", outageID, actorID, events.EventPayload{
			"kind":      kind,
			"attempted": rep.Attempted,
			"sent":      rep.Sent,
			"failed":    rep.Failed,
			"skipped":   rep.Skipped,
		}); err != nil {
			e.log().WarnContext(ctx, "record fan-out event", "outage_id", outageID, "error", err)
		}
	}
	if e.Config.Notifications.Async && e.pending != nil {
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			run(context.WithoutCancel(ctx))
		}()
		return
	}
	run(ctx)
}
