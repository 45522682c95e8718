package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"powerline/internal/domain"
	"powerline/internal/engine/auth"
	"powerline/internal/events"
)

type VillageOptions struct {
	Name     string
	District string
	State    string
}

// VillageUpdate carries partial changes; nil fields are left as stored.
type VillageUpdate struct {
	Name     *string
	District *string
	State    *string
}

func (e Engine) CreateVillage(ctx context.Context, p domain.Principal, opts VillageOptions) (domain.Village, error) {
	if err := auth.Authorize(p, auth.ManageVillage, auth.Target{}); err != nil {
		return domain.Village{}, err
	}
	v := domain.Village{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(opts.Name),
		District:  strings.TrimSpace(opts.District),
		State:     strings.TrimSpace(opts.State),
		CreatedAt: formatTime(e.now()),
	}
	if v.Name == "" {
		return domain.Village{}, InputError{Field: "name", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Village{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVillage(ctx, tx, v); err != nil {
		return domain.Village{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VillageCreated, "village", v.ID, p.UserID, events.EventPayload{
		"name":     v.Name,
		"district": v.District,
		"state":    v.State,
	}); err != nil {
		return domain.Village{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Village{}, err
	}
	e.log().InfoContext(ctx, "village created", "village_id", v.ID, "name", v.Name)
	return v, nil
}

func (e Engine) UpdateVillage(ctx context.Context, p domain.Principal, id string, upd VillageUpdate) (domain.Village, error) {
	if err := auth.Authorize(p, auth.ManageVillage, auth.Target{VillageID: id}); err != nil {
		return domain.Village{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Village{}, err
	}
	defer tx.Rollback()
	v, err := e.Repo.GetVillage(ctx, tx, id)
	if err != nil {
		return domain.Village{}, err
	}
	changed := events.EventPayload{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return domain.Village{}, InputError{Field: "name", Reason: "must not be empty"}
		}
		v.Name = name
		changed["name"] = name
	}
	if upd.District != nil {
		v.District = strings.TrimSpace(*upd.District)
		changed["district"] = v.District
	}
	if upd.State != nil {
		v.State = strings.TrimSpace(*upd.State)
		changed["state"] = v.State
	}
	if len(changed) == 0 {
		return v, nil
	}
	if err := e.Repo.UpdateVillage(ctx, tx, v); err != nil {
		return domain.Village{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VillageUpdated, "village", v.ID, p.UserID, changed); err != nil {
		return domain.Village{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Village{}, err
	}
	return v, nil
}

// DeleteVillage removes a village with its outages; residents become unaffiliated.
func (e Engine) DeleteVillage(ctx context.Context, p domain.Principal, id string) error {
	if err := auth.Authorize(p, auth.ManageVillage, auth.Target{VillageID: id}); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteVillage(ctx, tx, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.VillageDeleted, "village", id, p.UserID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().InfoContext(ctx, "village deleted", "village_id", id, "actor", p.UserID)
	return nil
}

func (e Engine) ListVillages(ctx context.Context, p domain.Principal) ([]domain.Village, error) {
	if err := auth.Authorize(p, auth.ViewVillage, auth.Target{}); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListVillages(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Village{}
	}
	return items, nil
}

func (e Engine) GetVillage(ctx context.Context, p domain.Principal, id string) (domain.Village, error) {
	if err := auth.Authorize(p, auth.ViewVillage, auth.Target{VillageID: id}); err != nil {
		return domain.Village{}, err
	}
	return e.Repo.GetVillage(ctx, nil, id)
}
