package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"powerline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// Villages

const villageColumns = `id,name,district,state,created_at`

func scanVillage(row interface{ Scan(...any) error }) (domain.Village, error) {
	var v domain.Village
	err := row.Scan(&v.ID, &v.Name, &v.District, &v.State, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) InsertVillage(ctx context.Context, tx *sql.Tx, v domain.Village) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO villages(`+villageColumns+`) VALUES (?,?,?,?,?)`,
		v.ID, v.Name, v.District, v.State, v.CreatedAt)
	return err
}

func (r Repo) UpdateVillage(ctx context.Context, tx *sql.Tx, v domain.Village) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE villages SET name=?, district=?, state=? WHERE id=?`, v.Name, v.District, v.State, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteVillage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM villages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetVillage(ctx context.Context, tx *sql.Tx, id string) (domain.Village, error) {
	return scanVillage(r.q(tx).QueryRowContext(ctx, `SELECT `+villageColumns+` FROM villages WHERE id=?`, id))
}

func (r Repo) ListVillages(ctx context.Context) ([]domain.Village, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+villageColumns+` FROM villages ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Village
	for rows.Next() {
		v, err := scanVillage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// Outages

const outageColumns = `id,village_id,reason,start_time,expected_return,is_resolved,resolved_time,reported_by`

func scanOutage(row interface{ Scan(...any) error }) (domain.Outage, error) {
	var o domain.Outage
	var resolved int
	var resolvedTime, reportedBy sql.NullString
	err := row.Scan(&o.ID, &o.VillageID, &o.Reason, &o.StartTime, &o.ExpectedReturn, &resolved, &resolvedTime, &reportedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.IsResolved = resolved != 0
	if resolvedTime.Valid {
		o.ResolvedTime = &resolvedTime.String
	}
	if reportedBy.Valid {
		o.ReportedBy = &reportedBy.String
	}
	return o, nil
}

func (r Repo) InsertOutage(ctx context.Context, tx *sql.Tx, o domain.Outage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO outages(`+outageColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.VillageID, o.Reason, o.StartTime, o.ExpectedReturn, boolInt(o.IsResolved),
		nullableStringPtr(o.ResolvedTime), nullableStringPtr(o.ReportedBy))
	return err
}

func (r Repo) GetOutage(ctx context.Context, tx *sql.Tx, id string) (domain.Outage, error) {
	return scanOutage(r.q(tx).QueryRowContext(ctx, `SELECT `+outageColumns+` FROM outages WHERE id=?`, id))
}

// MarkOutageResolved sets the resolved flag and time. With onlyIfActive the update
// is skipped for an already resolved outage and the returned flag is false.
func (r Repo) MarkOutageResolved(ctx context.Context, tx *sql.Tx, id, resolvedAt string, onlyIfActive bool) (bool, error) {
	query := `UPDATE outages SET is_resolved=1, resolved_time=? WHERE id=?`
	if onlyIfActive {
		query += ` AND is_resolved=0`
	}
	res, err := r.q(tx).ExecContext(ctx, query, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteOutage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM outages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OutageFilters struct {
	VillageID  string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListOutages(ctx context.Context, f OutageFilters) ([]domain.Outage, error) {
	var clauses []string
	var args []any
	if f.VillageID != "" {
		clauses = append(clauses, "village_id=?")
		args = append(args, f.VillageID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_resolved=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + outageColumns + ` FROM outages ` + where + ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Outage
	for rows.Next() {
		o, err := scanOutage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// Events

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns up to limit events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
