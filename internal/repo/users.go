package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"powerline/internal/domain"
)

const userColumns = `id,name,mobile,role,COALESCE(password_hash,''),village_id,is_active,is_staff,created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var role string
	var villageID sql.NullString
	var active, staff int
	err := row.Scan(&u.ID, &u.Name, &u.Mobile, &role, &u.PasswordHash, &villageID, &active, &staff, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	if villageID.Valid {
		u.VillageID = &villageID.String
	}
	u.IsActive = active != 0
	u.IsStaff = staff != 0
	return u, nil
}

// InsertUser stores a user. A duplicate mobile number yields ErrConflict.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,mobile,role,password_hash,village_id,is_active,is_staff,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Mobile, string(u.Role), nullable(u.PasswordHash), nullableStringPtr(u.VillageID),
		boolInt(u.IsActive), boolInt(u.IsStaff), u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByMobile(ctx context.Context, mobile string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE mobile=?`, strings.TrimSpace(mobile)))
}

type UserFilters struct {
	VillageID string
	Role      domain.Role
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, error) {
	var clauses []string
	var args []any
	if f.VillageID != "" {
		clauses = append(clauses, "village_id=?")
		args = append(args, f.VillageID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, string(f.Role))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// VillageResidents returns the active residents affiliated with a village.
func (r Repo) VillageResidents(ctx context.Context, villageID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE village_id=? AND role=? AND is_active=1 ORDER BY id`,
		villageID, string(domain.RoleResident))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
