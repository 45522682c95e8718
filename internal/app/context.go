package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"powerline/internal/config"
	"powerline/internal/db"
	"powerline/internal/domain"
	"powerline/internal/engine"
	"powerline/internal/migrate"
	"powerline/internal/repo"
)

// OpenWorkspace opens the workspace database, applies pending migrations and
// loads powerline.yml, falling back to defaults when the file is absent.
func OpenWorkspace(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, cfg, nil
}

// EnsureEmployee creates a staff employee with the given mobile unless one exists.
// It reports whether a user was created. An existing resident with that mobile is an error.
func EnsureEmployee(ctx context.Context, e engine.Engine, name, mobile, password string) (domain.User, bool, error) {
	normalized, err := engine.NormalizeMobile(mobile)
	if err != nil {
		return domain.User{}, false, err
	}
	existing, err := e.Repo.GetUserByMobile(ctx, normalized)
	switch {
	case err == nil:
		if existing.Role != domain.RoleEmployee {
			return domain.User{}, false, fmt.Errorf("mobile %s belongs to a %s", normalized, existing.Role)
		}
		return existing, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return domain.User{}, false, err
	}
	u, err := e.CreateUser(ctx, engine.System, engine.UserOptions{
		Name:     name,
		Mobile:   normalized,
		Password: password,
		Role:     string(domain.RoleEmployee),
		IsStaff:  true,
	})
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
