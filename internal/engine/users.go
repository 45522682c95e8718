package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"powerline/internal/domain"
	"powerline/internal/engine/auth"
	"powerline/internal/events"
	"powerline/internal/repo"
)

const defaultTokenTTL = 720 * time.Hour

// UserOptions describe a new user. An empty Role means resident.
type UserOptions struct {
	Name      string
	Mobile    string
	Password  string
	Role      string
	VillageID string
	IsStaff   bool
}

// Session is a freshly issued login token. Token is only available here.
type Session struct {
	User      domain.User
	Token     string
	ExpiresAt string
}

// RegisterUser is public self-registration; it logs the new user in.
func (e Engine) RegisterUser(ctx context.Context, opts UserOptions) (Session, error) {
	role, err := parseRoleOption(opts.Role)
	if err != nil {
		return Session{}, err
	}
	if role == domain.RoleEmployee && !e.Config.Auth.AllowEmployeeSignup {
		return Session{}, InputError{Field: "role", Reason: "self-registration is limited to residents"}
	}
	opts.IsStaff = false
	u, err := e.insertUser(ctx, opts, role, "", events.UserRegistered)
	if err != nil {
		return Session{}, err
	}
	return e.issueSession(ctx, u)
}

// CreateUser lets an employee add a user of any role.
func (e Engine) CreateUser(ctx context.Context, p domain.Principal, opts UserOptions) (domain.User, error) {
	if err := auth.Authorize(p, auth.ManageUsers, auth.Target{}); err != nil {
		return domain.User{}, err
	}
	role, err := parseRoleOption(opts.Role)
	if err != nil {
		return domain.User{}, err
	}
	return e.insertUser(ctx, opts, role, p.UserID, events.UserCreated)
}

func parseRoleOption(s string) (domain.Role, error) {
	if strings.TrimSpace(s) == "" {
		return domain.RoleResident, nil
	}
	role, err := domain.ParseRole(s)
	if err != nil {
		return "", InputError{Field: "role", Reason: "must be resident or employee"}
	}
	return role, nil
}

// NormalizeMobile strips separators and validates a phone number.
func NormalizeMobile(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 6 || len(digits) > 15 {
		return "", InputError{Field: "mobile", Reason: "must have 6 to 15 digits"}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", InputError{Field: "mobile", Reason: "must contain digits only"}
		}
	}
	return s, nil
}

func (e Engine) insertUser(ctx context.Context, opts UserOptions, role domain.Role, actorID, evtType string) (domain.User, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.User{}, InputError{Field: "name", Reason: "required"}
	}
	mobile, err := NormalizeMobile(opts.Mobile)
	if err != nil {
		return domain.User{}, err
	}
	if strings.TrimSpace(opts.Password) == "" {
		return domain.User{}, InputError{Field: "password", Reason: "required"}
	}
	hash, err := auth.HashPassword(opts.Password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Mobile:       mobile,
		Role:         role,
		IsActive:     true,
		IsStaff:      opts.IsStaff,
		PasswordHash: hash,
		CreatedAt:    formatTime(e.now()),
	}
	if v := strings.TrimSpace(opts.VillageID); v != "" {
		if _, err := e.Repo.GetVillage(ctx, nil, v); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.User{}, InputError{Field: "village_id", Reason: "unknown village"}
			}
			return domain.User{}, err
		}
		u.VillageID = &v
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.User{}, fmt.Errorf("mobile %s already registered: %w", mobile, repo.ErrConflict)
		}
		return domain.User{}, err
	}
	payload := events.EventPayload{"role": string(u.Role)}
	if u.VillageID != nil {
		payload["village_id"] = *u.VillageID
	}
	if err := e.appendEvent(ctx, tx, evtType, "user", u.ID, actorID, payload); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	e.log().InfoContext(ctx, "user created", "user_id", u.ID, "role", u.Role, "via", evtType)
	return u, nil
}

// Login checks a mobile/password pair and issues a new token.
// Unknown numbers and wrong passwords both yield auth.ErrInvalidCredentials.
func (e Engine) Login(ctx context.Context, mobile, password string) (Session, error) {
	normalized, err := NormalizeMobile(mobile)
	if err != nil {
		return Session{}, auth.ErrInvalidCredentials
	}
	u, err := e.Repo.GetUserByMobile(ctx, normalized)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if !u.IsActive {
		return Session{}, auth.ErrInvalidCredentials
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return Session{}, err
	}
	return e.issueSession(ctx, u)
}

func (e Engine) tokenTTL() time.Duration {
	if e.Config.Auth.TokenTTLHours <= 0 {
		return defaultTokenTTL
	}
	return time.Duration(e.Config.Auth.TokenTTLHours) * time.Hour
}

func newRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (e Engine) issueSession(ctx context.Context, u domain.User) (Session, error) {
	raw, err := newRawToken()
	if err != nil {
		return Session{}, err
	}
	now := e.now().UTC()
	t := domain.AuthToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		TokenHash: repo.HashToken(raw),
		CreatedAt: formatTime(now),
		ExpiresAt: formatTime(now.Add(e.tokenTTL())),
	}
	if err := e.Repo.InsertToken(ctx, nil, t); err != nil {
		return Session{}, fmt.Errorf("store token: %w", err)
	}
	return Session{User: u, Token: raw, ExpiresAt: t.ExpiresAt}, nil
}

// Authenticate resolves a raw login token to its active user.
func (e Engine) Authenticate(ctx context.Context, rawToken string) (domain.User, error) {
	if strings.TrimSpace(rawToken) == "" {
		return domain.User{}, auth.ErrUnauthenticated
	}
	t, err := e.Repo.GetTokenByHash(ctx, repo.HashToken(rawToken))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return domain.User{}, err
	}
	if exp, err := time.Parse(time.RFC3339, t.ExpiresAt); err != nil || !e.now().Before(exp) {
		_ = e.Repo.DeleteTokenByHash(ctx, t.TokenHash)
		return domain.User{}, auth.ErrUnauthenticated
	}
	return e.ActiveUser(ctx, t.UserID)
}

// ActiveUser loads a user for authentication; missing or disabled users are unauthenticated.
func (e Engine) ActiveUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.IsActive {
		return domain.User{}, auth.ErrUnauthenticated
	}
	return u, nil
}

// Logout revokes one token.
func (e Engine) Logout(ctx context.Context, rawToken string) error {
	err := e.Repo.DeleteTokenByHash(ctx, repo.HashToken(rawToken))
	if errors.Is(err, repo.ErrNotFound) {
		return auth.ErrUnauthenticated
	}
	return err
}

// LogoutAll revokes every token of the principal and reports how many were dropped.
func (e Engine) LogoutAll(ctx context.Context, p domain.Principal) (int64, error) {
	if p.UserID == "" {
		return 0, auth.ErrUnauthenticated
	}
	return e.Repo.DeleteUserTokens(ctx, p.UserID)
}

func (e Engine) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return e.Repo.PurgeExpiredTokens(ctx, formatTime(e.now()))
}

type UserFilters struct {
	VillageID string
	Role      string
}

func (e Engine) ListUsers(ctx context.Context, p domain.Principal, f UserFilters) ([]domain.User, error) {
	if err := auth.Authorize(p, auth.ListUsers, auth.Target{VillageID: f.VillageID}); err != nil {
		return nil, err
	}
	rf := repo.UserFilters{VillageID: strings.TrimSpace(f.VillageID)}
	if strings.TrimSpace(f.Role) != "" {
		role, err := domain.ParseRole(f.Role)
		if err != nil {
			return nil, InputError{Field: "role", Reason: "must be resident or employee"}
		}
		rf.Role = role
	}
	items, err := e.Repo.ListUsers(ctx, rf)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.User{}
	}
	return items, nil
}

func (e Engine) GetUser(ctx context.Context, p domain.Principal, id string) (domain.User, error) {
	if err := auth.Authorize(p, auth.ViewUser, auth.Target{UserID: id}); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, id)
}

// Me returns the principal's own user record.
func (e Engine) Me(ctx context.Context, p domain.Principal) (domain.User, error) {
	return e.GetUser(ctx, p, p.UserID)
}
