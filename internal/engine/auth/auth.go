// Package auth holds the access policy: which principal may perform which action.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"powerline/internal/domain"
)

// Action is an operation subject to authorization.
type Action string

const (
	CreateOutage  Action = "outage.create"
	ResolveOutage Action = "outage.resolve"
	DeleteOutage  Action = "outage.delete"
	ViewOutage    Action = "outage.view"
	ViewVillage   Action = "village.view"
	ManageVillage Action = "village.manage"
	ListUsers     Action = "user.list"
	ViewUser      Action = "user.view"
	ManageUsers   Action = "user.manage"
	ViewEvents    Action = "event.view"
)

// Target narrows an action to a village or user; zero value means unscoped.
type Target struct {
	VillageID string
	UserID    string
}

// ForbiddenError indicates the principal may not perform the action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s not permitted", e.Action)
	}
	return fmt.Sprintf("%s not permitted for role %s", e.Action, e.Role)
}

// Authorize returns nil when p may perform a on t, otherwise a ForbiddenError.
func Authorize(p domain.Principal, a Action, t Target) error {
	if allowed(p, a, t) {
		return nil
	}
	return ForbiddenError{Action: a, Role: p.Role}
}

func allowed(p domain.Principal, a Action, t Target) bool {
	if p.UserID == "" {
		return false
	}
	switch p.Role {
	case domain.RoleEmployee:
		return true
	case domain.RoleResident:
		switch a {
		case ViewOutage:
			// unaffiliated residents see nothing
			return t.VillageID == "" || p.InVillage(t.VillageID)
		case ViewVillage:
			return true
		case ViewUser:
			return t.UserID == p.UserID
		case CreateOutage, ResolveOutage, DeleteOutage, ManageVillage, ListUsers, ManageUsers, ViewEvents:
			return false
		}
	}
	return false
}

// CanSeeAllOutages reports whether p's outage visibility is unscoped.
func CanSeeAllOutages(p domain.Principal) bool {
	return p.UserID != "" && p.Role == domain.RoleEmployee
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("authentication required")
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares a password with a stored bcrypt hash.
func CheckPassword(hash, password string) error {
	if hash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
