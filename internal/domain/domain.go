package domain

import (
	"fmt"
	"strings"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleResident Role = "resident"
	RoleEmployee Role = "employee"
)

// ParseRole accepts the canonical role names plus the legacy "user" alias for residents.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resident", "user":
		return RoleResident, nil
	case "employee":
		return RoleEmployee, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

type Village struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	District  string `json:"district"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Mobile       string  `json:"mobile"`
	Role         Role    `json:"role" enum:"resident,employee"`
	VillageID    *string `json:"village_id,omitempty"`
	IsActive     bool    `json:"is_active"`
	IsStaff      bool    `json:"is_staff"`
	PasswordHash string  `json:"-"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Principal is the authenticated actor behind a request.
type Principal struct {
	UserID    string
	Role      Role
	VillageID *string
}

// Principal returns the authorization view of the user.
func (u User) Principal() Principal {
	return Principal{UserID: u.ID, Role: u.Role, VillageID: u.VillageID}
}

// InVillage reports whether the principal is affiliated with villageID.
func (p Principal) InVillage(villageID string) bool {
	return p.VillageID != nil && *p.VillageID != "" && *p.VillageID == villageID
}

type Outage struct {
	ID             string  `json:"id"`
	VillageID      string  `json:"village_id"`
	Reason         string  `json:"reason"`
	StartTime      string  `json:"start_time" format:"date-time"`
	ExpectedReturn string  `json:"expected_return" format:"date-time"`
	IsResolved     bool    `json:"is_resolved"`
	ResolvedTime   *string `json:"resolved_time,omitempty" format:"date-time"`
	ReportedBy     *string `json:"reported_by,omitempty"`
}

type AuthToken struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	TokenHash string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
