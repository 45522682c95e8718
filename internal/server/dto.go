package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"powerline/internal/domain"
	"powerline/internal/engine"
)

// Request payloads. Fields are optional at the schema level so that
// authorization runs before input validation.

type RegisterRequest struct {
	Name      string `json:"name,omitempty" example:"Asha Devi"`
	Mobile    string `json:"mobile,omitempty" example:"9876543210"`
	Password  string `json:"password,omitempty"`
	VillageID string `json:"village_id,omitempty"`
	Role      string `json:"role,omitempty" doc:"resident (default) or employee; legacy value user means resident"`
}

type CreateUserRequest struct {
	RegisterRequest
	IsStaff bool `json:"is_staff,omitempty"`
}

type LoginRequest struct {
	Mobile   string `json:"mobile,omitempty" example:"9876543210"`
	Password string `json:"password,omitempty"`
}

type SessionResponse struct {
	User      domain.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
}

type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type VillageRequest struct {
	Name     string `json:"name,omitempty" example:"Rampur"`
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

type VillagePatchRequest struct {
	Name     *string `json:"name,omitempty"`
	District *string `json:"district,omitempty"`
	State    *string `json:"state,omitempty"`
}

type CreateOutageRequest struct {
	VillageID     string `json:"village_id,omitempty"`
	Reason        string `json:"reason,omitempty" example:"transformer fault"`
	DurationHours any    `json:"duration_hours,omitempty" doc:"Expected duration in whole hours; integer or numeric string. Defaults to 2 when omitted; null or blank is rejected."`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

func (r RegisterRequest) options() engine.UserOptions {
	return engine.UserOptions{
		Name:      r.Name,
		Mobile:    r.Mobile,
		Password:  r.Password,
		Role:      r.Role,
		VillageID: r.VillageID,
	}
}

func sessionResponse(s engine.Session) SessionResponse {
	return SessionResponse{User: s.User, Token: s.Token, ExpiresAt: s.ExpiresAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

// durationFromBody extracts duration_hours from the raw request body. An absent
// key means unset; an explicit null or blank string is rejected.
func durationFromBody(raw []byte) (*int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, engine.InputError{Field: "body", Reason: "must be a JSON object"}
	}
	v, ok := fields["duration_hours"]
	if !ok {
		return nil, nil
	}
	return parseDurationHours(v)
}

// parseDurationHours accepts a JSON integer or a numeric string.
func parseDurationHours(raw json.RawMessage) (*int, error) {
	invalid := engine.InputError{Field: "duration_hours", Reason: "must be a whole number of hours"}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalid
	}
	var s string
	switch d := v.(type) {
	case json.Number:
		s = d.String()
	case string:
		s = strings.TrimSpace(d)
	default:
		return nil, invalid
	}
	h, err := strconv.Atoi(s)
	if err != nil {
		return nil, invalid
	}
	return &h, nil
}
