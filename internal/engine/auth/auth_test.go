package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerline/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestAuthorizeTable(t *testing.T) {
	employee := domain.Principal{UserID: "e1", Role: domain.RoleEmployee}
	resident := domain.Principal{UserID: "r1", Role: domain.RoleResident, VillageID: strPtr("v1")}
	homeless := domain.Principal{UserID: "r2", Role: domain.RoleResident}

	cases := []struct {
		name   string
		p      domain.Principal
		action Action
		target Target
		ok     bool
	}{
		{"employee creates", employee, CreateOutage, Target{VillageID: "v9"}, true},
		{"employee resolves", employee, ResolveOutage, Target{}, true},
		{"employee views any village", employee, ViewOutage, Target{VillageID: "v9"}, true},
		{"employee lists users", employee, ListUsers, Target{}, true},
		{"resident cannot create", resident, CreateOutage, Target{VillageID: "v1"}, false},
		{"resident cannot resolve", resident, ResolveOutage, Target{}, false},
		{"resident cannot delete", resident, DeleteOutage, Target{}, false},
		{"resident views own village", resident, ViewOutage, Target{VillageID: "v1"}, true},
		{"resident blind to other village", resident, ViewOutage, Target{VillageID: "v2"}, false},
		{"unaffiliated resident blind", homeless, ViewOutage, Target{VillageID: "v1"}, false},
		{"resident views villages", resident, ViewVillage, Target{}, true},
		{"resident cannot manage villages", resident, ManageVillage, Target{}, false},
		{"resident views self", resident, ViewUser, Target{UserID: "r1"}, true},
		{"resident cannot view others", resident, ViewUser, Target{UserID: "e1"}, false},
		{"resident cannot list users", resident, ListUsers, Target{}, false},
		{"resident cannot read events", resident, ViewEvents, Target{}, false},
		{"unknown role denied", domain.Principal{UserID: "x", Role: "admin"}, ViewVillage, Target{}, false},
		{"anonymous denied", domain.Principal{Role: domain.RoleEmployee}, CreateOutage, Target{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.p, tc.action, tc.target)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var fe ForbiddenError
			require.True(t, errors.As(err, &fe), "expected ForbiddenError, got %v", err)
			assert.Equal(t, tc.action, fe.Action)
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.NoError(t, CheckPassword(hash, "s3cret"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, CheckPassword("", "s3cret"), ErrInvalidCredentials)

	_, err = HashPassword("  ")
	assert.Error(t, err)
}
