package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/identity"
)

func TestFromEntries(t *testing.T) {
	inactive := false
	d, err := identity.FromEntries([]identity.Entry{
		{ID: "hr-1", Name: "Ana", Role: "HR", CompanyID: "acme"},
		{ID: "w1", Role: "worker", CompanyID: "acme"},
		{ID: "est-1", Role: "Establishment", Active: &inactive},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	ctx := context.Background()
	hr, err := d.Profile(ctx, "hr-1")
	require.NoError(t, err)
	assert.Equal(t, benefit.RoleHR, hr.Role)
	assert.True(t, hr.BelongsToCompany("acme"))
	assert.True(t, hr.IsActive)

	est, err := d.Profile(ctx, "est-1")
	require.NoError(t, err)
	assert.False(t, est.IsActive)
	assert.Nil(t, est.CompanyID)

	_, err = d.Profile(ctx, "ghost")
	assert.ErrorIs(t, err, benefit.ErrNotFound)
}

func TestFromEntries_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []identity.Entry
	}{
		{"unknown role", []identity.Entry{{ID: "x", Role: "admin"}}},
		{"blank id", []identity.Entry{{ID: " ", Role: "worker"}}},
		{"hr without company", []identity.Entry{{ID: "hr", Role: "hr"}}},
		{"duplicate", []identity.Entry{{ID: "w", Role: "worker"}, {ID: "w", Role: "worker"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := identity.FromEntries(tt.entries)
			assert.ErrorIs(t, err, benefit.ErrValidation)
		})
	}
}

func TestDirectory_Put(t *testing.T) {
	d := identity.NewDirectory()
	d.Put(benefit.Profile{ID: "w1", Role: benefit.RoleWorker, IsActive: true})

	p, err := d.Profile(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, benefit.RoleWorker, p.Role)
}
