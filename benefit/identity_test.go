package benefit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
)

func profile(id string, role benefit.Role, company string) benefit.Profile {
	p := benefit.Profile{ID: benefit.PrincipalID(id), Role: role, IsActive: true}
	if company != "" {
		p.CompanyID = benefit.Ptr(benefit.CompanyID(company))
	}
	return p
}

func TestParseRole(t *testing.T) {
	r, err := benefit.ParseRole("hr")
	require.NoError(t, err)
	assert.Equal(t, benefit.RoleHR, r)

	var decoded benefit.Role
	require.NoError(t, decoded.UnmarshalText([]byte("Establishment")))
	assert.Equal(t, benefit.RoleEstablishment, decoded)

	text, err := benefit.RoleWorker.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Worker", string(text))

	_, err = benefit.ParseRole("admin")
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

func TestRequireHR(t *testing.T) {
	hr := profile("hr-1", benefit.RoleHR, "acme")

	assert.NoError(t, benefit.RequireHR(hr, "acme"))
	assert.ErrorIs(t, benefit.RequireHR(hr, "globex"), benefit.ErrUnauthorized)
	assert.ErrorIs(t, benefit.RequireHR(profile("w1", benefit.RoleWorker, "acme"), "acme"), benefit.ErrUnauthorized)

	hr.IsActive = false
	assert.ErrorIs(t, benefit.RequireHR(hr, "acme"), benefit.ErrUnauthorized, "inactive callers are refused")
}

func TestRequireSelf(t *testing.T) {
	w := profile("w1", benefit.RoleWorker, "acme")

	assert.NoError(t, benefit.RequireSelf(w, "w1"))
	assert.ErrorIs(t, benefit.RequireSelf(w, "w2"), benefit.ErrUnauthorized)
}

func TestRequireEstablishment(t *testing.T) {
	assert.NoError(t, benefit.RequireEstablishment(profile("est-1", benefit.RoleEstablishment, "")))
	assert.Error(t, benefit.RequireEstablishment(profile("hr-1", benefit.RoleHR, "acme")))
	assert.Error(t, benefit.RequireEstablishment(benefit.Profile{ID: "x", IsActive: true}))
}
