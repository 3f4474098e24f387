// Package identity provides a static Identity Provider. Real deployments
// front the service with an external provider; the directory stands in for
// it in development and tests.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/warp/benefits-engine/benefit"
)

// Entry is one principal as written in the configuration file.
type Entry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	CompanyID string `yaml:"company_id,omitempty"`
	Active    *bool  `yaml:"active,omitempty"`
}

// Profile validates the entry. Entries are active unless stated otherwise.
func (e Entry) Profile() (benefit.Profile, error) {
	id := benefit.PrincipalID(strings.TrimSpace(e.ID))
	if err := id.Validate("id"); err != nil {
		return benefit.Profile{}, err
	}
	role, err := benefit.ParseRole(e.Role)
	if err != nil {
		return benefit.Profile{}, fmt.Errorf("identity %s: %w", id, err)
	}
	p := benefit.Profile{ID: id, Name: e.Name, Role: role, IsActive: true}
	if e.Active != nil {
		p.IsActive = *e.Active
	}
	if company := strings.TrimSpace(e.CompanyID); company != "" {
		c := benefit.CompanyID(company)
		p.CompanyID = &c
	}
	if role == benefit.RoleHR && p.CompanyID == nil {
		return benefit.Profile{}, &benefit.ValidationError{Field: "company_id", Reason: fmt.Sprintf("HR identity %s needs a company", id)}
	}
	return p, nil
}

// Directory is an in-memory IdentityProvider.
type Directory struct {
	mu       sync.RWMutex
	profiles map[benefit.PrincipalID]benefit.Profile
}

func NewDirectory(profiles ...benefit.Profile) *Directory {
	d := &Directory{profiles: make(map[benefit.PrincipalID]benefit.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// FromEntries builds a directory from configuration entries. Duplicate ids
// are rejected.
func FromEntries(entries []Entry) (*Directory, error) {
	d := NewDirectory()
	for _, e := range entries {
		p, err := e.Profile()
		if err != nil {
			return nil, err
		}
		if _, dup := d.profiles[p.ID]; dup {
			return nil, &benefit.ValidationError{Field: "identities", Reason: fmt.Sprintf("duplicate id %s", p.ID)}
		}
		d.profiles[p.ID] = p
	}
	return d, nil
}

func (d *Directory) Profile(_ context.Context, id benefit.PrincipalID) (benefit.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[id]
	if !ok {
		return benefit.Profile{}, &benefit.NotFoundError{Resource: "principal", ID: string(id)}
	}
	return p, nil
}

// Put adds or replaces a profile.
func (d *Directory) Put(p benefit.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}
