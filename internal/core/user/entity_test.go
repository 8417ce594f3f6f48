package user

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewUser_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	company := uuid.New()
	u := NewUser(company, Profile{Email: "a@x.com", EmployeeNumber: "E1", FirstName: "Anna", LastName: "Nowak"}, "admin-1", now)

	if u.UUID == uuid.Nil {
		t.Fatalf("expected uuid to be generated")
	}
	if u.ID != 0 {
		t.Fatalf("expected id to be assigned by the store, got %d", u.ID)
	}
	if len(u.Roles) != 1 || u.Roles[0] != RoleUser {
		t.Fatalf("expected default roles [%s], got %v", RoleUser, u.Roles)
	}
	if !u.IsActive || u.IsDeleted {
		t.Fatalf("expected active, not deleted user")
	}
	if u.CreatedBy != "admin-1" || !u.CreatedAt.Equal(now) {
		t.Fatalf("unexpected audit stamps: %s %v", u.CreatedBy, u.CreatedAt)
	}
	if u.UpdatedAt != nil || u.UpdatedBy != nil {
		t.Fatalf("expected no update stamps on a new user")
	}
}

func TestUser_ToggleActive_StampsAudit(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	u := NewUser(uuid.New(), Profile{Email: "a@x.com"}, "creator", now)

	later := now.Add(time.Hour)
	if err := u.ToggleActive("admin-2", later); err != nil {
		t.Fatalf("ToggleActive returned error: %v", err)
	}
	if u.IsActive {
		t.Fatalf("expected user to be deactivated")
	}
	if u.UpdatedAt == nil || !u.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at %v, got %v", later, u.UpdatedAt)
	}
	if u.UpdatedBy == nil || *u.UpdatedBy != "admin-2" {
		t.Fatalf("expected updated_by admin-2, got %v", u.UpdatedBy)
	}

	if err := u.ToggleActive("admin-3", later.Add(time.Minute)); err != nil {
		t.Fatalf("ToggleActive returned error: %v", err)
	}
	if !u.IsActive {
		t.Fatalf("expected user to be active again")
	}
}

func TestUser_SoftDelete_IsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	u := NewUser(uuid.New(), Profile{Email: "a@x.com"}, "creator", now)

	if err := u.SoftDelete("admin", now); err != nil {
		t.Fatalf("SoftDelete returned error: %v", err)
	}
	if !u.IsDeleted || u.IsActive || u.DeletedAt == nil {
		t.Fatalf("unexpected state after soft delete: %+v", u)
	}

	checks := map[string]error{
		"activate":   u.Activate("admin", now),
		"deactivate": u.Deactivate("admin", now),
		"toggle":     u.ToggleActive("admin", now),
		"profile":    u.ApplyProfile(Profile{Email: "b@x.com"}, "admin", now),
		"delete":     u.SoftDelete("admin", now),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrUserDeleted) {
			t.Errorf("%s: expected ErrUserDeleted, got %v", name, err)
		}
	}
	if u.IsActive || u.Email != "a@x.com" {
		t.Fatalf("deleted user must not change: %+v", u)
	}
}

func TestUser_Clone_IsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	u := NewUser(uuid.New(), Profile{Email: "a@x.com"}, "creator", now)
	_ = u.Deactivate("admin", now)

	c := u.Clone()
	c.Roles[0] = "ROLE_ADMIN"
	*c.UpdatedBy = "someone-else"

	if u.Roles[0] != RoleUser || *u.UpdatedBy != "admin" {
		t.Fatalf("clone shares state with original")
	}
}
