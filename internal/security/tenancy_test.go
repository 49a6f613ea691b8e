package security

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tbourn/pos-offline-queue/internal/domain"
)

func newGuard(rec Recorder) *Guard {
	return &Guard{Audit: rec, Log: zerolog.Nop()}
}

func TestValidateAccess_NoSession(t *testing.T) {
	g := newGuard(nil)
	if err := g.ValidateAccess(nil, "u1", "r1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateAccess_UserMismatch(t *testing.T) {
	rec := &recorderStub{}
	g := newGuard(rec)
	sess := &domain.Session{UserID: "u1", RestaurantID: "r1"}

	if err := g.ValidateAccess(sess, "u2", "r1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(rec.events) != 1 || rec.events[0] != EventAccessDenied {
		t.Fatalf("expected one ACCESS_DENIED event, got %v", rec.events)
	}
}

func TestValidateAccess_PlatformOwner(t *testing.T) {
	g := newGuard(nil)
	sess := &domain.Session{UserID: "admin", IsPlatformOwner: true}

	if err := g.ValidateAccess(sess, "admin", "any-tenant"); err != nil {
		t.Fatalf("platform owner must pass, got %v", err)
	}
}

func TestValidateAccess_HomeAndAccessible(t *testing.T) {
	g := newGuard(nil)
	sess := &domain.Session{
		UserID:                  "u1",
		RestaurantID:            "home",
		AccessibleRestaurantIDs: []string{"branch"},
	}

	if err := g.ValidateAccess(sess, "u1", "home"); err != nil {
		t.Fatalf("home tenant must pass, got %v", err)
	}
	if err := g.ValidateAccess(sess, "u1", "branch"); err != nil {
		t.Fatalf("accessible tenant must pass, got %v", err)
	}
}

func TestValidateAccess_TenantViolation(t *testing.T) {
	rec := &recorderStub{}
	g := newGuard(rec)
	sess := &domain.Session{UserID: "u1", RestaurantID: "home"}

	err := g.ValidateAccess(sess, "u1", "other")
	if !errors.Is(err, ErrTenantViolation) {
		t.Fatalf("expected ErrTenantViolation, got %v", err)
	}
	if rec.last["attempted_restaurant_id"] != "other" || rec.last["session_restaurant_id"] != "home" {
		t.Fatalf("denial event must carry attempted and actual tenants: %v", rec.last)
	}
}
