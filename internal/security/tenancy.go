// Package security – MultiTenancyGuard
//
// Binds a request to a (user, restaurant) pair using the caller-supplied
// session snapshot. The guard runs twice per request lifetime: once at
// admission and again immediately before network delivery, so revoking a
// user's access also blocks their already-queued items.
package security

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/pos-offline-queue/internal/domain"
)

// EventAccessDenied is the audit event emitted on tenancy violations.
const EventAccessDenied = "ACCESS_DENIED"

// Guard authorizes queue operations against a session snapshot.
type Guard struct {
	Audit Recorder
	Log   zerolog.Logger
}

// ValidateAccess verifies that sess exists, matches userID, and is
// entitled to restaurantID. Platform-owner sessions pass any tenant.
// Violations emit an ACCESS_DENIED audit event carrying both the
// attempted and the actual tenant.
func (g *Guard) ValidateAccess(sess *domain.Session, userID, restaurantID string) error {
	if sess == nil {
		return fmt.Errorf("%w: no active session", ErrUnauthorized)
	}
	if sess.UserID != userID {
		g.deny(sess, userID, restaurantID, "user mismatch")
		return fmt.Errorf("%w: session does not belong to user", ErrForbidden)
	}
	if sess.IsPlatformOwner {
		return nil
	}
	if sess.CanAccess(restaurantID) {
		return nil
	}
	g.deny(sess, userID, restaurantID, "tenant not accessible")
	return fmt.Errorf("%w: user %s cannot access restaurant %s", ErrTenantViolation, userID, restaurantID)
}

func (g *Guard) deny(sess *domain.Session, userID, restaurantID, reason string) {
	g.Log.Warn().
		Str("user_id", userID).
		Str("attempted_restaurant_id", restaurantID).
		Str("session_restaurant_id", sess.RestaurantID).
		Str("reason", reason).
		Msg("tenancy access denied")
	if g.Audit != nil {
		g.Audit.Record(EventAccessDenied, map[string]any{
			"user_id":                 userID,
			"attempted_restaurant_id": restaurantID,
			"session_restaurant_id":   sess.RestaurantID,
			"session_user_id":         sess.UserID,
			"reason":                  reason,
		})
	}
}
