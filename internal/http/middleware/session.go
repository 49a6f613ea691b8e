// Package middleware – session resolution.
//
// The queue never authenticates callers itself; an upstream gateway does
// and forwards the verified identity in headers. This middleware turns
// those headers into the read-only session snapshot the services consume.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pos-offline-queue/internal/domain"
)

// Identity headers set by the authenticating gateway.
const (
	HeaderUserID        = "X-User-ID"
	HeaderRestaurantID  = "X-Restaurant-Id"
	HeaderDeviceID      = "X-Device-Id"
	HeaderPlatformOwner = "X-Platform-Owner"
	// HeaderAccessibleRestaurants is a comma-separated tenant allowlist for
	// multi-site users.
	HeaderAccessibleRestaurants = "X-Accessible-Restaurants"
)

// Context keys for the resolved identity.
const (
	ctxKeySession      = "session"
	ctxKeyUserID       = "userID"
	ctxKeyRestaurantID = "restaurantID"
)

// Session resolves the caller identity headers into a *domain.Session and
// stores it in the Gin context. Requests without an identity proceed with
// no session; handlers decide whether that is acceptable. Observers are
// notified of every resolved session; the composition root uses this to
// keep a current-session snapshot for timer-driven sync passes.
func Session(observers ...func(*domain.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		restaurantID := strings.TrimSpace(c.GetHeader(HeaderRestaurantID))
		if userID == "" || restaurantID == "" {
			c.Next()
			return
		}

		sess := &domain.Session{
			UserID:          userID,
			RestaurantID:    restaurantID,
			DeviceID:        strings.TrimSpace(c.GetHeader(HeaderDeviceID)),
			IsPlatformOwner: strings.EqualFold(c.GetHeader(HeaderPlatformOwner), "true"),
		}
		if raw := c.GetHeader(HeaderAccessibleRestaurants); raw != "" {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					sess.AccessibleRestaurantIDs = append(sess.AccessibleRestaurantIDs, id)
				}
			}
		}

		for _, fn := range observers {
			fn(sess)
		}

		c.Set(ctxKeySession, sess)
		c.Set(ctxKeyUserID, sess.UserID)
		c.Set(ctxKeyRestaurantID, sess.RestaurantID)
		c.Next()
	}
}

// SessionFrom returns the session resolved by Session(), or nil when the
// request carried no identity.
func SessionFrom(c *gin.Context) *domain.Session {
	if v, ok := c.Get(ctxKeySession); ok {
		if sess, ok := v.(*domain.Session); ok {
			return sess
		}
	}
	return nil
}
