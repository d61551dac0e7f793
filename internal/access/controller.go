package access

import (
	"context"
	"sync"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/logging"
)

type cacheKey struct {
	userID       string
	restaurantID string
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// Controller validates tenant access. Both allowed and denied lookups
// are cached for a short TTL to bound the authorization cost of
// high-frequency enqueue calls; expired entries are swept periodically.
type Controller struct {
	provider SessionProvider
	audit    *audit.Log
	ttl      time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewController creates a controller and starts its cache sweeper.
func NewController(provider SessionProvider, auditLog *audit.Log, ttl, sweepInterval time.Duration) *Controller {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	c := &Controller{
		provider: provider,
		audit:    auditLog,
		ttl:      ttl,
		cache:    make(map[cacheKey]cacheEntry),
		stopCh:   make(chan struct{}),
	}

	go c.sweepLoop(sweepInterval)
	return c
}

// CanAct reports whether userID may act on restaurantID. A denial is
// recorded in the audit log before the error is returned.
func (c *Controller) CanAct(ctx context.Context, userID, restaurantID string) error {
	if userID == "" || restaurantID == "" {
		return apperrors.New(apperrors.ErrAuthorization, "user id and restaurant id are required")
	}

	key := cacheKey{userID: userID, restaurantID: restaurantID}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if entry.allowed {
			return nil
		}
		return c.deny(userID, restaurantID, "cached denial")
	}

	allowed, reason := c.lookup(ctx, userID, restaurantID)

	c.mu.Lock()
	c.cache[key] = cacheEntry{allowed: allowed, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if allowed {
		return nil
	}
	return c.deny(userID, restaurantID, reason)
}

func (c *Controller) lookup(ctx context.Context, userID, restaurantID string) (bool, string) {
	session, err := c.provider.Session(ctx)
	if err != nil {
		logging.Warn("session lookup failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return false, "no valid session"
	}
	if session.UserID != userID {
		return false, "user does not match the authenticated session"
	}
	if !session.Member(restaurantID) {
		return false, "user is not a member of the restaurant"
	}
	return true, ""
}

func (c *Controller) deny(userID, restaurantID, reason string) error {
	if c.audit != nil {
		c.audit.Record(audit.EventAccessDenied, map[string]interface{}{
			"user_id":       userID,
			"restaurant_id": restaurantID,
			"reason":        reason,
		})
	}
	return apperrors.Newf(apperrors.ErrAuthorization,
		"user %s cannot act on restaurant %s", userID, restaurantID)
}

// Invalidate drops all cached decisions, e.g. after a token refresh.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()
}

// Close stops the cache sweeper.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Controller) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.cache {
				if now.After(entry.expiresAt) {
					delete(c.cache, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
