// --- File: internal/storage/cache/tokencache.go ---
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-apns-service/internal/platform/apns"
	"github.com/tinywideclouds/go-apns-service/internal/platform/apns/token"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// cacheTimeout bounds each cache round trip so a slow cache never stalls a send.
const cacheTimeout = 250 * time.Millisecond

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or ErrCacheMiss if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

type cachedToken struct {
	Token    string `json:"token"`
	IssuedAt int64  `json:"issued_at"`
}

// CachedTokenSource is a Decorator that reuses provider tokens until they reach
// maxAge. Concurrent refreshes for one signing identity collapse into one signing.
type CachedTokenSource struct {
	source apns.TokenSource
	cache  CacheClient
	maxAge time.Duration
	now    func() time.Time
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedTokenSource creates the decorator. maxAge must stay below the
// gateway's one hour validity window.
func NewCachedTokenSource(source apns.TokenSource, cache CacheClient, maxAge time.Duration, logger *slog.Logger) *CachedTokenSource {
	return &CachedTokenSource{
		source: source,
		cache:  cache,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With("component", "CachedTokenSource"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenSource) Token(identity token.SigningIdentity) (string, error) {
	key := s.cacheKey(identity)

	if signed, ok := s.lookup(key); ok {
		return signed, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the flight.
		if signed, ok := s.lookup(key); ok {
			return signed, nil
		}

		issuedAt := s.now()
		signed, err := s.source.Token(identity)
		if err != nil {
			return "", err
		}

		// A failed write is logged and the signed token still returned.
		ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
		defer cancel()
		if err := s.cache.Set(ctx, key, cachedToken{Token: signed, IssuedAt: issuedAt.Unix()}, s.maxAge); err != nil {
			s.logger.Warn("Failed to cache provider token", "key_id", identity.KeyID, "err", err)
		}
		return signed, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// --- WRITE PATH (Invalidate) ---

// Invalidate drops the cached token so the next send signs a fresh one.
func (s *CachedTokenSource) Invalidate(ctx context.Context, identity token.SigningIdentity) error {
	return s.cache.Del(ctx, s.cacheKey(identity))
}

// --- Helpers ---

func (s *CachedTokenSource) lookup(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	var cached cachedToken
	if err := s.cache.Get(ctx, key, &cached); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("Provider token cache unavailable, signing directly", "err", err)
		}
		return "", false
	}

	age := s.now().Sub(time.Unix(cached.IssuedAt, 0))
	if cached.Token == "" || age >= s.maxAge {
		return "", false
	}
	return cached.Token, true
}

func (s *CachedTokenSource) cacheKey(identity token.SigningIdentity) string {
	return fmt.Sprintf("apns:token:%s:%s", identity.TeamID, identity.KeyID)
}
