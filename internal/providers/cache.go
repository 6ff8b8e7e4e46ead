package providers

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// CachedIdentityDirectory skips upserts of an identity that was already
// registered unchanged within the TTL.
type CachedIdentityDirectory struct {
	next  interfaces.IdentityDirectory
	cache *cache.Cache
}

// NewCachedIdentityDirectory wraps next with a TTL cache.
func NewCachedIdentityDirectory(next interfaces.IdentityDirectory, ttl time.Duration) *CachedIdentityDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedIdentityDirectory{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (d *CachedIdentityDirectory) Upsert(ctx context.Context, user types.Identity) error {
	if v, found := d.cache.Get(user.ID); found {
		if cached, ok := v.(types.Identity); ok && cached == user {
			return nil
		}
	}
	if err := d.next.Upsert(ctx, user); err != nil {
		d.cache.Delete(user.ID)
		return err
	}
	d.cache.SetDefault(user.ID, user)
	return nil
}

func (d *CachedIdentityDirectory) Delete(ctx context.Context, userID string) error {
	d.cache.Delete(userID)
	return d.next.Delete(ctx, userID)
}

// Len returns the number of cached identities.
func (d *CachedIdentityDirectory) Len() int {
	return d.cache.ItemCount()
}
