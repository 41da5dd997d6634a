package secrets

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// cachedSecretManager keeps recently read secrets so a webhook burst does not
// turn into one backend call per request
type cachedSecretManager struct {
	inner ports.SecretManager
	cache *expirable.LRU[string, *ports.Secret]
	group singleflight.Group
}

// WithCache wraps inner with an expiring LRU. A ttl of zero disables caching.
func WithCache(inner ports.SecretManager, size int, ttl time.Duration) ports.SecretManager {
	if ttl <= 0 {
		return inner
	}
	if size <= 0 {
		size = 64
	}
	return &cachedSecretManager{
		inner: inner,
		cache: expirable.NewLRU[string, *ports.Secret](size, nil, ttl),
	}
}

func (c *cachedSecretManager) GetSecret(ctx context.Context, path string) (*ports.Secret, error) {
	if s, ok := c.cache.Get(path); ok {
		return s, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		s, err := c.inner.GetSecret(ctx, path)
		if err != nil {
			return nil, err
		}
		c.cache.Add(path, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ports.Secret), nil
}
