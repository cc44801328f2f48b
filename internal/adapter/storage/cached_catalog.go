package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/dealpoint/seckill/internal/cache"
	"github.com/dealpoint/seckill/internal/core/domain"
)

const (
	voucherCachePrefix = "cache:voucher:"
	voucherCacheTTL    = 30 * time.Minute

	shopCachePrefix = "cache:shop:"
	shopLockPrefix  = "shop:"
	shopCacheTTL    = 30 * time.Minute
)

// CachedCatalog decorates the MySQL catalog with the cache-aside engine.
// Vouchers use the passthrough policy (null-caching bounds lookups for
// vouchers that do not exist); shops are hot pre-warmed entities and use
// logical expiration so no reader ever blocks on a rebuild.
type CachedCatalog struct {
	db    *MySQLAdapter
	cache *cache.Client
}

func NewCachedCatalog(db *MySQLAdapter, cacheClient *cache.Client) *CachedCatalog {
	return &CachedCatalog{db: db, cache: cacheClient}
}

func (c *CachedCatalog) GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error) {
	return cache.GetWithPassThrough(ctx, c.cache, voucherCachePrefix, id, voucherCacheTTL, c.db.GetVoucher)
}

func (c *CachedCatalog) GetShop(ctx context.Context, id int64) (*domain.Shop, error) {
	return cache.GetWithLogicalExpire(ctx, c.cache, shopCachePrefix, shopLockPrefix, id, shopCacheTTL, c.db.GetShop)
}

// PrewarmShop loads the shop from MySQL and writes the logical-expiry
// cache entry it will be served from.
func (c *CachedCatalog) PrewarmShop(ctx context.Context, id int64) error {
	shop, err := c.db.GetShop(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return nil
	}
	key := shopCachePrefix + strconv.FormatInt(id, 10)
	return c.cache.SetWithLogicalExpire(ctx, key, shop, shopCacheTTL)
}
