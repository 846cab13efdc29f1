package cache

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/account-security-engine/internal/service/correlation"
)

// trustCache decorates a TrustStore with read-through caching. Trust pairs
// are looked up once per detector pass per user pair, so even a short TTL
// removes most of the load.
type trustCache struct {
	cache  Cache
	inner  correlation.TrustStore
	logger *zap.Logger
}

// NewTrustCache wraps a trust store with read-through caching.
func NewTrustCache(c Cache, inner correlation.TrustStore, logger *zap.Logger) correlation.TrustStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &trustCache{cache: c, inner: inner, logger: logger}
}

// AreTrusted answers from cache when possible. Cache failures fall through to
// the inner store; the cache must never change a trust answer.
func (t *trustCache) AreTrusted(ctx context.Context, a, b uuid.UUID) (bool, error) {
	key := trustKey(a, b)

	if raw, err := t.cache.Get(ctx, key); err == nil {
		trusted, parseErr := strconv.ParseBool(raw)
		if parseErr == nil {
			return trusted, nil
		}
	} else if _, miss := err.(ErrCacheKeyNotFound); !miss {
		t.logger.Warn("trust cache read failed", zap.Error(err))
	}

	trusted, err := t.inner.AreTrusted(ctx, a, b)
	if err != nil {
		return false, err
	}
	if err := t.cache.Set(ctx, key, strconv.FormatBool(trusted), TrustTTL); err != nil {
		t.logger.Warn("trust cache write failed", zap.Error(err))
	}
	return trusted, nil
}

// trustKey builds an order-independent cache key for a user pair.
func trustKey(a, b uuid.UUID) string {
	lo, hi := a.String(), b.String()
	if hi < lo {
		lo, hi = hi, lo
	}
	return TrustPrefix + lo + ":" + hi
}
