package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ledgerline/account-security-engine/internal/infrastructure/cache"
	"github.com/ledgerline/account-security-engine/internal/infrastructure/config"
)

// ASNProvider resolves the autonomous system behind an IP through an external
// lookup service. Every failure path returns "": enrichment is best effort
// and must never slow down or fail event processing.
type ASNProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	cache   cache.Cache
	baseURL string
	ttl     time.Duration
	logger  *zap.Logger
}

type asnResponse struct {
	ASN  string `json:"asn"`
	Name string `json:"name"`
}

// NewASNProvider creates the lookup client. The cache is optional.
func NewASNProvider(cfg config.EnrichmentConfig, c cache.Cache, logger *zap.Logger) *ASNProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps == 0 {
		rps = 10
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = cache.ASNTTL
	}
	return &ASNProvider{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		cache:   c,
		baseURL: cfg.ASNLookupURL,
		ttl:     ttl,
		logger:  logger,
	}
}

// ASNForIP returns the autonomous system for an IP, or "" when the lookup
// fails, is rate limited, or is unconfigured.
func (p *ASNProvider) ASNForIP(ctx context.Context, ip string) string {
	if p.baseURL == "" || ip == "" {
		return ""
	}

	key := cache.ASNPrefix + ip
	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, key); err == nil {
			return cached
		}
	}

	if !p.limiter.Allow() {
		return ""
	}

	asn, err := p.lookup(ctx, ip)
	if err != nil {
		p.logger.Debug("asn lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}

	if p.cache != nil && asn != "" {
		if err := p.cache.Set(ctx, key, asn, p.ttl); err != nil {
			p.logger.Warn("asn cache write failed", zap.Error(err))
		}
	}
	return asn
}

func (p *ASNProvider) lookup(ctx context.Context, ip string) (string, error) {
	url := fmt.Sprintf("%s/%s", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asn lookup returned %d", resp.StatusCode)
	}

	var body asnResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.ASN, nil
}
