package platform

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/security"
)

// ClientsConfig は全プラットフォームのクライアント設定をまとめたもの。
type ClientsConfig struct {
	Timeout           time.Duration
	RateLimitRetries  int
	RateLimitBaseWait time.Duration
	RateLimitMaxWait  time.Duration
	BreakerTimeout    time.Duration

	Meta                  MetaConfig
	MetaRequestsPerSecond float64

	Shopify                  ShopifyConfig
	ShopifyRequestsPerSecond float64
}

// NewRegistry はMetaとShopifyのクライアントを生成してRegistryにまとめる。
// Shopifyへの接続はショップドメインが利用者の入力であるため、SSRF防止Transportを経由する。
func NewRegistry(
	cfg ClientsConfig,
	guard security.SSRFGuardService,
	sanitizer security.TextSanitizerService,
	observer RequestObserver,
	logger *slog.Logger,
) (Registry, error) {
	base := HTTPConfig{
		Timeout:           cfg.Timeout,
		RateLimitRetries:  cfg.RateLimitRetries,
		RateLimitBaseWait: cfg.RateLimitBaseWait,
		RateLimitMaxWait:  cfg.RateLimitMaxWait,
		BreakerTimeout:    cfg.BreakerTimeout,
	}

	metaHTTP := base
	metaHTTP.Platform = model.PlatformMeta
	metaHTTP.RequestsPerSecond = cfg.MetaRequestsPerSecond
	metaHTTP.IsRateLimited = metaRateLimited
	meta, err := NewMetaClient(cfg.Meta, NewHTTPClient(metaHTTP, observer, logger))
	if err != nil {
		return nil, fmt.Errorf("meta client: %w", err)
	}

	shopifyHTTP := base
	shopifyHTTP.Platform = model.PlatformShopify
	shopifyHTTP.RequestsPerSecond = cfg.ShopifyRequestsPerSecond
	if cfg.Shopify.BaseURL == "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		shopifyHTTP.Transport = guard.NewSafeTransport(timeout)
	}
	shopify := NewShopifyClient(cfg.Shopify, NewHTTPClient(shopifyHTTP, observer, logger), guard, sanitizer)

	return Registry{
		model.PlatformMeta:    meta,
		model.PlatformShopify: shopify,
	}, nil
}
