package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomnomnom/linkheader"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/security"
)

const (
	// DefaultShopifyAPIVersion はShopify Admin APIのバージョン。
	DefaultShopifyAPIVersion = "2024-01"

	shopifyPageLimit   = 250
	shopifyTokenHeader = "X-Shopify-Access-Token"
)

// ShopifyConfig はShopifyクライアントの設定を表す。
type ShopifyConfig struct {
	APIVersion string
	// BaseURL が空でない場合、ショップドメインの代わりにこのURLへ接続する。テスト用。
	BaseURL string
}

// ShopifyClient はShopify Admin APIから注文と商品を取得する。
type ShopifyClient struct {
	version   string
	baseURL   string
	http      *HTTPClient
	guard     security.SSRFGuardService
	sanitizer security.TextSanitizerService
}

// NewShopifyClient はShopifyClientを生成する。
func NewShopifyClient(cfg ShopifyConfig, httpClient *HTTPClient, guard security.SSRFGuardService, sanitizer security.TextSanitizerService) *ShopifyClient {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultShopifyAPIVersion
	}
	return &ShopifyClient{
		version:   cfg.APIVersion,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      httpClient,
		guard:     guard,
		sanitizer: sanitizer,
	}
}

type shopifyOrder struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	CreatedAt       string `json:"created_at"`
	TotalPrice      string `json:"total_price"`
	Currency        string `json:"currency"`
	FinancialStatus string `json:"financial_status"`
	LineItems       []struct {
		Quantity int64 `json:"quantity"`
	} `json:"line_items"`
}

type shopifyProduct struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Vendor      string `json:"vendor"`
	ProductType string `json:"product_type"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updated_at"`
	Variants    []struct {
		InventoryQuantity int64 `json:"inventory_quantity"`
	} `json:"variants"`
}

// Fetch はエンティティの期間分の注文または商品を取得する。
func (c *ShopifyClient) Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*Result, error) {
	if err := c.guard.ValidateShopDomain(conn.ExternalAccountID); err != nil {
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "invalid shop domain", Err: err}
	}

	var resource, field string
	switch entity {
	case model.EntityOrders:
		resource, field = "orders", "created_at"
	case model.EntityProducts:
		resource, field = "products", "updated_at"
	default:
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: fmt.Sprintf("shopify does not support entity %s", entity)}
	}

	base, err := url.Parse(c.shopBase(conn.ExternalAccountID))
	if err != nil {
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "parse shop url", Err: err}
	}
	first := *base
	first.Path = strings.TrimRight(first.Path, "/") + "/admin/api/" + c.version + "/" + resource + ".json"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(shopifyPageLimit))
	q.Set(field+"_min", r.Start.Format(time.RFC3339))
	q.Set(field+"_max", r.End.Add(24*time.Hour-time.Second).Format(time.RFC3339))
	if entity == model.EntityOrders {
		q.Set("status", "any")
	}
	first.RawQuery = q.Encode()

	result := &Result{}
	now := time.Now().UTC()
	next := first.String()

	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "shopify pagination did not terminate"}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "build shopify request", Err: err}
		}
		req.Header.Set(shopifyTokenHeader, conn.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(ctx, req, classifyShopify)
		if err != nil {
			return nil, err
		}

		switch entity {
		case model.EntityOrders:
			var body struct {
				Orders []shopifyOrder `json:"orders"`
			}
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: resp.StatusCode, Message: "decode shopify orders", Err: err}
			}
			for _, o := range body.Orders {
				rec, err := normalizeOrder(conn.BrandID, r, o, now)
				if err != nil {
					result.Rejected = append(result.Rejected, model.RejectedRecord{EntityID: strconv.FormatInt(o.ID, 10), Reason: err.Error()})
					continue
				}
				result.Records = append(result.Records, rec)
			}
		case model.EntityProducts:
			var body struct {
				Products []shopifyProduct `json:"products"`
			}
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: resp.StatusCode, Message: "decode shopify products", Err: err}
			}
			for _, p := range body.Products {
				rec, err := c.normalizeProduct(conn.BrandID, r, p, now)
				if err != nil {
					result.Rejected = append(result.Rejected, model.RejectedRecord{EntityID: strconv.FormatInt(p.ID, 10), Reason: err.Error()})
					continue
				}
				result.Records = append(result.Records, rec)
			}
		}

		next, err = nextLink(base, resp.Header.Get("Link"))
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *ShopifyClient) shopBase(shop string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return "https://" + strings.ToLower(shop)
}

// nextLink はLinkヘッダーから rel="next" のURLを取り出す。
// ショップと異なるホストへは追従しない。
func nextLink(base *url.URL, header string) (string, error) {
	if header == "" {
		return "", nil
	}
	links := linkheader.Parse(header).FilterByRel("next")
	if len(links) == 0 {
		return "", nil
	}
	u, err := url.Parse(links[0].URL)
	if err != nil {
		return "", &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "invalid shopify link header", Err: err}
	}
	if u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host) {
		return "", &model.SyncError{Kind: model.KindTotalFetchFailure, Message: fmt.Sprintf("shopify link header points to unexpected host %s", u.Host)}
	}
	return u.String(), nil
}

// parseTimestampIn はRFC3339の時刻をUTCの暦日に変換し、期間外の場合はエラーを返す。
func parseTimestampIn(r model.DateRange, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return parseDayIn(r, model.Day(t).Format(model.DateLayout))
}

func normalizeOrder(brandID string, r model.DateRange, o shopifyOrder, syncedAt time.Time) (model.FactRecord, error) {
	if o.ID == 0 {
		return model.FactRecord{}, fmt.Errorf("missing id")
	}
	day, err := parseTimestampIn(r, o.CreatedAt)
	if err != nil {
		return model.FactRecord{}, err
	}
	revenue, err := parseDecimal(o.TotalPrice)
	if err != nil {
		return model.FactRecord{}, fmt.Errorf("total_price: %w", err)
	}
	var qty int64
	for _, li := range o.LineItems {
		if li.Quantity < 0 {
			return model.FactRecord{}, fmt.Errorf("negative line item quantity")
		}
		qty += li.Quantity
	}

	return model.FactRecord{
		BrandID:  brandID,
		Entity:   model.EntityOrders,
		EntityID: strconv.FormatInt(o.ID, 10),
		Date:     day,
		Metrics:  model.Metrics{Conversions: 1, Revenue: revenue, Quantity: qty},
		Attributes: compactAttributes(map[string]string{
			"name":             o.Name,
			"currency":         o.Currency,
			"financial_status": o.FinancialStatus,
		}),
		SyncedAt: syncedAt,
	}, nil
}

func (c *ShopifyClient) normalizeProduct(brandID string, r model.DateRange, p shopifyProduct, syncedAt time.Time) (model.FactRecord, error) {
	if p.ID == 0 {
		return model.FactRecord{}, fmt.Errorf("missing id")
	}
	day, err := parseTimestampIn(r, p.UpdatedAt)
	if err != nil {
		return model.FactRecord{}, err
	}
	var inventory int64
	for _, v := range p.Variants {
		inventory += v.InventoryQuantity
	}

	return model.FactRecord{
		BrandID:  brandID,
		Entity:   model.EntityProducts,
		EntityID: strconv.FormatInt(p.ID, 10),
		Date:     day,
		Metrics:  model.Metrics{Quantity: inventory},
		Attributes: compactAttributes(map[string]string{
			"title":        c.sanitizer.StripTags(p.Title),
			"vendor":       c.sanitizer.StripTags(p.Vendor),
			"product_type": p.ProductType,
			"status":       p.Status,
		}),
		SyncedAt: syncedAt,
	}, nil
}
