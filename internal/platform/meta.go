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
	"golang.org/x/oauth2"

	"github.com/hitoshi/brandsync/internal/model"
)

const (
	// DefaultMetaGraphURL はMeta Graph APIのベースURL。
	DefaultMetaGraphURL = "https://graph.facebook.com"
	// DefaultMetaAPIVersion はMeta Graph APIのバージョン。
	DefaultMetaAPIVersion = "v19.0"

	metaPageLimit = 500
	maxPages      = 1000
)

// metaPurchaseActions は購入として数えるアクション種別。先頭ほど優先する。
var metaPurchaseActions = []string{"omni_purchase", "purchase", "offsite_conversion.fb_pixel_purchase"}

var metaInsightFields = []string{
	"ad_id", "ad_name", "adset_id", "campaign_id", "campaign_name",
	"spend", "impressions", "clicks", "reach", "actions", "action_values",
	"date_start", "date_stop",
}

var metaDemographicFields = []string{
	"account_id", "spend", "impressions", "clicks", "reach", "actions", "action_values",
	"date_start", "date_stop",
}

// MetaConfig はMetaクライアントの設定を表す。
type MetaConfig struct {
	BaseURL    string
	APIVersion string
}

// MetaClient はMeta Graph APIの広告インサイトを取得する。
type MetaClient struct {
	baseURL *url.URL
	version string
	http    *HTTPClient
}

// NewMetaClient はMetaClientを生成する。
func NewMetaClient(cfg MetaConfig, httpClient *HTTPClient) (*MetaClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMetaGraphURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultMetaAPIVersion
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse meta base url: %w", err)
	}
	return &MetaClient{baseURL: u, version: cfg.APIVersion, http: httpClient}, nil
}

type metaAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type metaInsightRow struct {
	AccountID    string       `json:"account_id"`
	AdID         string       `json:"ad_id"`
	AdName       string       `json:"ad_name"`
	AdsetID      string       `json:"adset_id"`
	CampaignID   string       `json:"campaign_id"`
	CampaignName string       `json:"campaign_name"`
	Spend        string       `json:"spend"`
	Impressions  string       `json:"impressions"`
	Clicks       string       `json:"clicks"`
	Reach        string       `json:"reach"`
	Actions      []metaAction `json:"actions"`
	ActionValues []metaAction `json:"action_values"`
	Age          string       `json:"age"`
	Gender       string       `json:"gender"`
	DateStart    string       `json:"date_start"`
}

type metaInsightPage struct {
	Data   []metaInsightRow `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// Fetch はエンティティの期間分のインサイトを取得する。
func (c *MetaClient) Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*Result, error) {
	var breakdown bool
	switch entity {
	case model.EntityAdInsights:
	case model.EntityDemographics:
		breakdown = true
	default:
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: fmt.Sprintf("meta does not support entity %s", entity)}
	}

	next := c.insightsURL(conn.ExternalAccountID, r, breakdown)
	token := &oauth2.Token{AccessToken: conn.AccessToken, TokenType: "Bearer"}
	result := &Result{}
	now := time.Now().UTC()

	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "meta pagination did not terminate"}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "build meta request", Err: err}
		}
		token.SetAuthHeader(req)

		resp, err := c.http.Do(ctx, req, classifyMeta)
		if err != nil {
			return nil, err
		}

		var body metaInsightPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: resp.StatusCode, Message: "decode meta insights", Err: err}
		}
		for _, row := range body.Data {
			rec, err := normalizeMetaRow(conn.BrandID, entity, r, row, now)
			if err != nil {
				result.Rejected = append(result.Rejected, model.RejectedRecord{EntityID: metaRowID(entity, row), Reason: err.Error()})
				continue
			}
			result.Records = append(result.Records, rec)
		}

		next, err = c.nextPage(body.Paging.Next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *MetaClient) insightsURL(accountID string, r model.DateRange, breakdown bool) string {
	timeRange, _ := json.Marshal(struct {
		Since string `json:"since"`
		Until string `json:"until"`
	}{r.Start.Format(model.DateLayout), r.End.Format(model.DateLayout)})

	q := url.Values{}
	q.Set("time_increment", "1")
	q.Set("time_range", string(timeRange))
	q.Set("limit", strconv.Itoa(metaPageLimit))
	if breakdown {
		q.Set("level", "account")
		q.Set("breakdowns", "age,gender")
		q.Set("fields", strings.Join(metaDemographicFields, ","))
	} else {
		q.Set("level", "ad")
		q.Set("fields", strings.Join(metaInsightFields, ","))
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + c.version + "/" + url.PathEscape(accountID) + "/insights"
	u.RawQuery = q.Encode()
	return u.String()
}

// nextPage はpaging.nextを検証して返す。ベースURLと異なるホストへは追従しない。
func (c *MetaClient) nextPage(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "invalid meta paging url", Err: err}
	}
	if u.Scheme != c.baseURL.Scheme || u.Host != c.baseURL.Host {
		return "", &model.SyncError{Kind: model.KindTotalFetchFailure, Message: fmt.Sprintf("meta paging url points to unexpected host %s", u.Host)}
	}
	return u.String(), nil
}

func metaRowID(entity model.Entity, row metaInsightRow) string {
	if entity == model.EntityDemographics {
		return row.AccountID
	}
	return row.AdID
}

func normalizeMetaRow(brandID string, entity model.Entity, r model.DateRange, row metaInsightRow, syncedAt time.Time) (model.FactRecord, error) {
	id := metaRowID(entity, row)
	if id == "" {
		return model.FactRecord{}, fmt.Errorf("missing id")
	}
	day, err := parseDayIn(r, row.DateStart)
	if err != nil {
		return model.FactRecord{}, err
	}

	var m model.Metrics
	if m.Spend, err = parseDecimal(row.Spend); err != nil {
		return model.FactRecord{}, fmt.Errorf("spend: %w", err)
	}
	if m.Impressions, err = parseCount(row.Impressions); err != nil {
		return model.FactRecord{}, fmt.Errorf("impressions: %w", err)
	}
	if m.Clicks, err = parseCount(row.Clicks); err != nil {
		return model.FactRecord{}, fmt.Errorf("clicks: %w", err)
	}
	if m.Reach, err = parseCount(row.Reach); err != nil {
		return model.FactRecord{}, fmt.Errorf("reach: %w", err)
	}
	if v, ok := purchaseValue(row.Actions); ok {
		conv, err := parseDecimal(v)
		if err != nil {
			return model.FactRecord{}, fmt.Errorf("actions: %w", err)
		}
		m.Conversions = int64(conv)
	}
	if v, ok := purchaseValue(row.ActionValues); ok {
		if m.Revenue, err = parseDecimal(v); err != nil {
			return model.FactRecord{}, fmt.Errorf("action_values: %w", err)
		}
	}

	rec := model.FactRecord{
		BrandID:  brandID,
		Entity:   entity,
		EntityID: id,
		Date:     day,
		Metrics:  m,
		SyncedAt: syncedAt,
	}
	if entity == model.EntityDemographics {
		rec.Breakdown = "age=" + row.Age + "|gender=" + row.Gender
	} else {
		rec.Attributes = compactAttributes(map[string]string{
			"ad_name":       row.AdName,
			"adset_id":      row.AdsetID,
			"campaign_id":   row.CampaignID,
			"campaign_name": row.CampaignName,
		})
	}
	return rec, nil
}

func purchaseValue(actions []metaAction) (string, bool) {
	for _, want := range metaPurchaseActions {
		for _, a := range actions {
			if a.ActionType == want {
				return a.Value, true
			}
		}
	}
	return "", false
}

// parseDecimal は文字列の数値を解析する。空文字列はゼロとして扱う。
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative count %q", s)
	}
	return v, nil
}

func compactAttributes(attrs map[string]string) map[string]string {
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
