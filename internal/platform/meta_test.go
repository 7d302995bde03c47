package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/brandsync/internal/model"
)

func newMetaTestClient(t *testing.T, baseURL string) *MetaClient {
	t.Helper()
	c, err := NewMetaClient(MetaConfig{BaseURL: baseURL, APIVersion: "v19.0"}, newTestHTTPClient(t, model.PlatformMeta, 2))
	if err != nil {
		t.Fatalf("NewMetaClient: %v", err)
	}
	return c
}

func metaConn() *model.Connection {
	return &model.Connection{
		BrandID:           "brand-1",
		Platform:          model.PlatformMeta,
		AccessToken:       "meta-secret",
		ExternalAccountID: "act_123",
		Status:            model.ConnectionActive,
	}
}

func TestMetaClient_FetchAdInsightsFollowsPaging(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/act_123/insights" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer meta-secret" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after") == "" {
			q := r.URL.Query()
			if q.Get("level") != "ad" || q.Get("time_increment") != "1" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			if q.Get("time_range") != `{"since":"2024-01-01","until":"2024-01-02"}` {
				t.Errorf("unexpected time_range %s", q.Get("time_range"))
			}
			fmt.Fprintf(w, `{"data":[
				{"ad_id":"11","ad_name":"Spring","campaign_id":"c1","spend":"12.50","impressions":"1000","clicks":"30","reach":"800",
				 "actions":[{"action_type":"link_click","value":"30"},{"action_type":"purchase","value":"2"}],
				 "action_values":[{"action_type":"purchase","value":"99.90"}],"date_start":"2024-01-01","date_stop":"2024-01-01"}
			],"paging":{"next":"%s/v19.0/act_123/insights?after=abc"}}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"data":[
			{"ad_id":"11","spend":"3.00","impressions":"200","clicks":"4","reach":"150","date_start":"2024-01-02"},
			{"ad_id":"12","spend":"not-a-number","impressions":"1","date_start":"2024-01-02"},
			{"ad_id":"13","spend":"1","impressions":"1","date_start":"2024-03-01"}
		],"paging":{}}`)
	}))
	defer srv.Close()

	c := newMetaTestClient(t, srv.URL)
	res, err := c.Fetch(context.Background(), metaConn(), model.EntityAdInsights, mustRange(t, "2024-01-01", "2024-01-02"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	first := res.Records[0]
	if first.EntityID != "11" || first.Date.Format(model.DateLayout) != "2024-01-01" {
		t.Errorf("unexpected first record %+v", first)
	}
	want := model.Metrics{Spend: 12.5, Impressions: 1000, Clicks: 30, Reach: 800, Conversions: 2, Revenue: 99.9}
	if first.Metrics != want {
		t.Errorf("metrics = %+v, want %+v", first.Metrics, want)
	}
	if first.Attributes["campaign_id"] != "c1" || first.BrandID != "brand-1" || first.Breakdown != "" {
		t.Errorf("unexpected attributes %+v", first)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejected rows, got %+v", res.Rejected)
	}
	if res.Rejected[0].EntityID != "12" || !strings.Contains(res.Rejected[0].Reason, "spend") {
		t.Errorf("unexpected rejection %+v", res.Rejected[0])
	}
	if res.Rejected[1].EntityID != "13" || !strings.Contains(res.Rejected[1].Reason, "outside") {
		t.Errorf("unexpected rejection %+v", res.Rejected[1])
	}
}

func TestMetaClient_FetchDemographicsUsesBreakdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("breakdowns") != "age,gender" || q.Get("level") != "account" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"data":[
			{"account_id":"123","age":"25-34","gender":"female","spend":"5","impressions":"50","date_start":"2024-01-01"},
			{"account_id":"123","age":"25-34","gender":"male","spend":"4","impressions":"40","date_start":"2024-01-01"}
		]}`)
	}))
	defer srv.Close()

	c := newMetaTestClient(t, srv.URL)
	res, err := c.Fetch(context.Background(), metaConn(), model.EntityDemographics, mustRange(t, "2024-01-01", "2024-01-01"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].Breakdown != "age=25-34|gender=female" || res.Records[1].Breakdown != "age=25-34|gender=male" {
		t.Errorf("unexpected breakdowns %q %q", res.Records[0].Breakdown, res.Records[1].Breakdown)
	}
	if res.Records[0].Key() == res.Records[1].Key() {
		t.Error("expected distinct keys per breakdown")
	}
}

func TestMetaClient_ExpiredTokenIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`)
	}))
	defer srv.Close()

	c := newMetaTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), metaConn(), model.EntityAdInsights, mustRange(t, "2024-01-01", "2024-01-01"))
	se := requireKind(t, err, model.KindAuthExpired)
	if se.HTTPStatus != http.StatusBadRequest || se.Code != 190 {
		t.Errorf("expected status 400 / code 190 preserved, got %d / %d", se.HTTPStatus, se.Code)
	}
}

func TestMetaClient_RateLimitCodeIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"User request limit reached","code":17}}`)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := newMetaTestClient(t, srv.URL)
	res, err := c.Fetch(context.Background(), metaConn(), model.EntityAdInsights, mustRange(t, "2024-01-01", "2024-01-01"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Records) != 0 {
		t.Errorf("expected no records, got %d", len(res.Records))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestMetaClient_RejectsForeignPagingHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[],"paging":{"next":"https://evil.example.com/steal"}}`)
	}))
	defer srv.Close()

	c := newMetaTestClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), metaConn(), model.EntityAdInsights, mustRange(t, "2024-01-01", "2024-01-01"))
	requireKind(t, err, model.KindTotalFetchFailure)
}

func TestMetaClient_UnsupportedEntity(t *testing.T) {
	c := newMetaTestClient(t, "http://127.0.0.1:1")
	_, err := c.Fetch(context.Background(), metaConn(), model.EntityOrders, mustRange(t, "2024-01-01", "2024-01-01"))
	requireKind(t, err, model.KindTotalFetchFailure)
}
