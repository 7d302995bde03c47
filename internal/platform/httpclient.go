// Package platform は外部広告・コマースプラットフォーム（Meta Graph API / Shopify Admin API）の
// クライアントと、取得データのファクトレコードへの正規化を提供する。
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/brandsync/internal/model"
)

const (
	// DefaultRequestTimeout は1回のHTTPリクエストのタイムアウト。
	DefaultRequestTimeout = 20 * time.Second
	// DefaultRateLimitRetries はジョブ内でレート制限に対して再試行する回数。
	DefaultRateLimitRetries = 4
	// DefaultRateLimitBaseDelay はレート制限時の初回待機時間。
	DefaultRateLimitBaseDelay = 2 * time.Second
	// DefaultRateLimitMaxDelay はレート制限時の最大待機時間。
	DefaultRateLimitMaxDelay = 30 * time.Second
	// DefaultBreakerTimeout はサーキットが開いてから半開になるまでの時間。
	DefaultBreakerTimeout = 2 * time.Minute

	maxResponseSize = 32 << 20
)

// ErrCircuitOpen はサーキットブレーカーが開いているためリクエストを送らなかったことを表す。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RequestObserver はプラットフォームAPI呼び出しの観測インターフェース。
type RequestObserver interface {
	ObservePlatformRequest(platform string, status int, duration time.Duration)
	ObserveBreakerState(platform string, state string)
}

// HTTPConfig はプラットフォームHTTPクライアントの設定を表す。
type HTTPConfig struct {
	Platform model.Platform
	// Timeout は1回のリクエストのタイムアウト。
	Timeout time.Duration
	// RequestsPerSecond は送信レートの上限。0以下の場合は制限しない。
	RequestsPerSecond float64
	// RateLimitRetries はレート制限応答に対するジョブ内再試行の回数。
	RateLimitRetries  int
	RateLimitBaseWait time.Duration
	RateLimitMaxWait  time.Duration
	BreakerTimeout    time.Duration
	// Transport は下位のトランスポート。nilの場合はretryablehttpの既定値を使う。
	Transport http.RoundTripper
	// IsRateLimited はレート制限を表す応答かどうかを判定する。
	// HTTP 429以外にボディのエラーコードでレート制限を返すプラットフォーム向け。
	IsRateLimited func(status int, body []byte) bool
}

// Response は読み込み済みのHTTP応答を表す。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient はレート制限の再試行、送信レート制御、サーキットブレーカーを備えたHTTPクライアント。
type HTTPClient struct {
	platform model.Platform
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[*Response]
	observer RequestObserver
	logger   *slog.Logger
	classify func(status int, body []byte) bool
}

// leveledSlog はretryablehttpのログをslogに流す。
// 再試行途中のERRORはWARNに落とす。
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Debug(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// NewHTTPClient はHTTPClientを生成する。observerがnilの場合は観測しない。
func NewHTTPClient(cfg HTTPConfig, observer RequestObserver, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	}
	if cfg.RateLimitBaseWait <= 0 {
		cfg.RateLimitBaseWait = DefaultRateLimitBaseDelay
	}
	if cfg.RateLimitMaxWait <= 0 {
		cfg.RateLimitMaxWait = DefaultRateLimitMaxDelay
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("platform", string(cfg.Platform)))

	c := &HTTPClient{
		platform: cfg.Platform,
		observer: observer,
		logger:   logger,
		classify: cfg.IsRateLimited,
	}
	if c.classify == nil {
		c.classify = func(int, []byte) bool { return false }
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	rc := retryablehttp.NewClient()
	if cfg.Transport != nil {
		rc.HTTPClient.Transport = cfg.Transport
	}
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RateLimitRetries
	rc.RetryWaitMin = cfg.RateLimitBaseWait
	rc.RetryWaitMax = cfg.RateLimitMaxWait
	rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})
	rc.CheckRetry = c.checkRetry
	rc.Backoff = rateLimitBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if c.limiter != nil {
			_ = c.limiter.Wait(req.Context())
		}
		if attempt > 0 {
			c.logger.Warn("レート制限のため再試行します",
				slog.String("path", req.URL.Path),
				slog.Int("retry", attempt),
			)
		}
	}
	c.client = rc

	name := string(cfg.Platform) + "-api"
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if c.observer != nil {
				c.observer.ObserveBreakerState(string(c.platform), to.String())
			}
		},
		// ネットワークエラーと5xxのみを障害として数える。
		// 認証切れやレート制限はプラットフォーム側の障害ではない。
		IsSuccessful: func(err error) bool {
			var se *model.SyncError
			if errors.As(err, &se) {
				return !(se.Kind == model.KindTotalFetchFailure && (se.HTTPStatus == 0 || se.HTTPStatus >= 500))
			}
			return err == nil
		},
	})
	return c
}

// checkRetry はレート制限応答のみを再試行対象とする。
// ネットワークエラーや5xxはジョブ内では再試行せず、台帳レベルの再試行に任せる。
func (c *HTTPClient) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil || resp == nil {
		return false, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode < 400 {
		return false, nil
	}

	// ボディのエラーコードでレート制限を判定するため、読み出して差し戻す
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return false, nil
	}
	return c.classify(resp.StatusCode, body), nil
}

// rateLimitBackoff はRetry-Afterヘッダーがあればそれに従い、
// 無ければ min * 2^attempt を max で頭打ちにした値にジッターを加えた待機時間を返す。
func rateLimitBackoff(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
				wait := time.Duration(secs) * time.Second
				if wait > maxWait {
					wait = maxWait
				}
				return wait
			}
		}
	}

	wait := minWait
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait {
			wait = maxWait
			break
		}
	}
	// 半分を固定、残り半分をランダムにする
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Do はリクエストを送信し、応答を読み込んで返す。
// 2xx以外の応答とネットワークエラーはclassifyで*model.SyncErrorに変換する。
// サーキットが開いている場合はKindCircuitOpenのSyncErrorを返す。
func (c *HTTPClient) Do(ctx context.Context, req *http.Request, classify func(status int, body []byte) *model.SyncError) (*Response, error) {
	start := time.Now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.do(ctx, req, classify)
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
	} else {
		var se *model.SyncError
		if errors.As(err, &se) {
			status = se.HTTPStatus
		}
	}
	if c.observer != nil {
		c.observer.ObservePlatformRequest(string(c.platform), status, time.Since(start))
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &model.SyncError{Kind: model.KindCircuitOpen, Message: fmt.Sprintf("%s API circuit is open", c.platform), Err: ErrCircuitOpen}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request, classify func(status int, body []byte) *model.SyncError) (*Response, error) {
	rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
	if err != nil {
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: "build request", Err: err}
	}

	resp, err := c.client.Do(rreq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		msg := "request failed"
		if ctx.Err() != nil {
			msg = "request timed out"
		}
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: resp.StatusCode, Message: "read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(resp.StatusCode, body)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// BreakerState はサーキットブレーカーの現在の状態を返す。
func (c *HTTPClient) BreakerState() string {
	return c.breaker.State().String()
}
