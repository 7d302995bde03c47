// Package connection はブランドと外部プラットフォームの接続の登録・解除を提供する。
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/repository"
	"github.com/hitoshi/brandsync/internal/security"
	"github.com/hitoshi/brandsync/internal/trigger"
)

// metaAccountPattern はMeta広告アカウントIDの形式。
var metaAccountPattern = regexp.MustCompile(`^act_[0-9]+$`)

// Triggerer は同期ジョブを投入するインターフェース。
type Triggerer interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error)
	BackfillStart(createdAt time.Time) time.Time
}

// ConnectRequest は接続の登録要求を表す。
// AccessToken はOAuth完了後に発行済みの認証情報。
type ConnectRequest struct {
	BrandID           string
	Platform          model.Platform
	ExternalAccountID string
	AccessToken       string
}

// ConnectResult は接続の登録結果を表す。
type ConnectResult struct {
	Connection *model.Connection
	// Reconnect は既存の接続を置き換えた場合にtrueになる。
	Reconnect bool
	Sync      trigger.Result
}

// Service は接続の管理を行うサービス。
type Service struct {
	conns   repository.ConnectionRepository
	guard   security.SSRFGuardService
	trigger Triggerer
	logger  *slog.Logger
	now     func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(conns repository.ConnectionRepository, guard security.SSRFGuardService, t Triggerer, logger *slog.Logger) *Service {
	return &Service{
		conns:   conns,
		guard:   guard,
		trigger: t,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Connect は認証情報を登録して接続をactiveにし、初回同期を投入する。
// 既存の接続がある場合は認証情報を置き換え、backfill_startは維持したまま再接続として同期する。
// 外部アカウントが変わった場合は旧アカウントのデータを削除し、新規接続として扱う。
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	account, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.conns.Get(ctx, req.BrandID, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if existing != nil && existing.ExternalAccountID != account {
		tables := model.FactTablesFor(req.Platform)
		if err := s.conns.Purge(ctx, req.BrandID, req.Platform, tables); err != nil {
			return nil, fmt.Errorf("purge previous account: %w", err)
		}
		s.logger.Info("外部アカウントが変更されたため旧データを削除しました",
			slog.String("brand_id", req.BrandID),
			slog.String("platform", string(req.Platform)),
			slog.String("previous_account_id", existing.ExternalAccountID),
			slog.String("external_account_id", account),
		)
		existing = nil
	}

	now := s.now()
	conn, err := s.conns.Upsert(ctx, &model.Connection{
		BrandID:           req.BrandID,
		Platform:          req.Platform,
		AccessToken:       req.AccessToken,
		ExternalAccountID: account,
		Status:            model.ConnectionActive,
		BackfillStart:     s.trigger.BackfillStart(now),
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert connection: %w", err)
	}

	reason := model.ReasonManual
	if existing != nil {
		reason = model.ReasonReconnect
	}
	res, err := s.trigger.Trigger(ctx, trigger.Request{BrandID: req.BrandID, Platform: req.Platform, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("trigger initial sync: %w", err)
	}

	s.logger.Info("プラットフォームを接続しました",
		slog.String("brand_id", req.BrandID),
		slog.String("platform", string(req.Platform)),
		slog.String("external_account_id", account),
		slog.Bool("reconnect", existing != nil),
		slog.Int("enqueued", res.Enqueued),
	)
	return &ConnectResult{Connection: conn, Reconnect: existing != nil, Sync: res}, nil
}

func (s *Service) validate(req ConnectRequest) (string, error) {
	if strings.TrimSpace(req.BrandID) == "" {
		return "", model.NewInvalidRequestError("brand_id is required")
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return "", model.NewInvalidRequestError("access_token is required")
	}
	account := strings.TrimSpace(req.ExternalAccountID)
	switch req.Platform {
	case model.PlatformMeta:
		if !strings.HasPrefix(account, "act_") {
			account = "act_" + account
		}
		if !metaAccountPattern.MatchString(account) {
			return "", model.NewInvalidAccountError(req.ExternalAccountID)
		}
	case model.PlatformShopify:
		account = strings.ToLower(account)
		if err := s.guard.ValidateShopDomain(account); err != nil {
			return "", model.NewInvalidAccountError(err.Error())
		}
	default:
		return "", model.NewInvalidPlatformError(string(req.Platform))
	}
	return account, nil
}

// Disconnect は接続を解除し、プラットフォームのファクト行・カバレッジ・台帳・同期状況を同一トランザクションで削除する。
func (s *Service) Disconnect(ctx context.Context, brandID string, platform model.Platform) error {
	conn, err := s.conns.Get(ctx, brandID, platform)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return model.NewConnectionNotFoundError(platform)
	}

	tables := model.FactTablesFor(platform)
	if err := s.conns.Purge(ctx, brandID, platform, tables); err != nil {
		return fmt.Errorf("purge connection: %w", err)
	}
	s.logger.Info("プラットフォームの接続を解除しました",
		slog.String("brand_id", brandID),
		slog.String("platform", string(platform)),
		slog.Any("fact_tables", tables),
	)
	return nil
}

// MarkExpired は接続をexpiredにする。
func (s *Service) MarkExpired(ctx context.Context, brandID string, platform model.Platform) error {
	if err := s.conns.UpdateStatus(ctx, brandID, platform, model.ConnectionExpired); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// Get は接続を返す。見つからない場合はnilを返す。
func (s *Service) Get(ctx context.Context, brandID string, platform model.Platform) (*model.Connection, error) {
	return s.conns.Get(ctx, brandID, platform)
}

// ListByBrand はブランドの接続一覧を返す。
func (s *Service) ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error) {
	return s.conns.ListByBrand(ctx, brandID)
}

// ListActive はactiveな接続を全て返す。
func (s *Service) ListActive(ctx context.Context) ([]*model.Connection, error) {
	return s.conns.ListActive(ctx)
}
