package model

import "time"

// ConnectionStatus は接続の状態を表す。
type ConnectionStatus string

const (
	// ConnectionPending はOAuth完了前の状態。
	ConnectionPending ConnectionStatus = "pending"
	// ConnectionActive は同期可能な状態。
	ConnectionActive ConnectionStatus = "active"
	// ConnectionExpired はプラットフォームが認証情報を拒否した状態。
	ConnectionExpired ConnectionStatus = "expired"
	// ConnectionRevoked はユーザーが接続を解除した状態。
	ConnectionRevoked ConnectionStatus = "revoked"
)

// Connection はブランドと外部プラットフォームの接続を表す。
// AccessToken は秘匿情報のためJSONやログに出力しない。
type Connection struct {
	ID                string           `json:"id"`
	BrandID           string           `json:"brand_id"`
	Platform          Platform         `json:"platform"`
	AccessToken       string           `json:"-"`
	ExternalAccountID string           `json:"external_account_id"`
	Status            ConnectionStatus `json:"status"`
	BackfillStart     time.Time        `json:"backfill_start"`
	LastSyncedAt      *time.Time       `json:"last_synced_at,omitempty"`
	SyncedThrough     *time.Time       `json:"synced_through,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Active は同期可能な状態かどうかを返す。
func (c *Connection) Active() bool {
	return c.Status == ConnectionActive
}
