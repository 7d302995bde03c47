package model

import "fmt"

// Platform は連携先の外部プラットフォームを表す。
type Platform string

const (
	// PlatformMeta はMeta広告（Graph API）。
	PlatformMeta Platform = "meta"
	// PlatformShopify はShopify Admin API。
	PlatformShopify Platform = "shopify"
)

// ParsePlatform は文字列をPlatformに変換する。
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformMeta, PlatformShopify:
		return Platform(s), nil
	default:
		return "", NewInvalidPlatformError(s)
	}
}

// Entity は同期対象データの種類を表す。
type Entity string

const (
	EntityAdInsights   Entity = "ad_insights"
	EntityDemographics Entity = "demographics"
	EntityOrders       Entity = "orders"
	EntityProducts     Entity = "products"
)

// EntitySpec はエンティティの格納先と欠損検出の設定を表す。
type EntitySpec struct {
	Entity    Entity
	Platform  Platform
	FactTable string
	// GapTracked が true のエンティティは日次の網羅性を欠損検出の対象にする。
	GapTracked bool
	// ZeroAnomaly が true の場合、前後に実績がある全ゼロの日を古いデータとみなす。
	ZeroAnomaly bool
}

// entityRegistry はプラットフォームごとの同期対象エンティティの一覧。
// 接続解除時の削除対象テーブルもこの一覧から決まるため、
// テーブルを追加した場合はここにも追加すること。
var entityRegistry = []EntitySpec{
	{Entity: EntityAdInsights, Platform: PlatformMeta, FactTable: "meta_ad_insights", GapTracked: true, ZeroAnomaly: true},
	{Entity: EntityDemographics, Platform: PlatformMeta, FactTable: "meta_demographics", GapTracked: true},
	{Entity: EntityOrders, Platform: PlatformShopify, FactTable: "shopify_orders", GapTracked: true},
	{Entity: EntityProducts, Platform: PlatformShopify, FactTable: "shopify_products"},
}

// EntitiesFor はプラットフォームの同期対象エンティティを返す。
func EntitiesFor(p Platform) []EntitySpec {
	var specs []EntitySpec
	for _, s := range entityRegistry {
		if s.Platform == p {
			specs = append(specs, s)
		}
	}
	return specs
}

// LookupEntity はエンティティの設定を返す。
func LookupEntity(e Entity) (EntitySpec, bool) {
	for _, s := range entityRegistry {
		if s.Entity == e {
			return s, true
		}
	}
	return EntitySpec{}, false
}

// ResolveEntities はプラットフォームに対するエンティティ名の一覧を検証して返す。
// namesが空の場合はプラットフォームの全エンティティを返す。
func ResolveEntities(p Platform, names []string) ([]Entity, error) {
	if len(names) == 0 {
		var all []Entity
		for _, s := range EntitiesFor(p) {
			all = append(all, s.Entity)
		}
		return all, nil
	}
	entities := make([]Entity, 0, len(names))
	for _, n := range names {
		s, ok := LookupEntity(Entity(n))
		if !ok || s.Platform != p {
			return nil, NewInvalidEntityError(n)
		}
		entities = append(entities, s.Entity)
	}
	return entities, nil
}

// FactTablesFor はプラットフォームが所有するファクトテーブル名の一覧を返す。
func FactTablesFor(p Platform) []string {
	var tables []string
	for _, s := range EntitiesFor(p) {
		tables = append(tables, s.FactTable)
	}
	return tables
}

// FactTable はエンティティの格納先テーブル名を返す。
func FactTable(e Entity) (string, error) {
	s, ok := LookupEntity(e)
	if !ok {
		return "", fmt.Errorf("unknown entity: %s", e)
	}
	return s.FactTable, nil
}
