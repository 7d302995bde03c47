// Package database はPostgreSQL接続とスキーママイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationState はスキーマの適用状況を表す。
type MigrationState struct {
	Version uint
	Dirty   bool
}

func newSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// NewMigrator は埋め込みのマイグレーションを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// LatestVersion は埋め込みマイグレーションの最新バージョンを返す。
func LatestVersion() (uint, error) {
	src, err := newSource()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no migrations embedded: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read migration after %d: %w", v, err)
		}
		v = next
	}
}

// RunMigrations は未適用のマイグレーションを全て適用し、適用後の状態を返す。
// 既に最新の場合はエラーにしない。
// 前回の適用が途中で失敗してdirtyになっている場合は何もせずエラーを返す。
func RunMigrations(databaseURL string) (MigrationState, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return MigrationState{}, err
	}
	defer m.Close()

	if v, dirty, err := m.Version(); err == nil && dirty {
		return MigrationState{Version: v, Dirty: true},
			fmt.Errorf("schema is dirty at version %d; fix it manually and force the version", v)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationState{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := m.Version()
	if err != nil {
		return MigrationState{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return MigrationState{Version: v, Dirty: dirty}, nil
}
