// Package database はSQLiteデータベースの接続とスキーマ適用を行う。
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/navikt/klage-notifications-api-sub000/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Open はSQLiteデータベースを開き、未適用のマイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリDBになる。
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteの書き込みは直列化されるため接続は1本に絞る。インメモリDBの共有にも必要。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}
