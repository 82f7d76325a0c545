package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/navikt/klage-notifications-api-sub000/internal/notification/db"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// ChangePublisher は既読・未読・削除の変更を各レプリカへ伝える。
type ChangePublisher interface {
	PublishChange(ctx context.Context, ce event.ChangeEvent) error
}

// Store は通知の永続化と参照を行う。
type Store struct {
	// db はトランザクション開始に使うSQLite接続。
	db *sql.DB
	// queries は通知テーブルへのクエリ実行オブジェクト。
	queries *db.Queries
	// changes は変更イベントの発行先。nilなら発行しない。
	changes ChangePublisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(sqlDB *sql.DB, changes ChangePublisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      sqlDB,
		queries: db.New(sqlDB),
		changes: changes,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create は通知を冪等に保存する。
// 冪等性キー（MessageIDまたはKafkaMessageID）が既に存在する場合は何もせずfalseを返す。
// 保存に成功した場合、nのID・作成日時・更新日時が埋められる。
func (s *Store) Create(ctx context.Context, n Notification) (bool, error) {
	b := n.Common()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := s.now()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Read = false
	b.ReadAt = nil
	b.MarkedAsDeleted = false

	affected, err := s.queries.InsertNotification(ctx, insertParams(n))
	if err != nil {
		return false, fmt.Errorf("通知 %s の保存に失敗: %w", b.ID, err)
	}
	return affected > 0, nil
}

// Get はIDで通知を取得する。論理削除済みの通知も返す。
func (s *Store) Get(ctx context.Context, id string) (Notification, error) {
	row, err := s.queries.GetNotification(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知 %s の取得に失敗: %w", id, err)
	}
	return fromRow(row)
}

// GetOwned は受信者本人の論理削除されていない通知を取得する。
func (s *Store) GetOwned(ctx context.Context, navIdent, id string) (Notification, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Common().MarkedAsDeleted {
		return nil, ErrNotFound
	}
	if n.Common().NavIdent != navIdent {
		return nil, ErrForbidden
	}
	return n, nil
}

// Backlog は受信者の論理削除されていない通知を発生元の作成日時の昇順で返す。
func (s *Store) Backlog(ctx context.Context, navIdent string) ([]Notification, error) {
	rows, err := s.queries.ListActiveNotifications(ctx, navIdent)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		n, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkRead は通知を既読にしてREADイベントを発行する。
func (s *Store) MarkRead(ctx context.Context, navIdent, id string) error {
	return s.MarkReadMultiple(ctx, navIdent, []string{id})
}

// MarkReadMultiple は複数の通知を既読にする。
func (s *Store) MarkReadMultiple(ctx context.Context, navIdent string, ids []string) error {
	return s.mutate(ctx, navIdent, ids, event.ChangeRead, event.ChangeReadMultiple,
		func(q *db.Queries, id string, now time.Time) error {
			_, err := q.MarkRead(ctx, db.MarkReadParams{ReadAt: now, UpdatedAt: now, ID: id})
			return err
		})
}

// MarkAllRead は受信者の未読通知をすべて既読にし、既読にした件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, navIdent string) (int, error) {
	ids, err := s.queries.ListUnreadNotificationIDs(ctx, navIdent)
	if err != nil {
		return 0, fmt.Errorf("未読通知の取得に失敗: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.MarkReadMultiple(ctx, navIdent, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// MarkUnread は通知を未読に戻してUNREADイベントを発行する。
func (s *Store) MarkUnread(ctx context.Context, navIdent, id string) error {
	return s.MarkUnreadMultiple(ctx, navIdent, []string{id})
}

// MarkUnreadMultiple は複数の通知を未読に戻す。
func (s *Store) MarkUnreadMultiple(ctx context.Context, navIdent string, ids []string) error {
	return s.mutate(ctx, navIdent, ids, event.ChangeUnread, event.ChangeUnreadMultiple,
		func(q *db.Queries, id string, now time.Time) error {
			_, err := q.MarkUnread(ctx, db.MarkUnreadParams{UpdatedAt: now, ID: id})
			return err
		})
}

// Delete は通知を論理削除してDELETEDイベントを発行する。
func (s *Store) Delete(ctx context.Context, navIdent, id string) error {
	return s.DeleteMultiple(ctx, navIdent, []string{id})
}

// DeleteMultiple は複数の通知を論理削除する。
func (s *Store) DeleteMultiple(ctx context.Context, navIdent string, ids []string) error {
	return s.mutate(ctx, navIdent, ids, event.ChangeDeleted, event.ChangeDeletedMultiple,
		func(q *db.Queries, id string, now time.Time) error {
			_, err := q.MarkDeleted(ctx, db.MarkDeletedParams{UpdatedAt: now, ID: id})
			return err
		})
}

// mutate は全IDの存在と所有者を確認した上で1トランザクションで更新し、
// コミット後に変更イベントを発行する。1件でも不正なIDがあれば何も更新しない。
func (s *Store) mutate(
	ctx context.Context,
	navIdent string,
	ids []string,
	single, multiple event.ChangeType,
	apply func(q *db.Queries, id string, now time.Time) error,
) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.queries.WithTx(tx)
	now := s.now()
	for _, id := range ids {
		row, err := q.GetNotification(ctx, id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && row.MarkedAsDeleted != 0) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("通知 %s の取得に失敗: %w", id, err)
		}
		if row.NavIdent != navIdent {
			return fmt.Errorf("%w: %s", ErrForbidden, id)
		}
		if err := apply(q, id, now); err != nil {
			return fmt.Errorf("通知 %s の更新に失敗: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}

	s.publishChange(ctx, event.NewChange(navIdent, single, multiple, ids...))
	return nil
}

// publishChange は変更イベントを発行する。失敗してもライブ表示が遅れるだけなのでログのみ。
func (s *Store) publishChange(ctx context.Context, ce event.ChangeEvent) {
	if s.changes == nil {
		return
	}
	if err := s.changes.PublishChange(ctx, ce); err != nil {
		s.logger.Warn("変更イベントの発行に失敗",
			"type", ce.Type, "nav_ident", ce.NavIdent, "ids", ce.NotificationIDs(), "error", err)
	}
}
