package db

import (
	"context"
	"database/sql"
	"time"
)

const notificationColumns = `id, type, nav_ident, read, created_at, updated_at, read_at, marked_as_deleted,
    source, source_created_at, kafka_message_id, behandling_id, saksnummer, ytelse_id, behandling_type,
    message_id, sender_nav_ident, actor_nav_ident, actor_navn`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.Type,
		&n.NavIdent,
		&n.Read,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.ReadAt,
		&n.MarkedAsDeleted,
		&n.Source,
		&n.SourceCreatedAt,
		&n.KafkaMessageID,
		&n.BehandlingID,
		&n.Saksnummer,
		&n.YtelseID,
		&n.BehandlingType,
		&n.MessageID,
		&n.SenderNavIdent,
		&n.ActorNavIdent,
		&n.ActorNavn,
	)
	return n, err
}

const insertNotification = `-- name: InsertNotification :execrows
INSERT INTO notifications (` + notificationColumns + `)
VALUES (?, ?, ?, 0, ?, ?, NULL, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
`

// InsertNotificationParams はInsertNotificationの引数。
type InsertNotificationParams struct {
	ID              string
	Type            string
	NavIdent        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Source          string
	SourceCreatedAt time.Time
	KafkaMessageID  sql.NullString
	BehandlingID    string
	Saksnummer      string
	YtelseID        string
	BehandlingType  string
	MessageID       sql.NullString
	SenderNavIdent  sql.NullString
	ActorNavIdent   sql.NullString
	ActorNavn       sql.NullString
}

// InsertNotification は通知を挿入する。一意キーが衝突した場合は何もせず0を返す。
func (q *Queries) InsertNotification(ctx context.Context, arg InsertNotificationParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertNotification,
		arg.ID,
		arg.Type,
		arg.NavIdent,
		arg.CreatedAt,
		arg.UpdatedAt,
		arg.Source,
		arg.SourceCreatedAt,
		arg.KafkaMessageID,
		arg.BehandlingID,
		arg.Saksnummer,
		arg.YtelseID,
		arg.BehandlingType,
		arg.MessageID,
		arg.SenderNavIdent,
		arg.ActorNavIdent,
		arg.ActorNavn,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getNotification = `-- name: GetNotification :one
SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?
`

// GetNotification はIDで通知を1件取得する。
func (q *Queries) GetNotification(ctx context.Context, id string) (Notification, error) {
	return scanNotification(q.db.QueryRowContext(ctx, getNotification, id))
}

const listActiveNotifications = `-- name: ListActiveNotifications :many
SELECT ` + notificationColumns + ` FROM notifications
WHERE nav_ident = ? AND marked_as_deleted = 0
ORDER BY source_created_at ASC, id ASC
`

// ListActiveNotifications は受信者の削除されていない通知を発生元の作成日時の昇順で返す。
func (q *Queries) ListActiveNotifications(ctx context.Context, navIdent string) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx, listActiveNotifications, navIdent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listUnreadNotificationIDs = `-- name: ListUnreadNotificationIDs :many
SELECT id FROM notifications
WHERE nav_ident = ? AND marked_as_deleted = 0 AND read = 0
ORDER BY source_created_at ASC, id ASC
`

// ListUnreadNotificationIDs は受信者の未読通知のIDを返す。
func (q *Queries) ListUnreadNotificationIDs(ctx context.Context, navIdent string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listUnreadNotificationIDs, navIdent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

const markRead = `-- name: MarkRead :execrows
UPDATE notifications SET read = 1, read_at = ?, updated_at = ?
WHERE id = ? AND marked_as_deleted = 0
`

// MarkReadParams はMarkReadの引数。
type MarkReadParams struct {
	ReadAt    time.Time
	UpdatedAt time.Time
	ID        string
}

// MarkRead は通知を既読にする。
func (q *Queries) MarkRead(ctx context.Context, arg MarkReadParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markRead, arg.ReadAt, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markUnread = `-- name: MarkUnread :execrows
UPDATE notifications SET read = 0, read_at = NULL, updated_at = ?
WHERE id = ? AND marked_as_deleted = 0
`

// MarkUnreadParams はMarkUnreadの引数。
type MarkUnreadParams struct {
	UpdatedAt time.Time
	ID        string
}

// MarkUnread は通知を未読に戻す。
func (q *Queries) MarkUnread(ctx context.Context, arg MarkUnreadParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markUnread, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markDeleted = `-- name: MarkDeleted :execrows
UPDATE notifications SET marked_as_deleted = 1, updated_at = ?
WHERE id = ? AND marked_as_deleted = 0
`

// MarkDeletedParams はMarkDeletedの引数。
type MarkDeletedParams struct {
	UpdatedAt time.Time
	ID        string
}

// MarkDeleted は通知を論理削除する。
func (q *Queries) MarkDeleted(ctx context.Context, arg MarkDeletedParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markDeleted, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
