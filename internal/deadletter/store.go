package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound は指定したIDのデッドレターが存在しないことを表す。
var ErrNotFound = errors.New("デッドレターが見つかりません")

// Record は取り込みに失敗した1件のメッセージ。
type Record struct {
	ID             string     `db:"id" json:"id"`
	Topic          string     `db:"topic" json:"topic"`
	MessageKey     *string    `db:"message_key" json:"messageKey"`
	MessageValue   []byte     `db:"message_value" json:"messageValue"`
	Partition      int32      `db:"kafka_partition" json:"partition"`
	Offset         int64      `db:"kafka_offset" json:"offset"`
	ErrorMessage   string     `db:"error_message" json:"errorMessage"`
	StackTrace     *string    `db:"stack_trace" json:"stackTrace"`
	AttemptCount   int        `db:"attempt_count" json:"attemptCount"`
	FirstAttemptAt time.Time  `db:"first_attempt_at" json:"firstAttemptAt"`
	LastAttemptAt  time.Time  `db:"last_attempt_at" json:"lastAttemptAt"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	Processed      bool       `db:"processed" json:"processed"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processedAt"`
	Reprocess      bool       `db:"reprocess" json:"reprocess"`
	ReprocessedAt  *time.Time `db:"reprocessed_at" json:"reprocessedAt"`
}

// Filter はListの絞り込み条件。nilの条件は無視する。
type Filter struct {
	Processed *bool
	Reprocess *bool
	// Limit は最大件数。0以下なら100。
	Limit int
}

// Stats はデッドレターの件数。
type Stats struct {
	// Pending は再処理フラグが立っている件数。
	Pending int64 `db:"pending" json:"pending"`
	// Unprocessed はまだ処理に成功していない件数。
	Unprocessed int64 `db:"unprocessed" json:"unprocessed"`
}

const columns = `id, topic, message_key, message_value, kafka_partition, kafka_offset,
	error_message, stack_trace, attempt_count, first_attempt_at, last_attempt_at, created_at,
	processed, processed_at, reprocess, reprocessed_at`

// Store はデッドレターをSQLiteに保存する。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  sqlx.NewDb(db, "sqlite"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Record はデッドレターを記録する。IDと作成日時を埋め、未処理・再処理なしの状態で保存する。
func (s *Store) Record(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = s.now()
	r.Processed = false
	r.ProcessedAt = nil
	r.Reprocess = false
	r.ReprocessedAt = nil
	if r.AttemptCount < 1 {
		r.AttemptCount = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL)`,
		r.ID, r.Topic, r.MessageKey, r.MessageValue, r.Partition, r.Offset,
		r.ErrorMessage, r.StackTrace, r.AttemptCount, r.FirstAttemptAt, r.LastAttemptAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("デッドレター（%s[%d]@%d）の記録に失敗: %w", r.Topic, r.Partition, r.Offset, err)
	}
	return nil
}

// Get はIDでデッドレターを取得する。
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `SELECT `+columns+` FROM dead_letters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("デッドレター %s の取得に失敗: %w", id, err)
	}
	return &r, nil
}

// List は条件に合うデッドレターを作成日時の新しい順に返す。
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.Processed != nil {
		conds = append(conds, "processed = ?")
		args = append(args, *f.Processed)
	}
	if f.Reprocess != nil {
		conds = append(conds, "reprocess = ?")
		args = append(args, *f.Reprocess)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + columns + ` FROM dead_letters`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	records := []Record{}
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("デッドレター一覧の取得に失敗: %w", err)
	}
	return records, nil
}

// PendingReprocessing は再処理フラグが立っているデッドレターを作成日時の古い順に返す。
func (s *Store) PendingReprocessing(ctx context.Context) ([]Record, error) {
	records := []Record{}
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+columns+` FROM dead_letters WHERE reprocess = 1 ORDER BY created_at ASC, id`)
	if err != nil {
		return nil, fmt.Errorf("再処理待ちのデッドレターの取得に失敗: %w", err)
	}
	return records, nil
}

// MarkOutcome は再処理の結果を記録し、再処理フラグを下ろす。
// 成功なら処理済みにし、失敗ならエラーメッセージを更新する。
func (s *Store) MarkOutcome(ctx context.Context, id string, success bool, errorMessage string) error {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE dead_letters
			SET reprocess = 0, reprocessed_at = ?, processed = 1, processed_at = ?
			WHERE id = ?`, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE dead_letters
			SET reprocess = 0, reprocessed_at = ?, error_message = ?
			WHERE id = ?`, now, errorMessage, id)
	}
	if err != nil {
		return fmt.Errorf("デッドレター %s の再処理結果の記録に失敗: %w", id, err)
	}
	return expectOne(res, id)
}

// SetReprocess はデッドレターに再処理フラグを立てる。
func (s *Store) SetReprocess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET reprocess = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("デッドレター %s の再処理フラグの設定に失敗: %w", id, err)
	}
	return expectOne(res, id)
}

// Stats は再処理待ちと未処理の件数を返す。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			COALESCE(SUM(CASE WHEN reprocess = 1 THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0) AS unprocessed
		FROM dead_letters`)
	if err != nil {
		return Stats{}, fmt.Errorf("デッドレターの件数の取得に失敗: %w", err)
	}
	return st, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
