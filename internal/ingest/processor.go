package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// ErrInvalidEvent はイベントを解釈できないことを表す。再試行しても成功しない。
var ErrInvalidEvent = event.ErrInvalid

// NotificationWriter は通知を冪等に保存する。
type NotificationWriter interface {
	Create(ctx context.Context, n notification.Notification) (bool, error)
}

// DeadLetterWriter は失敗したメッセージを記録する。
type DeadLetterWriter interface {
	Record(ctx context.Context, r *deadletter.Record) error
}

// CreatedPublisher は新規通知を全レプリカに配信する。
type CreatedPublisher interface {
	PublishCreated(ctx context.Context, v notification.View) error
}

// ProcessorOptions はProcessorの任意設定。
type ProcessorOptions struct {
	// MaxAttempts は書き込みの最大試行回数。0以下なら3。
	MaxAttempts int
	// RetryBackoff は再試行の待ち時間の単位。n回目の失敗の後はn倍待つ。
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Processor は1件のメッセージを解釈して保存する。
type Processor struct {
	store       NotificationWriter
	dlq         DeadLetterWriter
	publisher   CreatedPublisher
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// NewProcessor は新しいProcessorを生成する。publisherがnilなら配信しない。
func NewProcessor(store NotificationWriter, dlq DeadLetterWriter, publisher CreatedPublisher, opts ProcessorOptions) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		store:       store,
		dlq:         dlq,
		publisher:   publisher,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle はメッセージを処理する。
// 保存・重複・デッドレターへの記録のいずれかで決着すればnilを返す。
// デッドレターへの記録にも失敗した場合だけエラーを返す。
// その場合メッセージはログにしか残らない。
func (p *Processor) Handle(ctx context.Context, rec Record) error {
	first := p.now()
	attempts, err := p.write(ctx, rec)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return p.deadLetter(ctx, rec, err, attempts, first)
}

// Replay はデッドレターのメッセージを取り込みと同じ経路で保存し直す。
func (p *Processor) Replay(ctx context.Context, d deadletter.Record) error {
	_, err := p.write(ctx, fromDeadLetter(d))
	return err
}

// write はメッセージを解釈して保存し、試行回数を返す。
// 解釈できないメッセージは再試行しない。
func (p *Processor) write(ctx context.Context, rec Record) (int, error) {
	ev, err := event.DecodeNotification(rec.Value)
	if err != nil {
		return 1, err
	}
	n, err := notification.FromEvent(ev, rec.MessageID())
	if err != nil {
		return 1, err
	}

	logger := p.logger.With("topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	var attempt int
	err = p.retry(ctx, func(a int) error {
		attempt = a
		created, err := p.store.Create(ctx, n)
		if err != nil {
			logger.Warn("通知の保存に失敗", "attempt", a, "max_attempts", p.maxAttempts, "error", err)
			return err
		}
		if !created {
			p.metrics.Duplicate()
			logger.Info("既に取り込み済みの通知のため無視", "kind", n.Kind())
			return nil
		}
		p.metrics.Ingested(string(n.Kind()))
		logger.Info("通知を保存", "id", n.Common().ID, "kind", n.Kind(), "nav_ident", n.Common().NavIdent)
		p.publishCreated(ctx, n)
		return nil
	})
	return attempt, err
}

// retry はfnを最大試行回数まで線形バックオフで繰り返す。fnには1から始まる試行番号を渡す。
func (p *Processor) retry(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(p.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// publishCreated は新規通知を配信する。失敗してもライブ表示が遅れるだけなのでログのみ。
func (p *Processor) publishCreated(ctx context.Context, n notification.Notification) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishCreated(ctx, notification.ToView(n)); err != nil {
		p.logger.Warn("新規通知の配信に失敗", "id", n.Common().ID, "nav_ident", n.Common().NavIdent, "error", err)
	}
}

// deadLetter は失敗したメッセージをデッドレターに記録する。
func (p *Processor) deadLetter(ctx context.Context, rec Record, cause error, attempts int, first time.Time) error {
	r := &deadletter.Record{
		Topic:          rec.Topic,
		MessageValue:   rec.Value,
		Partition:      rec.Partition,
		Offset:         rec.Offset,
		ErrorMessage:   cause.Error(),
		AttemptCount:   attempts,
		FirstAttemptAt: first,
		LastAttemptAt:  p.now(),
	}
	if len(rec.Key) > 0 {
		key := string(rec.Key)
		r.MessageKey = &key
	}
	if trace := errorChain(cause); trace != "" {
		r.StackTrace = &trace
	}

	logger := p.logger.With("topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	err := p.retry(ctx, func(a int) error {
		err := p.dlq.Record(ctx, r)
		if err != nil {
			logger.Warn("デッドレターへの記録に失敗", "attempt", a, "error", err)
		}
		return err
	})
	if err != nil {
		p.metrics.DeadLetterWriteFailed()
		logger.Error("デッドレターへの記録に失敗したためメッセージを失いました",
			"key", string(rec.Key),
			"value", string(rec.Value),
			"cause", cause,
			"attempts", attempts,
			"error", err,
		)
		return fmt.Errorf("デッドレターへの記録に失敗: %w", err)
	}

	p.metrics.DeadLettered()
	logger.Warn("メッセージをデッドレターに記録", "id", r.ID, "attempts", attempts, "cause", cause)
	return nil
}

// errorChain はラップされたエラーを外側から1行ずつ並べる。
func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}
