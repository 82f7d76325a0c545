package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
)

// Replayer はデッドレターのメッセージを取り込みと同じ書き込み経路で処理し直す。
type Replayer interface {
	Replay(ctx context.Context, r Record) error
}

// DefaultInterval は再処理ジョブの既定の実行間隔。
const DefaultInterval = 5 * time.Minute

// Result は1回の再処理の結果。
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Scheduler は再処理フラグの立ったデッドレターを定期的に処理し直す。
// リーダーのレプリカでだけ実行する。
type Scheduler struct {
	store    *Store
	replayer Replayer
	lease    Lease
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// mu は手動実行と定期実行が重ならないようにする。
	mu sync.Mutex
}

// NewScheduler は新しいSchedulerを生成する。
func NewScheduler(store *Store, replayer Replayer, lease Lease, interval time.Duration, logger *slog.Logger, m *metrics.Recorder) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		replayer: replayer,
		lease:    lease,
		interval: interval,
		logger:   logger.With("component", "dead-letter-scheduler"),
		metrics:  m,
	}
}

// Run はctxが終了するまで一定間隔で再処理を行う。
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("デッドレター再処理ジョブを開始", "interval", s.interval)
	s.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("デッドレター再処理ジョブを停止")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick はリーダーの場合だけ再処理を行う。
func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.lease.IsLeader(ctx)
	if err != nil {
		s.logger.Warn("リーダー判定に失敗したため今回の再処理をスキップ", "error", err)
		return
	}
	if !leader {
		s.logger.Debug("リーダーではないため再処理をスキップ")
		return
	}
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("デッドレターの再処理に失敗", "error", err)
	}
}

// RunOnce は再処理待ちのデッドレターを古い順に1件ずつ処理し直す。
// 1件の失敗は他の件に影響しない。リーダー判定は行わない。
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	pending, err := s.store.PendingReprocessing(ctx)
	if err != nil {
		return res, err
	}

	for _, r := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		logger := s.logger.With("id", r.ID, "topic", r.Topic, "partition", r.Partition, "offset", r.Offset)

		replayErr := s.replay(ctx, r)
		success := replayErr == nil
		msg := ""
		if replayErr != nil {
			msg = replayErr.Error()
		}

		if err := s.store.MarkOutcome(ctx, r.ID, success, msg); err != nil {
			logger.Error("再処理結果の記録に失敗", "error", err)
		}
		s.metrics.Reprocessed(success)
		if success {
			res.Succeeded++
			logger.Info("デッドレターを再処理")
		} else {
			res.Failed++
			logger.Warn("デッドレターの再処理に失敗", "error", replayErr)
		}
	}

	s.refreshGauges(ctx)
	return res, nil
}

// replay はパニックも失敗として扱い、他の件の処理を続けられるようにする。
func (s *Scheduler) replay(ctx context.Context, r Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return s.replayer.Replay(ctx, r)
}

// refreshGauges は件数ゲージを更新する。
func (s *Scheduler) refreshGauges(ctx context.Context) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("デッドレターの件数の取得に失敗", "error", err)
		return
	}
	s.metrics.SetDeadLetterGauges(st.Pending, st.Unprocessed)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("再処理中にパニックが発生: %v", e.value)
}
