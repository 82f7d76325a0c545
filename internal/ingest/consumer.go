package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// commitTimeout はシャットダウン中のコミットに許す時間。
const commitTimeout = 10 * time.Second

// Consumer はSourceから受信したメッセージを1件ずつProcessorに渡す。
type Consumer struct {
	source    Source
	processor *Processor
	logger    *slog.Logger
	// pollBackoff はPollが失敗したときの待ち時間。
	pollBackoff time.Duration
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(source Source, processor *Processor, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source:      source,
		processor:   processor,
		logger:      logger.With("component", "ingest"),
		pollBackoff: time.Second,
	}
}

// Run はctxが終了するまでメッセージを処理する。
// 終了時は新しいメッセージの処理を止め、処理中のメッセージを終えてコミットしてからSourceを閉じる。
func (c *Consumer) Run(ctx context.Context) error {
	defer c.source.Close()
	c.logger.Info("通知イベントの取り込みを開始")

	for {
		records, err := c.source.Poll(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("メッセージの受信でエラーが発生", "error", err)
		}

		c.settle(ctx, records)
		c.source.AllowRebalance()

		if ctx.Err() != nil {
			c.logger.Info("通知イベントの取り込みを停止")
			return nil
		}
		if err != nil && len(records) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.pollBackoff):
			}
		}
	}
}

// settle はメッセージを順に処理し、決着したところまでをコミットする。
// 停止要求があれば次のメッセージには進まない。処理中のメッセージは最後まで処理する。
func (c *Consumer) settle(ctx context.Context, records []Record) {
	work := context.WithoutCancel(ctx)

	settled := make([]Record, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := c.processor.Handle(work, rec); err != nil {
			// デッドレターにも記録できなかった。Processorがエラーログとメトリクスを残している。
			c.logger.Error("メッセージを処理できずに読み飛ばします",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		}
		settled = append(settled, rec)
	}
	if len(settled) == 0 {
		return
	}

	commitCtx, cancel := context.WithTimeout(work, commitTimeout)
	defer cancel()
	if err := c.source.Commit(commitCtx, settled); err != nil {
		c.logger.Error("オフセットのコミットに失敗", "count", len(settled), "error", err)
	}
}
