package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSource はfranz-goのコンシューマーグループでトピックを受信する。
// 自動コミットは無効で、Pollから次のPollまでの間はリバランスを止める。
type KafkaSource struct {
	client *kgo.Client
}

// KafkaSourceConfig はKafkaSourceの設定。
type KafkaSourceConfig struct {
	ClientID string
	Group    string
	Topic    string
}

// NewKafkaSource は新しいKafkaSourceを生成する。
// baseにはブローカーやTLSなど接続共通のオプションを渡す。
func NewKafkaSource(base []kgo.Opt, cfg KafkaSourceConfig) (*KafkaSource, error) {
	opts := append(slices.Clone(base),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("コンシューマーの作成に失敗: %w", err)
	}
	return &KafkaSource{client: client}, nil
}

// Poll は次のメッセージ群を待って返す。一部のパーティションの失敗はメッセージと一緒に返す。
func (s *KafkaSource) Poll(ctx context.Context) ([]Record, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs = append(errs, fmt.Errorf("%s[%d]: %w", topic, partition, err))
	})

	records := make([]Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
			Key:         r.Key,
			Value:       r.Value,
			Timestamp:   r.Timestamp,
		})
	})
	return records, errors.Join(errs...)
}

// Commit は処理済みのメッセージの次の位置を同期的にコミットする。
func (s *KafkaSource) Commit(ctx context.Context, records []Record) error {
	krs := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		krs = append(krs, &kgo.Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
		})
	}
	if err := s.client.CommitRecords(ctx, krs...); err != nil {
		return fmt.Errorf("オフセットのコミットに失敗: %w", err)
	}
	return nil
}

// AllowRebalance はPollの間止めていたリバランスを許可する。
func (s *KafkaSource) AllowRebalance() {
	s.client.AllowRebalance()
}

// Close はグループから離脱して接続を閉じる。
func (s *KafkaSource) Close() {
	s.client.Close()
}
