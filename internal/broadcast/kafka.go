package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultLookback は購読開始時刻からさかのぼって読む幅。レプリカ間の時計のずれを吸収する。
const DefaultLookback = 2 * time.Second

// KafkaUpstream はコンシューマーグループを使わずにトピックを購読する。
// レプリカごとに一意なクライアントIDを使い、全レプリカが全イベントを受け取る。
// オフセットはコミットしない。
//
// 読み始めの位置は購読開始時刻からLookbackだけ前のタイムスタンプで決める。
// ログ末尾の解決は最初のフェッチまで遅れるため、末尾指定ではその間のイベントを取りこぼす。
type KafkaUpstream struct {
	opts       []kgo.Opt
	topic      string
	instanceID string
	// Lookback は読み始めを購読開始時刻からさかのぼらせる幅。
	Lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewKafkaUpstream は新しいKafkaUpstreamを生成する。
// baseにはブローカーやTLSなど接続共通のオプションを渡す。
func NewKafkaUpstream(base []kgo.Opt, topic, instanceID string, logger *slog.Logger) *KafkaUpstream {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaUpstream{
		opts:       base,
		topic:      topic,
		instanceID: instanceID,
		Lookback:   DefaultLookback,
		logger:     logger.With("topic", topic),
		now:        time.Now,
	}
}

// startMilli は読み始めのタイムスタンプ（ミリ秒）を返す。
func (u *KafkaUpstream) startMilli() int64 {
	return u.now().Add(-u.Lookback).UnixMilli()
}

// Consume はctxが終了するまでトピックを購読する。
// readyを呼ぶ前に読み始めの時刻を確定させるため、発行元との時計のずれがLookback以内なら
// readyの後に発行されたイベントは必ず読む。
// Lookbackの幅だけ古いイベントが重複して届くことがある。
func (u *KafkaUpstream) Consume(ctx context.Context, ready func(), handle func(Message)) error {
	opts := append(slices.Clone(u.opts),
		kgo.ClientID(u.instanceID),
		kgo.ConsumeTopics(u.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(u.startMilli())),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("トピック %s の購読クライアント作成に失敗: %w", u.topic, err)
	}
	defer client.Close()
	ready()

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			fetchErr = errors.Join(fetchErr, fmt.Errorf("%s[%d]: %w", topic, partition, err))
		})
		if fetchErr != nil {
			return fmt.Errorf("フェッチに失敗: %w", fetchErr)
		}

		fetches.EachRecord(func(r *kgo.Record) {
			handle(Message{Key: string(r.Key), Value: r.Value})
		})
	}
}

// KafkaProducer はレプリカ間配信用のトピックにイベントを書き込む。
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer は新しいKafkaProducerを生成する。
func NewKafkaProducer(base []kgo.Opt, clientID string) (*KafkaProducer, error) {
	opts := append(slices.Clone(base),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("プロデューサーの作成に失敗: %w", err)
	}
	return &KafkaProducer{client: client}, nil
}

// Produce はkeyで分割してtopicに書き込み、ブローカーの確認を待つ。
func (p *KafkaProducer) Produce(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("トピック %s への書き込みに失敗: %w", topic, err)
	}
	return nil
}

// Close は未送信のレコードを送り切ってからクライアントを閉じる。
func (p *KafkaProducer) Close(ctx context.Context) {
	_ = p.client.Flush(ctx)
	p.client.Close()
}
