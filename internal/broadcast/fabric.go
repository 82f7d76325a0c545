package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// チャネル名。メトリクスのラベルとログに使う。
const (
	ChannelCreated = "created"
	ChannelChanges = "changes"
)

// Producer はブロードキャスト用トピックへの書き込み。
type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
}

// Topics はブロードキャストに使うトピック名。
type Topics struct {
	Created string
	Changes string
}

// Fabric は作成チャネルと変更チャネルをまとめたもの。
// 発行側（取り込みと通知ストア）と購読側（セッション）の両方の入口になる。
type Fabric struct {
	// Created は新規通知のチャネル。
	Created *Channel[notification.View]
	// Changes は既読・未読・削除のチャネル。
	Changes *Channel[event.ChangeEvent]

	producer Producer
	topics   Topics
}

// NewFabric は新しいFabricを生成する。
// createdとchangesはそれぞれtopics.Createdとtopics.Changesを購読するUpstream。
func NewFabric(producer Producer, topics Topics, created, changes Upstream, opts ChannelOptions) *Fabric {
	return &Fabric{
		Created:  NewChannel(ChannelCreated, created, decodeView, opts),
		Changes:  NewChannel(ChannelChanges, changes, decodeChange, opts),
		producer: producer,
		topics:   topics,
	}
}

// NewLoopbackFabric はプロセス内だけで配信するFabricを生成する。
func NewLoopbackFabric(opts ChannelOptions) *Fabric {
	lb := NewLoopback()
	topics := Topics{Created: ChannelCreated, Changes: ChannelChanges}
	return NewFabric(lb, topics, lb.Upstream(topics.Created), lb.Upstream(topics.Changes), opts)
}

// PublishCreated は新規通知を全レプリカに配信する。
func (f *Fabric) PublishCreated(ctx context.Context, v notification.View) error {
	return f.publish(ctx, f.topics.Created, v.NavIdent, v)
}

// PublishChange は変更イベントを全レプリカに配信する。
func (f *Fabric) PublishChange(ctx context.Context, ce event.ChangeEvent) error {
	return f.publish(ctx, f.topics.Changes, ce.NavIdent, ce)
}

func (f *Fabric) publish(ctx context.Context, topic, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ブロードキャストのシリアライズに失敗: %w", err)
	}
	return f.producer.Produce(ctx, topic, key, b)
}

func decodeView(raw []byte) (notification.View, error) {
	v, err := event.DecodeData[notification.View](raw)
	if err != nil {
		return notification.View{}, err
	}
	return *v, nil
}

func decodeChange(raw []byte) (event.ChangeEvent, error) {
	ce, err := event.DecodeData[event.ChangeEvent](raw)
	if err != nil {
		return event.ChangeEvent{}, err
	}
	return *ce, nil
}
