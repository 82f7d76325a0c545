package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
)

// ErrClosed はSourceが閉じられたことを表す。
var ErrClosed = errors.New("ソースは閉じられています")

// Record はブローカーから受信した1件のメッセージ。
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Timestamp   time.Time
}

// MessageID はメッセージの一意識別子を返す。
// 再配信やデッドレターからの再生でも同じ値になるよう、トピック上の位置から作る。
func (r Record) MessageID() string {
	return fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Offset)
}

// fromDeadLetter はデッドレターを元のメッセージに戻す。
func fromDeadLetter(d deadletter.Record) Record {
	r := Record{
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
		Value:     d.MessageValue,
	}
	if d.MessageKey != nil {
		r.Key = []byte(*d.MessageKey)
	}
	return r
}

// Source はコンシューマーグループとしてメッセージを受信する。
type Source interface {
	// Poll は次のメッセージ群を待って返す。
	Poll(ctx context.Context) ([]Record, error)
	// Commit は処理済みのメッセージの次の位置をコミットする。
	Commit(ctx context.Context, records []Record) error
	// AllowRebalance はPollの間止めていたリバランスを許可する。
	AllowRebalance()
	// Close はグループから離脱して接続を閉じる。
	Close()
}
