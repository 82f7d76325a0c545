// Package session は1本のプッシュ接続に流すイベント列を組み立てる。
//
// 接続ごとに、接続直後のハートビート、定期ハートビート、受信者のバックログ、
// ブロードキャストの作成・変更チャネルを1本の順序付きストリームにまとめる。
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/broadcast"
	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// ストリームのイベント名。
const (
	EventHeartbeat = "HEARTBEAT"
	EventCreate    = "create"
	EventRead      = "read"
	EventUnread    = "unread"
	EventDelete    = "delete"
)

// ハートビートのペイロード。
const (
	HeartbeatConnected = "connected"
	HeartbeatPing      = "ping"
)

// DefaultHeartbeatInterval は定期ハートビートの既定の間隔。
const DefaultHeartbeatInterval = 10 * time.Second

// Item はストリームに流す1件のイベント。ハートビートのIDは空。
type Item struct {
	Event string
	ID    string
	Data  any
}

// ChangeData は既読・未読・削除イベントのペイロード。
type ChangeData struct {
	ID        string           `json:"id"`
	Type      event.ChangeType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
}

// BacklogSource は受信者の現在の通知一覧を返す。
type BacklogSource interface {
	Backlog(ctx context.Context, navIdent string) ([]notification.Notification, error)
}

// Options はMultiplexerの任意設定。
type Options struct {
	// HeartbeatInterval は定期ハートビートの間隔。0以下なら10秒。
	HeartbeatInterval time.Duration
	// BufferSize は出力チャネルのバッファ長。
	BufferSize int
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Multiplexer は接続ごとのストリームを生成する。
type Multiplexer struct {
	backlog   BacklogSource
	created   *broadcast.Channel[notification.View]
	changes   *broadcast.Channel[event.ChangeEvent]
	heartbeat time.Duration
	bufSize   int
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// New は新しいMultiplexerを生成する。
func New(backlog BacklogSource, fabric *broadcast.Fabric, opts Options) *Multiplexer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Multiplexer{
		backlog:   backlog,
		created:   fabric.Created,
		changes:   fabric.Changes,
		heartbeat: opts.HeartbeatInterval,
		bufSize:   opts.BufferSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Open はnavIdentのストリームを開始する。
// 返されるチャネルはctxが終了するか、バックログの取得に失敗したときに閉じられる。
// ctxの終了で両チャネルの購読とハートビートのタイマーが解放される。
func (m *Multiplexer) Open(ctx context.Context, navIdent string) <-chan Item {
	out := make(chan Item, m.bufSize)
	go m.run(ctx, navIdent, out)
	return out
}

func (m *Multiplexer) run(ctx context.Context, navIdent string, out chan<- Item) {
	defer close(out)
	logger := m.logger.With("nav_ident", navIdent)

	m.metrics.StreamOpened()
	defer m.metrics.StreamClosed()

	if !send(ctx, out, Item{Event: EventHeartbeat, Data: HeartbeatConnected}) {
		return
	}

	// バックログの読み込み中に発行されたイベントを取りこぼさないよう、先に購読する。
	created := m.created.Subscribe(func(v notification.View) bool { return v.NavIdent == navIdent })
	defer created.Close()
	changes := m.changes.Subscribe(func(ce event.ChangeEvent) bool { return ce.NavIdent == navIdent })
	defer changes.Close()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	backlog, err := m.backlog.Backlog(ctx, navIdent)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("バックログの取得に失敗したためストリームを終了", "error", err)
		}
		return
	}
	for _, n := range backlog {
		if !send(ctx, out, createItem(notification.ToView(n))) {
			return
		}
	}
	logger.Debug("バックログを送信", "count", len(backlog))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send(ctx, out, Item{Event: EventHeartbeat, Data: HeartbeatPing}) {
				return
			}
		case v, ok := <-created.C():
			if !ok {
				return
			}
			if !send(ctx, out, createItem(v)) {
				return
			}
		case ce, ok := <-changes.C():
			if !ok {
				return
			}
			for _, item := range changeItems(ce) {
				if !send(ctx, out, item) {
					return
				}
			}
		}
	}
}

func send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func createItem(v notification.View) Item {
	return Item{Event: EventCreate, ID: v.EventID(), Data: v}
}

// changeItems は変更イベントを通知ごとのイベントに展開する。
func changeItems(ce event.ChangeEvent) []Item {
	name, single := changeEventName(ce.Type)
	if name == "" {
		return nil
	}
	ids := ce.NotificationIDs()
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, Item{
			Event: name,
			ID:    notification.EventID(ce.Timestamp, id),
			Data:  ChangeData{ID: id, Type: single, Timestamp: ce.Timestamp},
		})
	}
	return items
}

// changeEventName は変更の種類からイベント名と単一件の種類を返す。未知の種類なら空。
func changeEventName(t event.ChangeType) (string, event.ChangeType) {
	switch t {
	case event.ChangeRead, event.ChangeReadMultiple:
		return EventRead, event.ChangeRead
	case event.ChangeUnread, event.ChangeUnreadMultiple:
		return EventUnread, event.ChangeUnread
	case event.ChangeDeleted, event.ChangeDeletedMultiple:
		return EventDelete, event.ChangeDeleted
	default:
		return "", ""
	}
}
