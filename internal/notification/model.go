package notification

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/notification/db"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// Kind は通知の種類を表す。
type Kind string

const (
	// KindMessage は事件に対するメッセージ通知。
	KindMessage Kind = "MESSAGE"
	// KindLostAccess は事件へのアクセス権喪失の通知。
	KindLostAccess Kind = "LOST_ACCESS"
)

// Base は全種類の通知に共通するフィールド。
type Base struct {
	ID              string
	NavIdent        string
	Read            bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ReadAt          *time.Time
	MarkedAsDeleted bool
	Source          event.Source
	SourceCreatedAt time.Time
	// KafkaMessageID は元になったブローカーメッセージのID。
	KafkaMessageID string
}

// Case は通知が関係する事件の情報。
type Case struct {
	BehandlingID   string
	Saksnummer     string
	YtelseID       string
	BehandlingType string
}

// Notification はMessageNotificationかLostAccessNotificationのいずれか。
// 外部パッケージから新しい種類を追加することはできない。
type Notification interface {
	Common() *Base
	Kind() Kind
	sealed()
}

// MessageNotification は事件に対するメッセージの通知。
// MessageIDは全通知で一意であり、取り込みの冪等性キーになる。
type MessageNotification struct {
	Base
	Case
	MessageID      string
	SenderNavIdent string
	ActorNavIdent  string
	ActorNavn      string
}

// LostAccessNotification は事件へのアクセス権を失ったことの通知。
type LostAccessNotification struct {
	Base
	Case
}

func (n *MessageNotification) Common() *Base { return &n.Base }
func (n *MessageNotification) Kind() Kind    { return KindMessage }
func (n *MessageNotification) sealed()       {}

func (n *LostAccessNotification) Common() *Base { return &n.Base }
func (n *LostAccessNotification) Kind() Kind    { return KindLostAccess }
func (n *LostAccessNotification) sealed()       {}

// FromEvent は取り込んだイベントから未保存の通知を生成する。
// kafkaMessageIDは冪等性キーとして保存される。
func FromEvent(ev *event.NotificationEvent, kafkaMessageID string) (Notification, error) {
	base := Base{
		NavIdent:        ev.NavIdent,
		Source:          ev.Source,
		SourceCreatedAt: ev.SourceCreatedAt.UTC(),
		KafkaMessageID:  kafkaMessageID,
	}
	c := Case{
		BehandlingID:   ev.BehandlingID,
		Saksnummer:     ev.Saksnummer,
		YtelseID:       ev.YtelseID,
		BehandlingType: ev.BehandlingType,
	}

	switch ev.Type {
	case event.TypeMessage:
		return &MessageNotification{
			Base:           base,
			Case:           c,
			MessageID:      ev.MessageID,
			SenderNavIdent: ev.SenderNavIdent,
			ActorNavIdent:  ev.ActorNavIdent,
			ActorNavn:      ev.ActorNavn,
		}, nil
	case event.TypeLostAccess:
		return &LostAccessNotification{Base: base, Case: c}, nil
	default:
		return nil, fmt.Errorf("%w: 未知の判別子 %q", event.ErrInvalid, ev.Type)
	}
}

// fromRow はDB行を通知に変換する。
func fromRow(r db.Notification) (Notification, error) {
	base := Base{
		ID:              r.ID,
		NavIdent:        r.NavIdent,
		Read:            r.Read != 0,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		MarkedAsDeleted: r.MarkedAsDeleted != 0,
		Source:          event.Source(r.Source),
		SourceCreatedAt: r.SourceCreatedAt.UTC(),
		KafkaMessageID:  r.KafkaMessageID.String,
	}
	if r.ReadAt.Valid {
		t := r.ReadAt.Time.UTC()
		base.ReadAt = &t
	}
	c := Case{
		BehandlingID:   r.BehandlingID,
		Saksnummer:     r.Saksnummer,
		YtelseID:       r.YtelseID,
		BehandlingType: r.BehandlingType,
	}

	switch Kind(r.Type) {
	case KindMessage:
		return &MessageNotification{
			Base:           base,
			Case:           c,
			MessageID:      r.MessageID.String,
			SenderNavIdent: r.SenderNavIdent.String,
			ActorNavIdent:  r.ActorNavIdent.String,
			ActorNavn:      r.ActorNavn.String,
		}, nil
	case KindLostAccess:
		return &LostAccessNotification{Base: base, Case: c}, nil
	default:
		return nil, fmt.Errorf("通知 %s の種類 %q が不正です", r.ID, r.Type)
	}
}

// insertParams は通知をInsertNotificationの引数に変換する。
func insertParams(n Notification) db.InsertNotificationParams {
	b := n.Common()
	p := db.InsertNotificationParams{
		ID:              b.ID,
		Type:            string(n.Kind()),
		NavIdent:        b.NavIdent,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		Source:          string(b.Source),
		SourceCreatedAt: b.SourceCreatedAt,
		KafkaMessageID:  nullString(b.KafkaMessageID),
	}

	switch v := n.(type) {
	case *MessageNotification:
		p.BehandlingID = v.BehandlingID
		p.Saksnummer = v.Saksnummer
		p.YtelseID = v.YtelseID
		p.BehandlingType = v.BehandlingType
		p.MessageID = nullString(v.MessageID)
		p.SenderNavIdent = nullString(v.SenderNavIdent)
		p.ActorNavIdent = nullString(v.ActorNavIdent)
		p.ActorNavn = nullString(v.ActorNavn)
	case *LostAccessNotification:
		p.BehandlingID = v.BehandlingID
		p.Saksnummer = v.Saksnummer
		p.YtelseID = v.YtelseID
		p.BehandlingType = v.BehandlingType
	}
	return p
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
