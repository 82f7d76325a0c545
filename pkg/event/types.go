// Package event はブローカー上を流れるイベントのワイヤーフォーマットを定義する。
//
// 上流ドメインから届く通知イベント（NotificationEvent）と、
// 既読・未読・削除の変更を各レプリカへ伝える変更イベント（ChangeEvent）を含む。
package event

import (
	"time"
)

// Type は通知イベントの種類を表す判別子。
type Type string

const (
	// TypeMessage は事件に対するメッセージ通知を表す。
	TypeMessage Type = "MESSAGE"
	// TypeLostAccess は事件へのアクセス権を失ったことを表す。
	TypeLostAccess Type = "LOST_ACCESS"
)

// Source は通知の発生元システムを表す。
type Source string

const (
	// SourceKabal はKabal（事件処理システム）から発生した通知。
	SourceKabal Source = "KABAL"
	// SourceKabin はKabin（事件登録システム）から発生した通知。
	SourceKabin Source = "KABIN"
)

// Valid は既知の発生元かどうかを返す。
func (s Source) Valid() bool {
	switch s {
	case SourceKabal, SourceKabin:
		return true
	default:
		return false
	}
}

// NotificationEvent は通知トピックから受信する生のイベント。
// Typeによってどのフィールドが必須かが決まる。
type NotificationEvent struct {
	// Type はイベントの判別子（MESSAGE / LOST_ACCESS）。
	Type Type `json:"type"`
	// NavIdent は通知の受信者。
	NavIdent string `json:"navIdent"`
	// Source は発生元システム。
	Source Source `json:"source"`
	// SourceCreatedAt は発生元システムでの作成日時。
	SourceCreatedAt time.Time `json:"sourceCreatedAt"`
	// ActorNavIdent は操作を行った人のNAVident。
	ActorNavIdent string `json:"actorNavIdent,omitempty"`
	// ActorNavn は操作を行った人の氏名。
	ActorNavn string `json:"actorNavn,omitempty"`
	// BehandlingID は対象の事件（behandling）ID。
	BehandlingID string `json:"behandlingId"`
	// MessageID はメッセージの一意識別子。MESSAGEのみ。
	MessageID string `json:"messageId,omitempty"`
	// SenderNavIdent はメッセージ送信者。MESSAGEのみ。
	SenderNavIdent string `json:"senderNavIdent,omitempty"`
	// Saksnummer は事件番号。
	Saksnummer string `json:"saksnummer"`
	// YtelseID は給付種別コード。
	YtelseID string `json:"ytelseId"`
	// BehandlingType は事件種別コード。
	BehandlingType string `json:"behandlingType"`
}

// ChangeType は通知に対する変更の種類を表す。
type ChangeType string

const (
	// ChangeRead は1件の既読化。
	ChangeRead ChangeType = "READ"
	// ChangeReadMultiple は複数件の既読化。
	ChangeReadMultiple ChangeType = "READ_MULTIPLE"
	// ChangeUnread は1件の未読化。
	ChangeUnread ChangeType = "UNREAD"
	// ChangeUnreadMultiple は複数件の未読化。
	ChangeUnreadMultiple ChangeType = "UNREAD_MULTIPLE"
	// ChangeDeleted は1件の論理削除。
	ChangeDeleted ChangeType = "DELETED"
	// ChangeDeletedMultiple は複数件の論理削除。
	ChangeDeletedMultiple ChangeType = "DELETED_MULTIPLE"
)

// ChangeEvent は既読・未読・削除の変更を表す一時的なイベント。永続化はしない。
type ChangeEvent struct {
	// ID は単一の変更対象。複数件の変更では空。
	ID string `json:"id,omitempty"`
	// IDs は複数件の変更対象。
	IDs []string `json:"ids,omitempty"`
	// NavIdent は変更された通知の受信者。
	NavIdent string `json:"navIdent"`
	// Type は変更の種類。
	Type ChangeType `json:"type"`
	// Timestamp は変更日時。
	Timestamp time.Time `json:"timestamp"`
}

// NotificationIDs は変更対象のIDを単一・複数の区別なく返す。
func (c ChangeEvent) NotificationIDs() []string {
	if len(c.IDs) > 0 {
		return c.IDs
	}
	if c.ID != "" {
		return []string{c.ID}
	}
	return nil
}
