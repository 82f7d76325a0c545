package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid はイベントが解釈できないことを表す。再試行しても成功しない恒久的な失敗。
var ErrInvalid = errors.New("不正なイベント")

// DecodeNotification は生のペイロードをNotificationEventにデシリアライズし、
// 判別子ごとの必須フィールドを検証する。
func DecodeNotification(raw []byte) (*NotificationEvent, error) {
	var ev NotificationEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: JSONのデシリアライズに失敗: %v", ErrInvalid, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate は判別子に応じた必須フィールドを検証する。
func (e *NotificationEvent) Validate() error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	switch e.Type {
	case TypeMessage:
		require("messageId", e.MessageID)
		require("senderNavIdent", e.SenderNavIdent)
	case TypeLostAccess:
	default:
		return fmt.Errorf("%w: 未知の判別子 %q", ErrInvalid, e.Type)
	}

	require("navIdent", e.NavIdent)
	require("behandlingId", e.BehandlingID)
	require("saksnummer", e.Saksnummer)
	require("ytelseId", e.YtelseID)
	require("behandlingType", e.BehandlingType)
	if len(missing) > 0 {
		return fmt.Errorf("%w: 必須フィールドがありません: %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if !e.Source.Valid() {
		return fmt.Errorf("%w: 未知の発生元 %q", ErrInvalid, e.Source)
	}
	if e.SourceCreatedAt.IsZero() {
		return fmt.Errorf("%w: sourceCreatedAtがありません", ErrInvalid)
	}
	return nil
}

// NewChange は現在時刻でChangeEventを生成する。
// idsが1件なら単一の変更として、複数件なら*_MULTIPLEとして扱う。
func NewChange(navIdent string, single, multiple ChangeType, ids ...string) ChangeEvent {
	ce := ChangeEvent{
		NavIdent:  navIdent,
		Timestamp: time.Now().UTC(),
	}
	if len(ids) == 1 {
		ce.ID = ids[0]
		ce.Type = single
		return ce
	}
	ce.IDs = ids
	ce.Type = multiple
	return ce
}

// DecodeData は任意のペイロードを指定された型にデシリアライズする。
func DecodeData[T any](raw []byte) (*T, error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
