package notification

import (
	"time"

	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// View は通知のJSON表現。クライアントへのプッシュと作成チャネルのペイロードに使う。
type View struct {
	Type            Kind           `json:"type"`
	ID              string         `json:"id"`
	NavIdent        string         `json:"navIdent"`
	Read            bool           `json:"read"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ReadAt          *time.Time     `json:"readAt"`
	Source          event.Source   `json:"source"`
	SourceCreatedAt time.Time      `json:"sourceCreatedAt"`
	Message         *MessageView   `json:"message,omitempty"`
	Actor           *ActorView     `json:"actor,omitempty"`
	Behandling      BehandlingView `json:"behandling"`
}

// MessageView はメッセージ通知固有の情報。
type MessageView struct {
	ID             string `json:"id"`
	SenderNavIdent string `json:"senderNavIdent"`
}

// ActorView は操作を行った人。
type ActorView struct {
	NavIdent string `json:"navIdent"`
	Navn     string `json:"navn"`
}

// BehandlingView は通知が関係する事件。
type BehandlingView struct {
	ID         string `json:"id"`
	Saksnummer string `json:"saksnummer"`
	YtelseID   string `json:"ytelseId"`
	TypeID     string `json:"typeId"`
}

// ToView は通知をJSON表現に変換する。
func ToView(n Notification) View {
	b := n.Common()
	v := View{
		Type:            n.Kind(),
		ID:              b.ID,
		NavIdent:        b.NavIdent,
		Read:            b.Read,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		ReadAt:          b.ReadAt,
		Source:          b.Source,
		SourceCreatedAt: b.SourceCreatedAt,
	}

	switch n := n.(type) {
	case *MessageNotification:
		v.Behandling = behandlingView(n.Case)
		v.Message = &MessageView{ID: n.MessageID, SenderNavIdent: n.SenderNavIdent}
		if n.ActorNavIdent != "" || n.ActorNavn != "" {
			v.Actor = &ActorView{NavIdent: n.ActorNavIdent, Navn: n.ActorNavn}
		}
	case *LostAccessNotification:
		v.Behandling = behandlingView(n.Case)
	}
	return v
}

// ToViews は通知のスライスをJSON表現のスライスに変換する。
func ToViews(ns []Notification) []View {
	views := make([]View, 0, len(ns))
	for _, n := range ns {
		views = append(views, ToView(n))
	}
	return views
}

func behandlingView(c Case) BehandlingView {
	return BehandlingView{
		ID:         c.BehandlingID,
		Saksnummer: c.Saksnummer,
		YtelseID:   c.YtelseID,
		TypeID:     c.BehandlingType,
	}
}

// EventID はプッシュストリームのイベントIDを {timestamp}_{notificationId} 形式で返す。
// クライアント側の並び替えと重複排除のためのもので、再開位置としては使わない。
func EventID(ts time.Time, notificationID string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "_" + notificationID
}

// EventID は最終更新日時と通知IDから作るイベントID。
func (v View) EventID() string {
	return EventID(v.UpdatedAt, v.ID)
}
