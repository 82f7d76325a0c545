package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/database"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
)

// recordingPublisher は発行された変更イベントを記録するテスト用のChangePublisher。
type recordingPublisher struct {
	mu     sync.Mutex
	events []event.ChangeEvent
	err    error
}

func (p *recordingPublisher) PublishChange(_ context.Context, ce event.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ce)
	return p.err
}

func (p *recordingPublisher) all() []event.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.ChangeEvent(nil), p.events...)
}

// setupTestStore はインメモリSQLiteでStoreを構築する。
func setupTestStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()

	sqlDB, err := database.Open(t.Context(), ":memory:", nil)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	pub := &recordingPublisher{}
	return NewStore(sqlDB, pub, nil), pub
}

func newMessage(navIdent, messageID string, sourceCreatedAt time.Time) *MessageNotification {
	return &MessageNotification{
		Base: Base{
			NavIdent:        navIdent,
			Source:          event.SourceKabal,
			SourceCreatedAt: sourceCreatedAt,
			KafkaMessageID:  "kafka-" + messageID,
		},
		Case: Case{
			BehandlingID:   "b-1",
			Saksnummer:     "123456",
			YtelseID:       "SYK_SYK",
			BehandlingType: "1",
		},
		MessageID:      messageID,
		SenderNavIdent: "Z111111",
		ActorNavIdent:  "Z111111",
		ActorNavn:      "Kari Nordmann",
	}
}

func newLostAccess(navIdent, kafkaID string, sourceCreatedAt time.Time) *LostAccessNotification {
	return &LostAccessNotification{
		Base: Base{
			NavIdent:        navIdent,
			Source:          event.SourceKabal,
			SourceCreatedAt: sourceCreatedAt,
			KafkaMessageID:  kafkaID,
		},
		Case: Case{BehandlingID: "b-2", Saksnummer: "654321", YtelseID: "OMS_OMP", BehandlingType: "2"},
	}
}

func mustCreate(t *testing.T, s *Store, n Notification) string {
	t.Helper()
	created, err := s.Create(t.Context(), n)
	if err != nil {
		t.Fatalf("通知の作成に失敗: %v", err)
	}
	if !created {
		t.Fatalf("通知が作成されなかった: %+v", n.Common())
	}
	return n.Common().ID
}

// TestStoreCreate は通知の冪等な保存を検証する。
func TestStoreCreate(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("メッセージ通知を保存して取得できること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)

		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		got, err := s.Get(t.Context(), id)
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		msg, ok := got.(*MessageNotification)
		if !ok {
			t.Fatalf("型 = %T, want *MessageNotification", got)
		}
		if msg.MessageID != "m-1" || msg.NavIdent != "Z1" || msg.ActorNavn != "Kari Nordmann" {
			t.Errorf("通知 = %+v", msg)
		}
		if !msg.SourceCreatedAt.Equal(base) {
			t.Errorf("SourceCreatedAt = %v, want %v", msg.SourceCreatedAt, base)
		}
		if msg.Read || msg.MarkedAsDeleted || msg.ReadAt != nil {
			t.Errorf("初期状態が不正: %+v", msg.Base)
		}
	})

	t.Run("同じメッセージIDの再保存は何もせずfalseを返すこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)

		mustCreate(t, s, newMessage("Z1", "m-1", base))

		dup := newMessage("Z1", "m-1", base)
		dup.KafkaMessageID = "another-kafka-id"
		created, err := s.Create(t.Context(), dup)
		if err != nil {
			t.Fatalf("重複保存でエラーが発生: %v", err)
		}
		if created {
			t.Error("重複した通知が作成された")
		}

		backlog, err := s.Backlog(t.Context(), "Z1")
		if err != nil {
			t.Fatalf("Backlog()でエラーが発生: %v", err)
		}
		if len(backlog) != 1 {
			t.Errorf("通知数 = %d, want 1", len(backlog))
		}
	})

	t.Run("アクセス権喪失の通知はKafkaメッセージIDで重複排除されること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)

		mustCreate(t, s, newLostAccess("Z1", "kafka-1", base))
		created, err := s.Create(t.Context(), newLostAccess("Z1", "kafka-1", base))
		if err != nil {
			t.Fatalf("重複保存でエラーが発生: %v", err)
		}
		if created {
			t.Error("重複した通知が作成された")
		}
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)

		if _, err := s.Get(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

// TestStoreBacklog はバックログの内容と順序を検証する。
func TestStoreBacklog(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("発生元の作成日時の昇順で、削除済みと他人の通知を含まないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)

		third := mustCreate(t, s, newMessage("Z1", "m-3", base.Add(3*time.Minute)))
		first := mustCreate(t, s, newMessage("Z1", "m-1", base.Add(1*time.Minute)))
		second := mustCreate(t, s, newLostAccess("Z1", "k-2", base.Add(2*time.Minute)))
		deleted := mustCreate(t, s, newMessage("Z1", "m-4", base.Add(4*time.Minute)))
		mustCreate(t, s, newMessage("Z2", "m-5", base))

		if err := s.Delete(t.Context(), "Z1", deleted); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}

		backlog, err := s.Backlog(t.Context(), "Z1")
		if err != nil {
			t.Fatalf("Backlog()でエラーが発生: %v", err)
		}
		want := []string{first, second, third}
		if len(backlog) != len(want) {
			t.Fatalf("通知数 = %d, want %d", len(backlog), len(want))
		}
		for i, n := range backlog {
			if n.Common().ID != want[i] {
				t.Errorf("backlog[%d] = %s, want %s", i, n.Common().ID, want[i])
			}
		}
	})
}

// TestStoreMutations は既読・未読・削除と変更イベントの発行を検証する。
func TestStoreMutations(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("既読にするとREADイベントが発行されること", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		if err := s.MarkRead(t.Context(), "Z1", id); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		n, _ := s.Get(t.Context(), id)
		if !n.Common().Read || n.Common().ReadAt == nil {
			t.Errorf("既読になっていない: %+v", n.Common())
		}
		events := pub.all()
		if len(events) != 1 {
			t.Fatalf("イベント数 = %d, want 1", len(events))
		}
		if events[0].Type != event.ChangeRead || events[0].ID != id || events[0].NavIdent != "Z1" {
			t.Errorf("イベント = %+v", events[0])
		}
	})

	t.Run("未読に戻すとUNREADイベントが発行されReadAtが消えること", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		_ = s.MarkRead(t.Context(), "Z1", id)
		if err := s.MarkUnread(t.Context(), "Z1", id); err != nil {
			t.Fatalf("MarkUnread()でエラーが発生: %v", err)
		}

		n, _ := s.Get(t.Context(), id)
		if n.Common().Read || n.Common().ReadAt != nil {
			t.Errorf("未読になっていない: %+v", n.Common())
		}
		events := pub.all()
		if len(events) != 2 || events[1].Type != event.ChangeUnread {
			t.Errorf("イベント = %+v", events)
		}
	})

	t.Run("全件既読で未読の通知だけがREAD_MULTIPLEの対象になること", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		a := mustCreate(t, s, newMessage("Z1", "m-1", base))
		b := mustCreate(t, s, newMessage("Z1", "m-2", base.Add(time.Minute)))
		c := mustCreate(t, s, newMessage("Z1", "m-3", base.Add(2*time.Minute)))
		_ = s.MarkRead(t.Context(), "Z1", a)

		n, err := s.MarkAllRead(t.Context(), "Z1")
		if err != nil {
			t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
		}
		if n != 2 {
			t.Errorf("既読件数 = %d, want 2", n)
		}
		events := pub.all()
		last := events[len(events)-1]
		if last.Type != event.ChangeReadMultiple {
			t.Fatalf("Type = %q, want %q", last.Type, event.ChangeReadMultiple)
		}
		if len(last.IDs) != 2 || last.IDs[0] != b || last.IDs[1] != c {
			t.Errorf("IDs = %v, want [%s %s]", last.IDs, b, c)
		}
	})

	t.Run("他人の通知の操作はErrForbiddenになりイベントは発行されないこと", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		err := s.MarkRead(t.Context(), "Z2", id)
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
		if len(pub.all()) != 0 {
			t.Errorf("イベントが発行された: %+v", pub.all())
		}
	})

	t.Run("複数削除で1件でも存在しなければ何も削除されないこと", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestStore(t)
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		err := s.DeleteMultiple(t.Context(), "Z1", []string{id, "missing"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if _, err := s.GetOwned(t.Context(), "Z1", id); err != nil {
			t.Errorf("ロールバックされていない: %v", err)
		}
	})

	t.Run("削除済みの通知はGetOwnedでErrNotFoundになること", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		if err := s.Delete(t.Context(), "Z1", id); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}
		if _, err := s.GetOwned(t.Context(), "Z1", id); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if events := pub.all(); len(events) != 1 || events[0].Type != event.ChangeDeleted {
			t.Errorf("イベント = %+v", events)
		}
	})

	t.Run("変更イベントの発行に失敗しても更新は成功すること", func(t *testing.T) {
		t.Parallel()
		s, pub := setupTestStore(t)
		pub.err = errors.New("broker down")
		id := mustCreate(t, s, newMessage("Z1", "m-1", base))

		if err := s.MarkRead(t.Context(), "Z1", id); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
	})
}

// TestToView はJSON表現への変換を検証する。
func TestToView(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("メッセージ通知はmessageとactorを含むこと", func(t *testing.T) {
		t.Parallel()

		n := newMessage("Z1", "m-1", base)
		n.ID = "n-1"
		n.UpdatedAt = base

		b, err := json.Marshal(ToView(n))
		if err != nil {
			t.Fatalf("JSONのエンコードに失敗: %v", err)
		}
		var got map[string]any
		_ = json.Unmarshal(b, &got)

		if got["type"] != "MESSAGE" || got["id"] != "n-1" || got["read"] != false {
			t.Errorf("共通フィールド = %v", got)
		}
		msg, _ := got["message"].(map[string]any)
		if msg["id"] != "m-1" {
			t.Errorf("message = %v", got["message"])
		}
		actor, _ := got["actor"].(map[string]any)
		if actor["navn"] != "Kari Nordmann" {
			t.Errorf("actor = %v", got["actor"])
		}
		beh, _ := got["behandling"].(map[string]any)
		if beh["saksnummer"] != "123456" {
			t.Errorf("behandling = %v", got["behandling"])
		}
	})

	t.Run("アクセス権喪失の通知はmessageを含まないこと", func(t *testing.T) {
		t.Parallel()

		b, _ := json.Marshal(ToView(newLostAccess("Z1", "k-1", base)))
		var got map[string]any
		_ = json.Unmarshal(b, &got)
		if _, ok := got["message"]; ok {
			t.Errorf("messageが含まれている: %v", got)
		}
		if got["type"] != "LOST_ACCESS" {
			t.Errorf("type = %v", got["type"])
		}
	})

	t.Run("イベントIDは更新日時と通知IDから作られること", func(t *testing.T) {
		t.Parallel()

		v := View{ID: "n-1", UpdatedAt: time.Date(2024, 5, 1, 10, 0, 0, 500, time.UTC)}
		if got, want := v.EventID(), "2024-05-01T10:00:00.0000005Z_n-1"; got != want {
			t.Errorf("EventID() = %q, want %q", got, want)
		}
	})
}

// TestFromEvent はイベントから通知への変換を検証する。
func TestFromEvent(t *testing.T) {
	t.Parallel()

	t.Run("未知の判別子はErrInvalidになること", func(t *testing.T) {
		t.Parallel()

		_, err := FromEvent(&event.NotificationEvent{Type: "OTHER"}, "k")
		if !errors.Is(err, event.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	})

	t.Run("MESSAGEイベントはMessageNotificationになること", func(t *testing.T) {
		t.Parallel()

		n, err := FromEvent(&event.NotificationEvent{
			Type: event.TypeMessage, NavIdent: "Z1", MessageID: "m-1", Source: event.SourceKabal,
		}, "k-1")
		if err != nil {
			t.Fatalf("FromEvent()でエラーが発生: %v", err)
		}
		m, ok := n.(*MessageNotification)
		if !ok || m.MessageID != "m-1" || m.KafkaMessageID != "k-1" {
			t.Errorf("通知 = %#v", n)
		}
	})
}
