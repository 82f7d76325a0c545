package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navikt/klage-notifications-api-sub000/internal/broadcast"
	"github.com/navikt/klage-notifications-api-sub000/internal/database"
	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/internal/session"
	"github.com/navikt/klage-notifications-api-sub000/pkg/event"
	"github.com/navikt/klage-notifications-api-sub000/pkg/logging"
	"github.com/navikt/klage-notifications-api-sub000/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// testAdmin はデッドレター管理用エンドポイントを呼べる職員。
const testAdmin = "Z000001"

// fakeReprocessor は固定の結果を返す再処理ランナー。
type fakeReprocessor struct {
	result deadletter.Result
	calls  int
}

func (f *fakeReprocessor) RunOnce(_ context.Context) (deadletter.Result, error) {
	f.calls++
	return f.result, nil
}

// testEnv はテスト用に組み立てたサーバーと依存コンポーネント。
type testEnv struct {
	server      *Server
	store       *notification.Store
	deadLetters *deadletter.Store
	fabric      *broadcast.Fabric
	reprocessor *fakeReprocessor
}

// setupTestServer はインメモリDBとループバックのブロードキャストでサーバーを組み立てる。
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	logger := logging.Discard()
	sqlDB, err := database.Open(t.Context(), ":memory:", logger)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	rec := metrics.New()
	fabric := broadcast.NewLoopbackFabric(broadcast.ChannelOptions{Logger: logger, Metrics: rec})
	store := notification.NewStore(sqlDB, fabric, logger)
	dl := deadletter.NewStore(sqlDB)
	reprocessor := &fakeReprocessor{result: deadletter.Result{Attempted: 2, Succeeded: 1, Failed: 1}}
	mux := session.New(store, fabric, session.Options{HeartbeatInterval: time.Hour, Logger: logger, Metrics: rec})

	srv := NewServer(Deps{
		Notifications: store,
		Streams:       mux,
		DeadLetters:   dl,
		Reprocessor:   reprocessor,
		Metrics:       rec,
		Logger:        logger,
	}, Options{JWTSecret: testSecret, AdminNavIdents: []string{testAdmin}})

	return &testEnv{server: srv, store: store, deadLetters: dl, fabric: fabric, reprocessor: reprocessor}
}

// bearer はnavIdentのAuthorizationヘッダー値を返す。
func bearer(t *testing.T, navIdent string) string {
	t.Helper()
	tok, err := middleware.GenerateJWT(testSecret, navIdent, "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return "Bearer " + tok
}

// doRequest はnavIdentとしてリクエストを送り、レスポンスを返す。navIdentが空なら認証ヘッダーを付けない。
func doRequest(t *testing.T, h http.Handler, method, path, navIdent string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストボディのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if navIdent != "" {
		req.Header.Set("Authorization", bearer(t, navIdent))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createMessage(t *testing.T, navIdent, messageID string) string {
	t.Helper()
	n := &notification.MessageNotification{
		Base: notification.Base{
			NavIdent:        navIdent,
			Source:          event.SourceKabal,
			SourceCreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			KafkaMessageID:  "kafka-" + messageID,
		},
		Case: notification.Case{
			BehandlingID:   "b-1",
			Saksnummer:     "123456",
			YtelseID:       "SYK_SYK",
			BehandlingType: "1",
		},
		MessageID:      messageID,
		SenderNavIdent: "Z111111",
	}
	created, err := e.store.Create(t.Context(), n)
	if err != nil || !created {
		t.Fatalf("通知の作成に失敗: created=%v err=%v", created, err)
	}
	return n.ID
}

func decodeViews(t *testing.T, w *httptest.ResponseRecorder) []notification.View {
	t.Helper()
	var views []notification.View
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	return views
}

func assertProblem(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != middleware.ProblemContentType {
		t.Errorf("Content-Type = %q, want %q", got, middleware.ProblemContentType)
	}
	var p middleware.Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("problemボディのパースに失敗: %v", err)
	}
	if p.Status != status {
		t.Errorf("problem.status = %d, want %d", p.Status, status)
	}
}

// TestNotificationEndpoints は通知の参照と操作のエンドポイントを検証する。
func TestNotificationEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("一覧は本人の通知だけを返すこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		env.createMessage(t, "Z123456", "m-1")
		env.createMessage(t, "Z123456", "m-2")
		env.createMessage(t, "Z999999", "m-3")

		w := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/notifications", "Z123456", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		views := decodeViews(t, w)
		if len(views) != 2 {
			t.Fatalf("件数 = %d, want 2", len(views))
		}
		for _, v := range views {
			if v.NavIdent != "Z123456" {
				t.Errorf("他人の通知が含まれている: %+v", v)
			}
		}
	})

	t.Run("認証ヘッダーが無い場合401が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/notifications", "", nil)
		assertProblem(t, w, http.StatusUnauthorized)
	})

	t.Run("他人の通知の取得で403が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		id := env.createMessage(t, "Z999999", "m-1")

		w := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/notifications/"+id, "Z123456", nil)
		assertProblem(t, w, http.StatusForbidden)
	})

	t.Run("存在しない通知の既読化で404が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodPatch, "/api/v1/notifications/missing/read", "Z123456", nil)
		assertProblem(t, w, http.StatusNotFound)
	})

	t.Run("既読化と未読化が反映されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		id := env.createMessage(t, "Z123456", "m-1")

		if w := doRequest(t, h, http.MethodPatch, "/api/v1/notifications/"+id+"/read", "Z123456", nil); w.Code != http.StatusNoContent {
			t.Fatalf("既読化のステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		w := doRequest(t, h, http.MethodGet, "/api/v1/notifications/"+id, "Z123456", nil)
		var v notification.View
		if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if !v.Read || v.ReadAt == nil {
			t.Errorf("既読になっていない: read=%v readAt=%v", v.Read, v.ReadAt)
		}

		if w := doRequest(t, h, http.MethodPatch, "/api/v1/notifications/"+id+"/unread", "Z123456", nil); w.Code != http.StatusNoContent {
			t.Fatalf("未読化のステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		w = doRequest(t, h, http.MethodGet, "/api/v1/notifications/"+id, "Z123456", nil)
		if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if v.Read {
			t.Error("未読に戻っていない")
		}
	})

	t.Run("複数既読化でidsが空の場合400が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodPatch, "/api/v1/notifications/read-multiple", "Z123456",
			map[string][]string{"ids": {}})
		assertProblem(t, w, http.StatusBadRequest)
	})

	t.Run("複数既読化に他人の通知が含まれる場合は何も変更されないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		own := env.createMessage(t, "Z123456", "m-1")
		foreign := env.createMessage(t, "Z999999", "m-2")

		w := doRequest(t, h, http.MethodPatch, "/api/v1/notifications/read-multiple", "Z123456",
			map[string][]string{"ids": {own, foreign}})
		assertProblem(t, w, http.StatusForbidden)

		views := decodeViews(t, doRequest(t, h, http.MethodGet, "/api/v1/notifications", "Z123456", nil))
		if len(views) != 1 || views[0].Read {
			t.Errorf("本人の通知が変更された: %+v", views)
		}
	})

	t.Run("全件既読化で更新件数が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		env.createMessage(t, "Z123456", "m-1")
		env.createMessage(t, "Z123456", "m-2")

		w := doRequest(t, env.server.Handler(), http.MethodPatch, "/api/v1/notifications/read-all", "Z123456", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body countResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.Count != 2 {
			t.Errorf("count = %d, want 2", body.Count)
		}
	})

	t.Run("削除した通知は一覧と取得から消えること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		first := env.createMessage(t, "Z123456", "m-1")
		second := env.createMessage(t, "Z123456", "m-2")
		third := env.createMessage(t, "Z123456", "m-3")

		if w := doRequest(t, h, http.MethodDelete, "/api/v1/notifications/"+first, "Z123456", nil); w.Code != http.StatusNoContent {
			t.Fatalf("削除のステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if w := doRequest(t, h, http.MethodDelete, "/api/v1/notifications", "Z123456",
			map[string][]string{"ids": {second}}); w.Code != http.StatusNoContent {
			t.Fatalf("複数削除のステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}

		assertProblem(t, doRequest(t, h, http.MethodGet, "/api/v1/notifications/"+first, "Z123456", nil), http.StatusNotFound)
		views := decodeViews(t, doRequest(t, h, http.MethodGet, "/api/v1/notifications", "Z123456", nil))
		if len(views) != 1 || views[0].ID != third {
			t.Errorf("残った通知 = %+v, want %s のみ", views, third)
		}
	})
}

// TestDeadLetterEndpoints はデッドレター管理のエンドポイントを検証する。
func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()

	record := func(t *testing.T, env *testEnv, offset int64) string {
		t.Helper()
		now := time.Now().UTC()
		r := &deadletter.Record{
			Topic:          "klage.notifications",
			MessageValue:   []byte(`{"type":"BROKEN"}`),
			Partition:      0,
			Offset:         offset,
			ErrorMessage:   "不正なイベント",
			FirstAttemptAt: now,
			LastAttemptAt:  now,
		}
		if err := env.deadLetters.Record(t.Context(), r); err != nil {
			t.Fatalf("デッドレターの記録に失敗: %v", err)
		}
		return r.ID
	}

	t.Run("管理者以外は全ての管理用エンドポイントで403になること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		id := record(t, env, 1)

		routes := []struct {
			method string
			path   string
		}{
			{method: http.MethodGet, path: "/api/v1/admin/dead-letters"},
			{method: http.MethodGet, path: "/api/v1/admin/dead-letters/" + id},
			{method: http.MethodPost, path: "/api/v1/admin/dead-letters/" + id + "/reprocess"},
			{method: http.MethodPost, path: "/api/v1/admin/dead-letters/run"},
		}
		for _, r := range routes {
			w := doRequest(t, h, r.method, r.path, "Z123456", nil)
			assertProblem(t, w, http.StatusForbidden)
			if strings.Contains(w.Body.String(), "messageValue") {
				t.Errorf("%s %s でデッドレターの内容が返された: %s", r.method, r.path, w.Body.String())
			}
		}

		got, err := env.deadLetters.Get(t.Context(), id)
		if err != nil {
			t.Fatalf("デッドレターの取得に失敗: %v", err)
		}
		if got.Reprocess {
			t.Error("管理者以外の操作で再処理フラグが立った")
		}
		if env.reprocessor.calls != 0 {
			t.Errorf("RunOnceの呼び出し回数 = %d, want 0", env.reprocessor.calls)
		}
	})

	t.Run("一覧と取得ができること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		id := record(t, env, 1)
		record(t, env, 2)

		w := doRequest(t, h, http.MethodGet, "/api/v1/admin/dead-letters?processed=false&limit=10", testAdmin, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var records []deadletter.Record
		if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("件数 = %d, want 2", len(records))
		}

		w = doRequest(t, h, http.MethodGet, "/api/v1/admin/dead-letters/"+id, testAdmin, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var got deadletter.Record
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if got.ID != id || got.Offset != 1 {
			t.Errorf("取得したデッドレター = %+v", got)
		}
	})

	t.Run("不正なクエリで400が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		for _, q := range []string{"processed=maybe", "reprocess=x", "limit=0", "limit=abc"} {
			w := doRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/admin/dead-letters?"+q, testAdmin, nil)
			assertProblem(t, w, http.StatusBadRequest)
		}
	})

	t.Run("存在しないデッドレターで404が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()

		assertProblem(t, doRequest(t, h, http.MethodGet, "/api/v1/admin/dead-letters/missing", testAdmin, nil), http.StatusNotFound)
		assertProblem(t, doRequest(t, h, http.MethodPost, "/api/v1/admin/dead-letters/missing/reprocess", testAdmin, nil), http.StatusNotFound)
	})

	t.Run("再処理フラグを立てられること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		h := env.server.Handler()
		id := record(t, env, 1)
		record(t, env, 2)

		w := doRequest(t, h, http.MethodPost, "/api/v1/admin/dead-letters/"+id+"/reprocess", testAdmin, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusAccepted)
		}

		w = doRequest(t, h, http.MethodGet, "/api/v1/admin/dead-letters?reprocess=true", testAdmin, nil)
		var records []deadletter.Record
		if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if len(records) != 1 || records[0].ID != id {
			t.Errorf("再処理待ち = %+v, want %s のみ", records, id)
		}
	})

	t.Run("即時実行で再処理結果が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodPost, "/api/v1/admin/dead-letters/run", testAdmin, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var res deadletter.Result
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if res != env.reprocessor.result {
			t.Errorf("結果 = %+v, want %+v", res, env.reprocessor.result)
		}
		if env.reprocessor.calls != 1 {
			t.Errorf("RunOnceの呼び出し回数 = %d, want 1", env.reprocessor.calls)
		}
	})
}

// TestOperationalEndpoints はヘルスチェックとメトリクスを検証する。
func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックが認証なしで200を返すこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("メトリクスがPrometheus形式で返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.server.Handler(), http.MethodGet, "/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), "klage_notifications_open_streams") {
			t.Errorf("メトリクスにopen_streamsが含まれない: %s", w.Body.String())
		}
	})
}
