package deadletter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/pkg/logging"
)

// fakeReplayer は指定したオフセットだけ失敗させるReplayer。
type fakeReplayer struct {
	mu       sync.Mutex
	failOn   map[int64]error
	panicOn  map[int64]bool
	replayed []int64
}

func (f *fakeReplayer) Replay(_ context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, r.Offset)
	if f.panicOn[r.Offset] {
		panic("boom")
	}
	return f.failOn[r.Offset]
}

// countingLease は問い合わせ回数を数えるLease。
type countingLease struct {
	leader bool
	err    error
	mu     sync.Mutex
	calls  int
}

func (l *countingLease) IsLeader(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.leader, l.err
}

func flagged(t *testing.T, s *Store, offsets ...int64) []string {
	t.Helper()
	ids := make([]string, 0, len(offsets))
	for _, off := range offsets {
		id := mustRecord(t, s, newRecord(off))
		if err := s.SetReprocess(t.Context(), id); err != nil {
			t.Fatalf("SetReprocess()でエラーが発生: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// TestSchedulerRunOnce は1回分の再処理を検証する。
func TestSchedulerRunOnce(t *testing.T) {
	t.Parallel()

	t.Run("1件が失敗しても残りは処理済みになること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ids := flagged(t, s, 1, 2, 3)

		replayer := &fakeReplayer{failOn: map[int64]error{2: errors.New("still broken")}}
		sched := NewScheduler(s, replayer, StaticLease(true), time.Hour, logging.Discard(), nil)

		res, err := sched.RunOnce(t.Context())
		if err != nil {
			t.Fatalf("RunOnce()でエラーが発生: %v", err)
		}
		if res != (Result{Attempted: 3, Succeeded: 2, Failed: 1}) {
			t.Errorf("Result = %+v", res)
		}
		if got := replayer.replayed; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
			t.Errorf("再処理順 = %v, want [1 2 3]", got)
		}

		for i, id := range ids {
			r, _ := s.Get(t.Context(), id)
			if r.Reprocess {
				t.Errorf("entry %d: 再処理フラグが残っている", i+1)
			}
			wantProcessed := i != 1
			if r.Processed != wantProcessed {
				t.Errorf("entry %d: Processed = %v, want %v", i+1, r.Processed, wantProcessed)
			}
		}
		failed, _ := s.Get(t.Context(), ids[1])
		if failed.ErrorMessage != "still broken" {
			t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
		}
	})

	t.Run("パニックも失敗として扱われ処理が続くこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ids := flagged(t, s, 1, 2)

		replayer := &fakeReplayer{panicOn: map[int64]bool{1: true}}
		sched := NewScheduler(s, replayer, StaticLease(true), time.Hour, logging.Discard(), nil)

		res, err := sched.RunOnce(t.Context())
		if err != nil {
			t.Fatalf("RunOnce()でエラーが発生: %v", err)
		}
		if res.Failed != 1 || res.Succeeded != 1 {
			t.Errorf("Result = %+v", res)
		}
		second, _ := s.Get(t.Context(), ids[1])
		if !second.Processed {
			t.Error("パニックの後の件が処理されていない")
		}
	})

	t.Run("フラグの立っていない件は処理されないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		untouched := mustRecord(t, s, newRecord(9))

		replayer := &fakeReplayer{}
		res, err := NewScheduler(s, replayer, StaticLease(true), time.Hour, logging.Discard(), nil).RunOnce(t.Context())
		if err != nil {
			t.Fatalf("RunOnce()でエラーが発生: %v", err)
		}
		if res.Attempted != 0 {
			t.Errorf("Attempted = %d, want 0", res.Attempted)
		}
		r, _ := s.Get(t.Context(), untouched)
		if r.Processed || r.ReprocessedAt != nil {
			t.Errorf("状態が変わった: %+v", r)
		}
	})

	t.Run("実行後に件数ゲージが更新されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		flagged(t, s, 1, 2)
		mustRecord(t, s, newRecord(3))

		rec := metrics.New()
		replayer := &fakeReplayer{failOn: map[int64]error{1: errors.New("x")}}
		if _, err := NewScheduler(s, replayer, StaticLease(true), time.Hour, logging.Discard(), rec).RunOnce(t.Context()); err != nil {
			t.Fatalf("RunOnce()でエラーが発生: %v", err)
		}

		families, _ := rec.Registry().Gather()
		values := map[string]float64{}
		for _, f := range families {
			for _, m := range f.GetMetric() {
				if m.GetGauge() != nil {
					values[f.GetName()] = m.GetGauge().GetValue()
				}
			}
		}
		if got := values["klage_notifications_dead_letters_pending_reprocessing"]; got != 0 {
			t.Errorf("pending = %v, want 0", got)
		}
		if got := values["klage_notifications_dead_letters_unprocessed"]; got != 2 {
			t.Errorf("unprocessed = %v, want 2", got)
		}
	})
}

// TestSchedulerRun は定期実行とリーダー判定を検証する。
func TestSchedulerRun(t *testing.T) {
	t.Parallel()

	t.Run("リーダーのときだけ再処理されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ids := flagged(t, s, 1)

		lease := &countingLease{leader: false}
		replayer := &fakeReplayer{}
		sched := NewScheduler(s, replayer, lease, 10*time.Millisecond, logging.Discard(), nil)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan struct{})
		go func() {
			sched.Run(ctx)
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for {
			lease.mu.Lock()
			calls := lease.calls
			lease.mu.Unlock()
			if calls >= 3 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("リーダー判定が行われなかった")
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done

		r, _ := s.Get(t.Context(), ids[0])
		if !r.Reprocess || r.Processed {
			t.Errorf("リーダーでないのに再処理された: %+v", r)
		}
		if len(replayer.replayed) != 0 {
			t.Errorf("再処理の呼び出し = %v", replayer.replayed)
		}
	})

	t.Run("リーダーなら定期的に再処理されること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ids := flagged(t, s, 1)

		sched := NewScheduler(s, &fakeReplayer{}, StaticLease(true), 10*time.Millisecond, logging.Discard(), nil)
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		go sched.Run(ctx)

		deadline := time.Now().Add(2 * time.Second)
		for {
			r, err := s.Get(t.Context(), ids[0])
			if err == nil && r.Processed {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("再処理されなかった")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

// TestElectorLease はリーダー選出サイドカーによる判定を検証する。
func TestElectorLease(t *testing.T) {
	t.Parallel()

	newElector := func(t *testing.T, status int, body string) string {
		t.Helper()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(server.Close)
		return server.URL
	}

	t.Run("リーダー名がホスト名と一致すればリーダーになること", func(t *testing.T) {
		t.Parallel()

		lease, err := NewElectorLease(newElector(t, http.StatusOK, `{"name":"pod-a"}`), "pod-a")
		if err != nil {
			t.Fatalf("NewElectorLease()でエラーが発生: %v", err)
		}
		leader, err := lease.IsLeader(t.Context())
		if err != nil || !leader {
			t.Errorf("IsLeader() = %v, %v, want true", leader, err)
		}
	})

	t.Run("リーダー名が異なればリーダーでないこと", func(t *testing.T) {
		t.Parallel()

		lease, _ := NewElectorLease(newElector(t, http.StatusOK, `{"name":"pod-b"}`), "pod-a")
		leader, err := lease.IsLeader(t.Context())
		if err != nil || leader {
			t.Errorf("IsLeader() = %v, %v, want false", leader, err)
		}
	})

	t.Run("サイドカーがエラーを返すとエラーになること", func(t *testing.T) {
		t.Parallel()

		lease, _ := NewElectorLease(newElector(t, http.StatusInternalServerError, "oops"), "pod-a")
		if _, err := lease.IsLeader(t.Context()); err == nil {
			t.Error("エラーが返されるべき")
		}
	})

	t.Run("StaticLeaseは固定値を返すこと", func(t *testing.T) {
		t.Parallel()

		leader, _ := StaticLease(false).IsLeader(t.Context())
		if leader {
			t.Error("StaticLease(false) がリーダーになった")
		}
	})
}
