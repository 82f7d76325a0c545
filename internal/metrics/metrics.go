// Package metrics は通知サービスのPrometheusメトリクスを提供する。
//
// Recorderのメソッドはnilレシーバーでも安全に呼び出せる。
// メトリクスを使わないテストやCLIコマンドではnilを渡せばよい。
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klage_notifications"

// Recorder は各コンポーネントから呼ばれるメトリクスの記録先。
type Recorder struct {
	registry *prometheus.Registry

	ingested         *prometheus.CounterVec
	duplicates       prometheus.Counter
	deadLettered     prometheus.Counter
	dlqWriteFailures prometheus.Counter
	reprocessed      *prometheus.CounterVec
	broadcastDropped *prometheus.CounterVec
	openStreams      prometheus.Gauge

	// dlqPending と dlqUnprocessed はスケジューラーだけが書き込み、
	// エクスポーターはロックなしで読み出す。
	dlqPending     atomic.Int64
	dlqUnprocessed atomic.Int64
}

// New は専用のレジストリにメトリクスを登録したRecorderを生成する。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "取り込んで新規に保存した通知の数",
		}, []string{"type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_ingest_total",
			Help:      "冪等性キーが既に存在したため無視した通知の数",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "デッドレターに記録したメッセージの数",
		}),
		dlqWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_write_failures_total",
			Help:      "デッドレターへの記録にも失敗したメッセージの数",
		}),
		reprocessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_reprocessed_total",
			Help:      "デッドレターの再処理結果",
		}, []string{"outcome"}),
		broadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "購読者のバッファが満杯で破棄したイベントの数",
		}, []string{"channel"}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "接続中のプッシュストリームの数",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ingested,
		r.duplicates,
		r.deadLettered,
		r.dlqWriteFailures,
		r.reprocessed,
		r.broadcastDropped,
		r.openStreams,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters_pending_reprocessing",
			Help:      "再処理フラグが立っているデッドレターの数",
		}, func() float64 { return float64(r.dlqPending.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters_unprocessed",
			Help:      "未処理のデッドレターの数",
		}, func() float64 { return float64(r.dlqUnprocessed.Load()) }),
	)
	return r
}

// Registry はメトリクスを登録したレジストリを返す。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler はPrometheusのテキスト形式でメトリクスを返すHTTPハンドラー。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Ingested は新規に保存した通知を数える。
func (r *Recorder) Ingested(kind string) {
	if r == nil {
		return
	}
	r.ingested.WithLabelValues(kind).Inc()
}

// Duplicate は重複として無視した通知を数える。
func (r *Recorder) Duplicate() {
	if r == nil {
		return
	}
	r.duplicates.Inc()
}

// DeadLettered はデッドレターに記録したメッセージを数える。
func (r *Recorder) DeadLettered() {
	if r == nil {
		return
	}
	r.deadLettered.Inc()
}

// DeadLetterWriteFailed はデッドレターへの記録に失敗したメッセージを数える。
func (r *Recorder) DeadLetterWriteFailed() {
	if r == nil {
		return
	}
	r.dlqWriteFailures.Inc()
}

// Reprocessed はデッドレター再処理の結果を数える。
func (r *Recorder) Reprocessed(success bool) {
	if r == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.reprocessed.WithLabelValues(outcome).Inc()
}

// BroadcastDropped は購読者に届けられなかったイベントを数える。
func (r *Recorder) BroadcastDropped(channel string) {
	if r == nil {
		return
	}
	r.broadcastDropped.WithLabelValues(channel).Inc()
}

// StreamOpened はプッシュストリームの接続を数える。
func (r *Recorder) StreamOpened() {
	if r == nil {
		return
	}
	r.openStreams.Inc()
}

// StreamClosed はプッシュストリームの切断を数える。
func (r *Recorder) StreamClosed() {
	if r == nil {
		return
	}
	r.openStreams.Dec()
}

// SetDeadLetterGauges はデッドレターの件数ゲージを更新する。
func (r *Recorder) SetDeadLetterGauges(pending, unprocessed int64) {
	if r == nil {
		return
	}
	r.dlqPending.Store(pending)
	r.dlqUnprocessed.Store(unprocessed)
}
