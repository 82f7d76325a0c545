package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/navikt/klage-notifications-api-sub000/internal/broadcast"
	"github.com/navikt/klage-notifications-api-sub000/internal/config"
	"github.com/navikt/klage-notifications-api-sub000/internal/database"
	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
	"github.com/navikt/klage-notifications-api-sub000/internal/ingest"
	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/pkg/logging"
)

// app はサーバーとCLIで共有するコンポーネント一式。
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	db        *sql.DB
	metrics   *metrics.Recorder
	// instanceID はこのプロセスを識別する。ブロードキャストの購読はレプリカごとに独立する。
	instanceID    string
	kafkaOpts     []kgo.Opt
	producer      *broadcast.KafkaProducer
	fabric        *broadcast.Fabric
	notifications *notification.Store
	deadLetters   *deadletter.Store
	processor     *ingest.Processor
}

// newApp は設定を読み込み、コンポーネントを組み立てる。
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		logCloser:  logCloser,
		metrics:    metrics.New(),
		instanceID: instanceID(),
	}

	a.db, err = database.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if cfg.UsesKafka() {
		a.kafkaOpts, err = cfg.Kafka.ClientOptions()
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	if err := a.buildFabric(); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.notifications = notification.NewStore(a.db, a.fabric, logger)
	a.deadLetters = deadletter.NewStore(a.db)
	a.processor = ingest.NewProcessor(a.notifications, a.deadLetters, a.fabric, ingest.ProcessorOptions{
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		RetryBackoff: cfg.Ingest.RetryBackoff,
		Logger:       logger.With("component", "ingest"),
		Metrics:      a.metrics,
	})
	return a, nil
}

// buildFabric は設定に応じてレプリカ間ブロードキャストを組み立てる。
func (a *app) buildFabric() error {
	opts := broadcast.ChannelOptions{
		BufferSize: a.cfg.Broadcast.BufferSize,
		Logger:     a.logger.With("component", "broadcast"),
		Metrics:    a.metrics,
	}

	if a.cfg.Broadcast.Mode == config.BroadcastLoopback {
		a.logger.Warn("ループバックのブロードキャストを使用します。他のレプリカには配信されません")
		a.fabric = broadcast.NewLoopbackFabric(opts)
		return nil
	}

	producer, err := broadcast.NewKafkaProducer(a.kafkaOpts, a.cfg.Kafka.ClientID+"-producer-"+a.instanceID)
	if err != nil {
		return err
	}
	a.producer = producer

	topics := broadcast.Topics{
		Created: a.cfg.Kafka.Topics.Created,
		Changes: a.cfg.Kafka.Topics.Changes,
	}
	created := broadcast.NewKafkaUpstream(a.kafkaOpts, topics.Created, a.instanceID, opts.Logger)
	changes := broadcast.NewKafkaUpstream(a.kafkaOpts, topics.Changes, a.instanceID, opts.Logger)
	a.fabric = broadcast.NewFabric(producer, topics, created, changes, opts)
	return nil
}

// newScheduler はデッドレター再処理のスケジューラを組み立てる。
func (a *app) newScheduler() (*deadletter.Scheduler, error) {
	var lease deadletter.Lease = deadletter.StaticLease(a.cfg.Leader.Static)
	if a.cfg.Leader.ElectorURL != "" {
		elector, err := deadletter.NewElectorLease(a.cfg.Leader.ElectorURL, "")
		if err != nil {
			return nil, err
		}
		lease = elector
	}
	return deadletter.NewScheduler(
		a.deadLetters,
		a.processor,
		lease,
		a.cfg.Reprocess.Interval,
		a.logger,
		a.metrics,
	), nil
}

// close はブローカー、データベース、ログ出力の順に解放する。
func (a *app) close(ctx context.Context) {
	if a.producer != nil {
		a.producer.Close(ctx)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("データベースのクローズに失敗", "error", err)
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "ログ出力のクローズに失敗: %v\n", err)
		}
	}
}

// instanceID はホスト名とランダムな接尾辞からプロセスの識別子を作る。
func instanceID() string {
	suffix := uuid.New().String()[:8]
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname + "-" + suffix
	}
	return suffix
}
