package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/navikt/klage-notifications-api-sub000/internal/api"
	"github.com/navikt/klage-notifications-api-sub000/internal/ingest"
	"github.com/navikt/klage-notifications-api-sub000/internal/session"
)

// shutdownTimeout はブローカーとデータベースの解放に使う待ち時間。
const shutdownTimeout = 10 * time.Second

// newServeCommand はサーバーを起動するserveコマンドを生成する。
func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバー、取り込み、デッドレター再処理を起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.close(closeCtx)
			}()
			return serve(ctx, a)
		},
	}
}

// component は個別に停止できるバックグラウンド処理。
type component struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// start はfnを専用のコンテキストで起動する。fnのエラーはerrChに送る。
func start(name string, fn func(ctx context.Context) error, errCh chan<- error) *component {
	ctx, cancel := context.WithCancel(context.Background())
	c := &component{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
	return c
}

// stop は処理を止めて終了を待つ。
func (c *component) stop() {
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

// serve は各処理を起動し、シグナルかいずれかの致命的なエラーで停止する。
// 停止は取り込み、HTTPサーバー、再処理の順に行う。
func serve(ctx context.Context, a *app) error {
	logger := a.logger
	errCh := make(chan error, 3)

	var consumer *component
	if a.cfg.Ingest.Enabled {
		source, err := ingest.NewKafkaSource(a.kafkaOpts, ingest.KafkaSourceConfig{
			ClientID: a.cfg.Kafka.ClientID,
			Group:    a.cfg.Kafka.ConsumerGroup,
			Topic:    a.cfg.Kafka.Topics.Notifications,
		})
		if err != nil {
			return err
		}
		c := ingest.NewConsumer(source, a.processor, logger)
		consumer = start("ingest", c.Run, errCh)
	} else {
		logger.Info("通知イベントの取り込みは無効です")
	}

	reprocessor, err := a.newScheduler()
	if err != nil {
		consumer.stop()
		return err
	}
	var scheduler *component
	if a.cfg.Reprocess.Enabled {
		scheduler = start("reprocess", func(ctx context.Context) error {
			reprocessor.Run(ctx)
			return nil
		}, errCh)
	}

	streams := session.New(a.notifications, a.fabric, session.Options{
		HeartbeatInterval: a.cfg.Stream.HeartbeatInterval,
		BufferSize:        a.cfg.Broadcast.BufferSize,
		Logger:            logger.With("component", "session"),
		Metrics:           a.metrics,
	})
	server := api.NewServer(api.Deps{
		Notifications: a.notifications,
		Streams:       streams,
		DeadLetters:   a.deadLetters,
		Reprocessor:   reprocessor,
		Metrics:       a.metrics,
		Logger:        logger.With("component", "http"),
	}, api.Options{
		Port:           a.cfg.Port,
		JWTSecret:      a.cfg.JWT.Secret,
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		AdminNavIdents: a.cfg.Admin.NavIdents,
	})
	httpServer := start("http", server.Run, errCh)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("シャットダウンを開始")
	case runErr = <-errCh:
		logger.Error("処理が異常終了したためシャットダウンします", "error", runErr)
	}

	consumer.stop()
	httpServer.stop()
	scheduler.stop()
	logger.Info("シャットダウンが完了")
	return runErr
}
