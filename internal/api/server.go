package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/internal/session"
	"github.com/navikt/klage-notifications-api-sub000/pkg/middleware"
)

// DefaultShutdownTimeout はグレースフルシャットダウンの既定の待ち時間。
const DefaultShutdownTimeout = 15 * time.Second

// NotificationService は受信者本人による通知の参照と操作。
type NotificationService interface {
	Backlog(ctx context.Context, navIdent string) ([]notification.Notification, error)
	GetOwned(ctx context.Context, navIdent, id string) (notification.Notification, error)
	MarkRead(ctx context.Context, navIdent, id string) error
	MarkReadMultiple(ctx context.Context, navIdent string, ids []string) error
	MarkAllRead(ctx context.Context, navIdent string) (int, error)
	MarkUnread(ctx context.Context, navIdent, id string) error
	MarkUnreadMultiple(ctx context.Context, navIdent string, ids []string) error
	Delete(ctx context.Context, navIdent, id string) error
	DeleteMultiple(ctx context.Context, navIdent string, ids []string) error
}

// StreamOpener は受信者ごとのプッシュストリームを開く。
type StreamOpener interface {
	Open(ctx context.Context, navIdent string) <-chan session.Item
}

// DeadLetterAdmin はデッドレターの参照と再処理フラグの設定。
type DeadLetterAdmin interface {
	List(ctx context.Context, f deadletter.Filter) ([]deadletter.Record, error)
	Get(ctx context.Context, id string) (*deadletter.Record, error)
	SetReprocess(ctx context.Context, id string) error
}

// ReprocessRunner は再処理を1回実行する。
type ReprocessRunner interface {
	RunOnce(ctx context.Context) (deadletter.Result, error)
}

// Deps はServerが依存するコンポーネント。
// DeadLettersがnilの場合、管理用エンドポイントは登録しない。
type Deps struct {
	Notifications NotificationService
	Streams       StreamOpener
	DeadLetters   DeadLetterAdmin
	Reprocessor   ReprocessRunner
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

// Options はServerの設定。
type Options struct {
	Port           int
	JWTSecret      string
	AllowedOrigins []string
	// AdminNavIdents はデッドレター管理用エンドポイントを呼べる職員。
	AdminNavIdents  []string
	ShutdownTimeout time.Duration
}

// Server は通知配信サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はリッスンアドレス。
	addr string
	deps Deps
	// streamCtx はシャットダウン開始時にキャンセルされ、開いているストリームを終わらせる。
	streamCtx       context.Context
	stopStreams     context.CancelFunc
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer は新しいHTTPサーバーを生成する。
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	router := gin.New()
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger, "/health", "/metrics", "/api/v1/notifications/events"))
	if len(opts.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(opts.AllowedOrigins))
	}

	streamCtx, stopStreams := context.WithCancel(context.Background())
	s := &Server{
		router:          router,
		addr:            fmt.Sprintf(":%d", opts.Port),
		deps:            deps,
		streamCtx:       streamCtx,
		stopStreams:     stopStreams,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          deps.Logger,
	}
	s.setupRoutes(opts.JWTSecret, opts.AdminNavIdents)
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
// シャットダウン開始時に開いているストリームはすべて閉じられる。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%s のリッスンに失敗: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定されたリスナーでHTTPサーバーを起動する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.stopStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.stopStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーのシャットダウンに失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string, adminNavIdents []string) {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// プッシュストリーム
			notifications.GET("/events", s.handleEvents())
			notifications.GET("", s.handleList())
			notifications.GET("/:id", s.handleGet())
			notifications.PATCH("/read-all", s.handleMarkAllRead())
			notifications.PATCH("/read-multiple", s.handleMultiple(s.deps.Notifications.MarkReadMultiple))
			notifications.PATCH("/unread-multiple", s.handleMultiple(s.deps.Notifications.MarkUnreadMultiple))
			notifications.PATCH("/:id/read", s.handleSingle(s.deps.Notifications.MarkRead))
			notifications.PATCH("/:id/unread", s.handleSingle(s.deps.Notifications.MarkUnread))
			notifications.DELETE("/:id", s.handleSingle(s.deps.Notifications.Delete))
			notifications.DELETE("", s.handleMultiple(s.deps.Notifications.DeleteMultiple))
		}

		if s.deps.DeadLetters != nil {
			deadLetters := api.Group("/admin/dead-letters")
			deadLetters.Use(middleware.RequireAdmin(adminNavIdents))
			{
				deadLetters.GET("", s.handleListDeadLetters())
				deadLetters.GET("/:id", s.handleGetDeadLetter())
				deadLetters.POST("/:id/reprocess", s.handleReprocessDeadLetter())
				if s.deps.Reprocessor != nil {
					deadLetters.POST("/run", s.handleRunReprocess())
				}
			}
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "klage-notifications"})
	})
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// respondError はエラーの種類に応じたproblem+jsonレスポンスを返す。
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, deadletter.ErrNotFound):
		middleware.AbortWithProblem(c, http.StatusNotFound, err.Error())
	case errors.Is(err, notification.ErrForbidden):
		middleware.AbortWithProblem(c, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("リクエストの処理に失敗",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		middleware.AbortWithProblem(c, http.StatusInternalServerError, "内部サーバーエラーが発生しました")
	}
}
