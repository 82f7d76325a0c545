package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/navikt/klage-notifications-api-sub000/pkg/middleware"
)

// handleEvents は受信者のプッシュストリームをtext/event-streamで配信するハンドラー。
// クライアントの切断、シャットダウン、ストリームの終了のいずれかで応答を終える。
func (s *Server) handleEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		navIdent := middleware.GetNavIdent(c)
		logger := s.logger.With("nav_ident", navIdent)

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		stop := context.AfterFunc(s.streamCtx, cancel)
		defer stop()

		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		logger.Info("プッシュストリームを開始")
		for item := range s.deps.Streams.Open(ctx, navIdent) {
			err := sse.Encode(c.Writer, sse.Event{
				Id:    item.ID,
				Event: item.Event,
				Data:  item.Data,
			})
			if err != nil {
				if isTransportClosed(err) {
					logger.Debug("クライアントが切断されました", "error", err)
				} else {
					logger.Warn("イベントの書き込みに失敗", "event", item.Event, "error", err)
				}
				return
			}
			c.Writer.Flush()
		}
		logger.Info("プッシュストリームを終了")
	}
}

// isTransportClosed は接続の終了による書き込み失敗かどうかを返す。
func isTransportClosed(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, http.ErrHandlerTimeout) ||
		middleware.IsBrokenPipe(err)
}
