package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"syscall"

	"github.com/gin-gonic/gin"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// クライアントの切断による書き込み失敗は警告ログだけを残し、レスポンスは書かない。
// それ以外のパニックはスタックトレースをログに出力し、500エラーを返す。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && IsBrokenPipe(err) {
				logger.Warn("クライアントが切断されました",
					"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
				c.Abort()
				return
			}

			logger.Error("パニックが発生しました",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			AbortWithProblem(c, http.StatusInternalServerError, "内部サーバーエラーが発生しました")
		}()
		c.Next()
	}
}

// IsBrokenPipe はクライアントの切断による書き込み失敗かどうかを返す。
func IsBrokenPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EPIPE) || errors.Is(sysErr.Err, syscall.ECONNRESET)
		}
	}
	return false
}
