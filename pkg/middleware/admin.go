package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAdmin は許可リストにあるNAVidentだけを通すGinミドルウェアを返す。
// JWTAuthの後に適用する。許可リストが空なら全員に403を返す。
func RequireAdmin(navIdents []string) gin.HandlerFunc {
	admins := make(map[string]struct{}, len(navIdents))
	for _, id := range navIdents {
		if id != "" {
			admins[id] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if _, ok := admins[GetNavIdent(c)]; !ok {
			AbortWithProblem(c, http.StatusForbidden, "管理者権限が必要です")
			return
		}
		c.Next()
	}
}
