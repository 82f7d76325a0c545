package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProblemContentType はエラーレスポンスのContent-Type。
const ProblemContentType = "application/problem+json"

// Problem はRFC 9457形式のエラーレスポンス。
type Problem struct {
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// AbortWithProblem はproblem+json形式のエラーを返してリクエストを中断する。
func AbortWithProblem(c *gin.Context, status int, detail string) {
	c.Header("Content-Type", ProblemContentType)
	c.AbortWithStatusJSON(status, Problem{
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
	})
}
