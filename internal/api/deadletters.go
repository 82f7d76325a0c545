package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/navikt/klage-notifications-api-sub000/internal/deadletter"
	"github.com/navikt/klage-notifications-api-sub000/pkg/middleware"
)

// handleListDeadLetters はデッドレターを新しい順に返すハンドラー。
// クエリパラメータ processed, reprocess, limit で絞り込める。
func (s *Server) handleListDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f deadletter.Filter
		var ok bool
		if f.Processed, ok = boolQuery(c, "processed"); !ok {
			return
		}
		if f.Reprocess, ok = boolQuery(c, "reprocess"); !ok {
			return
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit <= 0 {
				middleware.AbortWithProblem(c, http.StatusBadRequest, "limitは正の整数で指定してください")
				return
			}
			f.Limit = limit
		}

		records, err := s.deps.DeadLetters.List(c.Request.Context(), f)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// handleGetDeadLetter は1件のデッドレターを返すハンドラー。
func (s *Server) handleGetDeadLetter() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.deps.DeadLetters.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// handleReprocessDeadLetter はデッドレターに再処理フラグを立てるハンドラー。
// 実際の再処理は次回のスケジューラ実行で行われる。
func (s *Server) handleReprocessDeadLetter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.deps.DeadLetters.SetReprocess(c.Request.Context(), c.Param("id")); err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// handleRunReprocess は再処理を即時に1回実行し、結果を返すハンドラー。
func (s *Server) handleRunReprocess() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.deps.Reprocessor.RunOnce(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// boolQuery は真偽値のクエリパラメータを読む。未指定ならnil。
// 不正な値の場合は400を返してfalseを返す。
func boolQuery(c *gin.Context, key string) (*bool, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		middleware.AbortWithProblem(c, http.StatusBadRequest, key+"はtrueまたはfalseで指定してください")
		return nil, false
	}
	return &b, true
}
