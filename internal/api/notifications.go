package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navikt/klage-notifications-api-sub000/internal/notification"
	"github.com/navikt/klage-notifications-api-sub000/pkg/middleware"
)

// idsRequest は複数の通知をまとめて操作するリクエストボディ。
type idsRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

// countResponse は更新件数を返すレスポンス。
type countResponse struct {
	Count int `json:"count"`
}

// handleList は削除されていない通知の一覧を古い順に返すハンドラー。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		ns, err := s.deps.Notifications.Backlog(c.Request.Context(), middleware.GetNavIdent(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, notification.ToViews(ns))
	}
}

// handleGet は1件の通知を返すハンドラー。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Notifications.GetOwned(c.Request.Context(), middleware.GetNavIdent(c), c.Param("id"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, notification.ToView(n))
	}
}

// handleSingle は1件の通知を操作するハンドラーを返す。
func (s *Server) handleSingle(op func(ctx context.Context, navIdent, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context(), middleware.GetNavIdent(c), c.Param("id")); err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleMultiple は複数の通知をまとめて操作するハンドラーを返す。
// 1件でも操作できない通知があれば、どの通知も変更しない。
func (s *Server) handleMultiple(op func(ctx context.Context, navIdent string, ids []string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req idsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithProblem(c, http.StatusBadRequest, "idsには1件以上の通知IDが必要です")
			return
		}
		if err := op(c.Request.Context(), middleware.GetNavIdent(c), req.IDs); err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleMarkAllRead は受信者の未読通知をすべて既読にするハンドラー。
func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.deps.Notifications.MarkAllRead(c.Request.Context(), middleware.GetNavIdent(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, countResponse{Count: n})
	}
}
