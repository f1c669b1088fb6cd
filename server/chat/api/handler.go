package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/rooms"
	"ops_chat/server/chat/service"
	"ops_chat/server/chat/unread"
	commonauth "ops_chat/server/common/auth"
	commonlog "ops_chat/server/common/log"
	"ops_chat/server/common/middleware"
	"ops_chat/server/common/transport/httpresp"
)

type Handler struct {
	chat           *service.ChatService
	ws             *service.RealtimeService
	auth           *commonauth.Service
	wsAuthRequired bool
}

func NewHandler(chat *service.ChatService, ws *service.RealtimeService, auth *commonauth.Service, wsAuthRequired bool) *Handler {
	return &Handler{chat: chat, ws: ws, auth: auth, wsAuthRequired: wsAuthRequired}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", middleware.OptionalAuth(h.auth, h.wsAuthRequired), h.ws.HandleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/rooms", h.listRooms)
		api.GET("/rooms/:id/messages", h.listMessages)
		api.GET("/unread-counts", h.getUnreadCounts)
		api.POST("/unread-counts/:category/read", h.markRead)
		api.POST("/mark-all-read", h.markAllRead)
		api.POST("/events/direct", h.recordFeedEvent(domain.CategoryDirect))
		api.POST("/events/groups", h.recordFeedEvent(domain.CategoryGroups))
		api.POST("/events/kudos", h.recordKudos)
	}
}

func (h *Handler) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.chat.Rooms()})
}

func (h *Handler) listMessages(c *gin.Context) {
	roomID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	items, err := h.chat.History(c.Request.Context(), roomID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	c.JSON(http.StatusOK, MessagesResponse{RoomID: roomID, Messages: items})
}

func (h *Handler) getUnreadCounts(c *gin.Context) {
	id := mustIdentity(c)
	snap, err := h.chat.UnreadCounts(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) markRead(c *gin.Context) {
	id := mustIdentity(c)
	snap, err := h.chat.MarkRead(c.Request.Context(), id.UserID, c.Param("category"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) markAllRead(c *gin.Context) {
	id := mustIdentity(c)
	snap, err := h.chat.MarkAllRead(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) recordFeedEvent(category string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FeedEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
			return
		}
		id := mustIdentity(c)
		n, err := h.chat.RecordFeedEvent(c.Request.Context(), category, id.UserID, req.RecipientIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, FeedEventResponse{Category: category, Incremented: n})
	}
}

func (h *Handler) recordKudos(c *gin.Context) {
	var req KudosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
		return
	}
	id := mustIdentity(c)
	counted, err := h.chat.RecordKudos(c.Request.Context(), domain.KudosEvent{
		SenderID:    id.UserID,
		RecipientID: strings.TrimSpace(req.RecipientID),
		ContextType: strings.TrimSpace(req.ContextType),
		ContextID:   strings.TrimSpace(req.ContextID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, KudosResponse{Counted: counted})
}

// mustIdentity is only used behind AuthRequired.
func mustIdentity(c *gin.Context) commonauth.Identity {
	id, _ := middleware.IdentityFromContext(c)
	return id
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrUnknownRoom):
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrUnknownRoom))
	case errors.Is(err, unread.ErrEmptyRecipient):
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
	case errors.Is(err, unread.ErrEmptyUser):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
	case errors.Is(err, service.ErrUnknownCategory), errors.Is(err, service.ErrNotFeedCategory),
		errors.Is(err, unread.ErrEmptyCategory):
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidCategory))
	case errors.Is(err, unread.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, httpresp.NewRetryableErrorResponse(ErrBusy))
	default:
		commonlog.Errorf("event=http_request action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(ErrInternal))
	}
}
