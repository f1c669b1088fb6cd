package api

import (
	"ops_chat/server/chat/domain"
	"ops_chat/server/common/transport/httpresp"
)

const (
	ErrUnauthorized    = httpresp.ErrUnauthorized
	ErrUnknownRoom     = httpresp.ErrUnknownRoom
	ErrInvalidCategory = httpresp.ErrInvalidCategory
	ErrInvalidRequest  = httpresp.ErrInvalidRequest
	ErrBusy            = httpresp.ErrBusy
	ErrInternal        = httpresp.ErrInternal
)

type ErrorResponse = httpresp.ErrorResponse
type HealthResponse = httpresp.HealthResponse

type RoomsResponse struct {
	Rooms []domain.Room `json:"rooms"`
}

type MessagesResponse struct {
	RoomID   string           `json:"roomId"`
	Messages []domain.Message `json:"messages"`
}

type FeedEventRequest struct {
	RecipientIDs []string `json:"recipientIds" binding:"required"`
}

type FeedEventResponse struct {
	Category    string `json:"category"`
	Incremented int    `json:"incremented"`
}

type KudosRequest struct {
	RecipientID string `json:"recipientId" binding:"required"`
	ContextType string `json:"contextType" binding:"required"`
	ContextID   string `json:"contextId" binding:"required"`
}

type KudosResponse struct {
	Counted bool `json:"counted"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewHealthResponse(status string) HealthResponse {
	return httpresp.NewHealthResponse(status)
}
