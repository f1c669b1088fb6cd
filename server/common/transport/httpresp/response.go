package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrUnknownRoom        = "room not found"
	ErrInvalidCategory    = "unknown unread category"
	ErrInvalidRequest     = "invalid request body"
	ErrBusy               = "unread counters are busy, retry shortly"
	ErrInternal           = "internal error"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewRetryableErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message, Retryable: true}
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}
