package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeDuplicateResource   = "DUPLICATE_RESOURCE"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeMarketClosed        = "MARKET_CLOSED"
	ErrCodeEngineBusy          = "ENGINE_BUSY"
	ErrCodeAlreadyTerminal     = "ALREADY_TERMINAL"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// InsufficientBalance sends a 422 response for rejected order submissions
// where the user's free cash or shares cannot cover the order's worst case.
func InsufficientBalance(c *gin.Context, message string) {
	fail(c, http.StatusUnprocessableEntity, ErrCodeInsufficientBalance, message)
}

// MarketClosed sends a 409 response for submissions to a resolved topic.
func MarketClosed(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeMarketClosed, message)
}

// EngineBusy sends a 503 response when a market's intake queue is full.
// The submission had no side effects and is safe to retry.
func EngineBusy(c *gin.Context, message string) {
	fail(c, http.StatusServiceUnavailable, ErrCodeEngineBusy, message)
}

// AlreadyTerminal sends a 409 response for cancels of FILLED/CANCELED orders.
func AlreadyTerminal(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeAlreadyTerminal, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
