package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gamepulse/lobbyd/internal/domain"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: buildMeta(r)})
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}

// DomainError maps a typed domain error onto the envelope, carrying the
// same wire code the websocket surface uses for the same failure.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	var details interface{}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) && validationErr.Field != "" {
		details = map[string]string{"field": validationErr.Field}
	}
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds()))
	}
	Error(w, r, StatusForCode(code), code, err.Error(), details)
}

// StatusForCode is the single wire-code to HTTP-status mapping.
func StatusForCode(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeSessionNotFound:
		return http.StatusNotFound
	case domain.CodeSessionExpired, domain.CodeOTPMismatch, domain.CodeAuthRequired:
		return http.StatusUnauthorized
	case domain.CodeOTPExpired:
		return http.StatusGone
	case domain.CodeOTPLocked:
		return http.StatusLocked
	case domain.CodeAlreadyBound:
		return http.StatusConflict
	case domain.CodeUnknownTopic, domain.CodeUserNotFound:
		return http.StatusNotFound
	case domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
