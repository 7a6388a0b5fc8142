package ws

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/billing"
	"github.com/hawkeye-speaks/DRIS1/internal/launcher"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query      string `json:"query" validate:"required,notblank"`
	Foundation int    `json:"foundation,omitempty" validate:"gte=0"`
}

type QueryResponse struct {
	SessionID string `json:"sessionId"`
	Credits   *int   `json:"credits,omitempty"`
}

type SessionsResponse []archive.Record

// SessionResponse is the live view of a session this server is running.
type SessionResponse struct {
	*session.Session
	TokensUsed int `json:"tokensUsed"`
}

type CreditsResponse struct {
	Credits int    `json:"credits"`
	Message string `json:"message,omitempty"`
}

// CheckoutRequest is the body of POST /api/checkout. Price and credit count
// come from the tier, not the client.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var (
	errUnauthorized = errors.New("unauthorized")
	errNoIdentity   = errors.New("sign in required")
	errRateLimited  = errors.New("too many requests")
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, errNoIdentity), errors.Is(err, billing.ErrUnknownUser):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, launcher.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrUnknownTier),
		errors.Is(err, billing.ErrBadSignature),
		errors.Is(err, billing.ErrSignatureExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
