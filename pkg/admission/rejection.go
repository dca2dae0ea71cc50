package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Code identifies why a request was rejected. Codes are part of the public
// API and never carry internal detail.
type Code string

const (
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeMissingSignature     Code = "MISSING_SIGNATURE"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeTokenLimitExceeded   Code = "TOKEN_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded   Code = "DAILY_QUOTA_EXCEEDED"
	CodeMonthlyQuotaExceeded Code = "MONTHLY_QUOTA_EXCEEDED"
	CodeIPBlacklisted        Code = "IP_BLACKLISTED"
	CodeIPNotWhitelisted     Code = "IP_NOT_WHITELISTED"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeInternalError        Code = "INTERNAL_ERROR"
	CodeUpstreamError        Code = "UPSTREAM_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
)

// Status returns the HTTP status for the code.
func (c Code) Status() int {
	switch c {
	case CodeRateLimitExceeded, CodeDailyQuotaExceeded, CodeMonthlyQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeMissingSignature, CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodeTokenLimitExceeded, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeIPBlacklisted, CodeIPNotWhitelisted:
		return http.StatusForbidden
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Rejection is the client-facing refusal.
type Rejection struct {
	Status            int    `json:"-"`
	Code              Code   `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"-"`
}

func reject(code Code, message string) *Rejection {
	return &Rejection{Status: code.Status(), Code: code, Message: message}
}

// NewRejection builds a Rejection for handlers that refuse a request after
// admission.
func NewRejection(code Code, message string) *Rejection {
	return reject(code, message)
}

// Error implements error so a Rejection can travel through error returns.
func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Message
}

type errorBody struct {
	Error             *Rejection `json:"error"`
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
}

// WriteError writes the JSON error envelope.
func WriteError(w http.ResponseWriter, rej *Rejection) {
	w.Header().Set("Content-Type", "application/json")
	if rej.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(rej.RetryAfterSeconds, 10))
	}
	w.WriteHeader(rej.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: rej, RetryAfterSeconds: rej.RetryAfterSeconds})
}
