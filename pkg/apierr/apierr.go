// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypePaymentRequired   = "payment_required_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"

	// Auth kinds, all 401 (spec.md §7).
	CodeAuthMissing  = "auth_missing"
	CodeAuthInvalid  = "auth_invalid"
	CodeAuthInactive = "auth_inactive"

	// Payment-required sub-kinds, all 402 (spec.md §7).
	CodeNoPaymentMethod = "no_payment_method"
	CodePaymentFailed   = "payment_failed"
	CodeCapReached      = "cap_reached"
	CodeBlocked         = "blocked"

	// Vault write conflict, 409.
	CodeDimensionMismatch = "dimension_mismatch"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
	// PaymentRequiredPayload extends the standard envelope with the extra
	// fields spec.md §7 requires on 402 responses.
	PaymentRequiredPayload struct {
		APIError
		BalanceCents        int64  `json:"balance_cents"`
		FreeTokensRemaining int64  `json:"free_tokens_remaining"`
		TopUpURL            string `json:"top_up_url,omitempty"`
	}
	paymentEnvelope struct {
		Error PaymentRequiredPayload `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WritePaymentRequired writes a 402 response carrying the balance snapshot
// the client needs to decide whether to top up, per spec.md §7.
func WritePaymentRequired(ctx *fasthttp.RequestCtx, code, message string, balanceCents, freeTokensRemaining int64, topUpURL string) {
	ctx.SetStatusCode(fasthttp.StatusPaymentRequired)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(paymentEnvelope{Error: PaymentRequiredPayload{
		APIError: APIError{
			Message: message,
			Type:    TypePaymentRequired,
			Code:    code,
		},
		BalanceCents:        balanceCents,
		FreeTokensRemaining: freeTokensRemaining,
		TopUpURL:            topUpURL,
	}})
	ctx.SetBody(body)
}

// WriteAuth writes a 401 response for the given auth-failure code
// (auth_missing, auth_invalid, auth_inactive).
func WriteAuth(ctx *fasthttp.RequestCtx, code, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, code)
}

// WriteValidation writes a 400 response.
func WriteValidation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteDimensionMismatch writes a 409 response for a vault-write embedding
// dimension mismatch (spec.md §7; never surfaced on the request path).
func WriteDimensionMismatch(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusConflict, message, TypeInvalidRequest, CodeDimensionMismatch)
}
