package gateway

import (
	"errors"
	"net/http"

	"github.com/vyrodovalexey/keygate/internal/forwarder"
	"github.com/vyrodovalexey/keygate/internal/observability"
	"github.com/vyrodovalexey/keygate/internal/validator"
)

// Sentinel errors for gateway operations.
var (
	// ErrGatewayNotStopped indicates that the gateway is not in
	// stopped state when a start operation is attempted.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")

	// ErrGatewayNotRunning indicates that the gateway is not
	// running when a stop operation is attempted.
	ErrGatewayNotRunning = errors.New("gateway is not running")

	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")

	// ErrRateLimited indicates that the client's bucket is empty.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBudgetExhausted indicates that the global upstream budget is spent.
	ErrBudgetExhausted = errors.New("upstream budget exhausted")

	// ErrMethodNotAllowed indicates a method other than POST or OPTIONS.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Messages returned to callers. They never include internal detail.
const (
	msgMissingOperation    = "missing operation"
	msgInvalidOperation    = "invalid operation"
	msgRateLimited         = "rate limit exceeded"
	msgUpstreamUnreachable = "upstream unreachable"
	msgMethodNotAllowed    = "method not allowed"
	msgInternal            = "internal server error"
)

// errorResponse is the JSON body of every gateway-generated error.
type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps a failure to its HTTP status, caller-facing message
// and metrics outcome. Unknown errors map to a generic 500.
func statusForError(err error) (status int, message, outcome string) {
	switch {
	case errors.Is(err, validator.ErrMissingOperation):
		return http.StatusBadRequest, msgMissingOperation, observability.OutcomeBadRequest
	case errors.Is(err, validator.ErrInvalidOperation):
		return http.StatusBadRequest, msgInvalidOperation, observability.OutcomeBadRequest
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrBudgetExhausted):
		return http.StatusTooManyRequests, msgRateLimited, observability.OutcomeRateLimited
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, msgMethodNotAllowed, observability.OutcomeMethodRejected
	case errors.Is(err, forwarder.ErrMissingCredential):
		return http.StatusInternalServerError, msgInternal, observability.OutcomeInternalError
	case errors.Is(err, forwarder.ErrUpstreamUnreachable), errors.Is(err, forwarder.ErrCircuitOpen):
		return http.StatusBadGateway, msgUpstreamUnreachable, observability.OutcomeUpstreamFailed
	default:
		return http.StatusInternalServerError, msgInternal, observability.OutcomeInternalError
	}
}
