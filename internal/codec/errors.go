package codec

import "encoding/json"

// ErrorCode is the closed set of client-addressable error codes. A client
// or server sending a code outside this set is a protocol bug.
type ErrorCode string

const (
	ErrAuthInvalid        ErrorCode = "AUTH_INVALID"
	ErrAuthMalformed      ErrorCode = "AUTH_MALFORMED"
	ErrAuthUnavailable    ErrorCode = "AUTH_UNAVAILABLE"
	ErrValidation         ErrorCode = "VALIDATION"
	ErrOverflow           ErrorCode = "OVERFLOW"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrPoolFull           ErrorCode = "POOL_FULL"
	ErrSlowClient         ErrorCode = "SLOW_CLIENT"
	ErrDeadLetter         ErrorCode = "DEAD_LETTER"
	ErrConflictVersion    ErrorCode = "CONFLICT_VERSION"
	ErrReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Severity classifies an error frame for client-side triage.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// defaultSeverity assigns a severity when the caller doesn't need to
// pick one explicitly; connection- or session-fatal kinds rank above
// kinds the client can recover from without losing the connection.
func defaultSeverity(code ErrorCode) Severity {
	switch code {
	case ErrInternal, ErrReconnectExhausted, ErrDeadLetter:
		return SeverityCritical
	case ErrAuthInvalid, ErrAuthMalformed, ErrAuthUnavailable, ErrPoolFull, ErrSlowClient:
		return SeverityHigh
	case ErrOverflow, ErrConflictVersion:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorFrame is the payload of a type=error envelope.
type ErrorFrame struct {
	ErrorCode    ErrorCode `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Details      any       `json:"details,omitempty"`
	Severity     Severity  `json:"severity"`
}

// NewErrorEnvelope builds a ready-to-send error envelope.
func NewErrorEnvelope(code ErrorCode, message string, details any) (*Envelope, error) {
	payload, err := json.Marshal(ErrorFrame{
		ErrorCode:    code,
		ErrorMessage: message,
		Details:      details,
		Severity:     defaultSeverity(code),
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeError, Payload: payload}, nil
}

// CloseCode is a WebSocket close status code used by this gateway.
type CloseCode uint16

const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	ClosePolicyViolation    CloseCode = 1008
	CloseInternalError      CloseCode = 1011
	CloseRateLimitExceeded  CloseCode = 4001
	CloseSessionExpired     CloseCode = 4002
	CloseReconnectExhausted CloseCode = 4003
)

// CloseCodeFor maps an error code to the close code the connection should
// be torn down with, for the error conditions that are connection- or
// session-fatal. Kinds the client can recover from without losing the
// connection (VALIDATION, CONFLICT_VERSION) map to CloseNormal and are never
// used to actually close a socket. RATE_LIMIT maps to 4001; a per-message
// rate-limit deny reports RATE_LIMIT without closing the connection.
func CloseCodeFor(code ErrorCode) CloseCode {
	switch code {
	case ErrAuthInvalid, ErrAuthMalformed, ErrPoolFull:
		return ClosePolicyViolation
	case ErrInternal, ErrAuthUnavailable, ErrSlowClient:
		return CloseInternalError
	case ErrRateLimit:
		return CloseRateLimitExceeded
	case ErrReconnectExhausted:
		return CloseReconnectExhausted
	default:
		return CloseNormal
	}
}
