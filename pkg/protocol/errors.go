package protocol

import (
	"time"
)

// ErrorPayload is the minimal error shape: {error_code, message, details?}.
type ErrorPayload struct {
	ErrorCode ErrorCode      `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// BuildError is a pure constructor for the minimal error payload.
func BuildError(code ErrorCode, message string, details map[string]any) ErrorPayload {
	p := ErrorPayload{ErrorCode: code, Message: message}
	if len(details) > 0 {
		p.Details = details
	}
	return p
}

// ErrorReport is the full error report sent as the data of an "error" envelope.
// RetryAllowed mirrors Recoverable for clients that predate the field.
type ErrorReport struct {
	ErrorCode    ErrorCode      `json:"error_code"`
	Message      string         `json:"message"`
	ErrorType    ErrorType      `json:"error_type"`
	Severity     Severity       `json:"severity"`
	Recoverable  bool           `json:"recoverable"`
	RetryAllowed bool           `json:"retry_allowed"`
	Details      map[string]any `json:"details,omitempty"`
}

// NewError builds an ErrorReport with the taxonomy defaults for its type:
//
//	validation  error   recoverable
//	connection  error   recoverable
//	execution   fatal   not recoverable
//	data        warning recoverable
//	rate_limit  warning recoverable
func NewError(code ErrorCode, errType ErrorType, message string, details map[string]any) ErrorReport {
	e := ErrorReport{
		ErrorCode:   code,
		Message:     message,
		ErrorType:   errType,
		Severity:    SeverityError,
		Recoverable: true,
	}
	switch errType {
	case ErrorExecution:
		e.Severity = SeverityFatal
		e.Recoverable = false
	case ErrorData, ErrorRateLimit:
		e.Severity = SeverityWarning
	}
	if len(details) > 0 {
		e.Details = details
	}
	e.RetryAllowed = e.Recoverable
	return e
}

// WithSeverity overrides the taxonomy default.
func (e ErrorReport) WithSeverity(s Severity) ErrorReport {
	e.Severity = s
	return e
}

// Payload drops the classification fields.
func (e ErrorReport) Payload() ErrorPayload {
	return BuildError(e.ErrorCode, e.Message, e.Details)
}

func (e ErrorReport) Error() string {
	return string(e.ErrorCode) + ": " + e.Message
}

// ErrorEnvelope wraps an ErrorReport in an "error" envelope.
func ErrorEnvelope(ts time.Time, e ErrorReport, requestID string) Envelope {
	return MustEncode(ts, TypeError, e, requestID)
}
