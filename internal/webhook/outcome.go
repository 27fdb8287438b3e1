package webhook

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorClass is the diagnostic category of a failed attempt.
type ErrorClass string

const (
	ClassNone                  ErrorClass = ""
	ClassInvalidURL            ErrorClass = "INVALID_URL"
	ClassTimeout               ErrorClass = "TIMEOUT"
	ClassConnectionRefused     ErrorClass = "CONNECTION_REFUSED"
	ClassDNSFailure            ErrorClass = "DNS_FAILURE"
	ClassConnectionReset       ErrorClass = "CONNECTION_RESET"
	ClassHTTPClientError       ErrorClass = "HTTP_CLIENT_ERROR"
	ClassHTTPServerError       ErrorClass = "HTTP_SERVER_ERROR"
	ClassUnknownTransportError ErrorClass = "UNKNOWN_TRANSPORT_ERROR"
)

// OutcomeKind is the result of a single attempt.
type OutcomeKind string

const (
	OutcomeDelivered      OutcomeKind = "DELIVERED"
	OutcomeRejected       OutcomeKind = "REJECTED"
	OutcomeTimeout        OutcomeKind = "TIMEOUT"
	OutcomeTransportError OutcomeKind = "TRANSPORT_ERROR"
	// OutcomeCanceled means the caller abandoned the attempt. It is never
	// counted as an attempt.
	OutcomeCanceled OutcomeKind = "CANCELED"
)

// Outcome describes one executed attempt.
type Outcome struct {
	Kind         OutcomeKind
	StatusCode   int // set for DELIVERED and REJECTED
	Class        ErrorClass
	Reason       string // human readable diagnostic
	ResponseTime time.Duration
	ResponseBody string // truncated receiver response, for diagnostics only
	Err          error  // underlying transport error, if any
}

func (o Outcome) Delivered() bool { return o.Kind == OutcomeDelivered }

// Attempt is the trace record of one try within a delivery.
type Attempt struct {
	DeliveryID     string
	AttemptNumber  int
	StartedAt      time.Time
	HTTPStatus     int
	ErrorClass     ErrorClass
	Reason         string
	ResponseTimeMs int64
	Outcome        OutcomeKind
}

// classifyStatus maps a non-2xx status to its class and diagnostic reason.
func classifyStatus(code int) (ErrorClass, string) {
	class := ClassHTTPClientError
	if code >= 500 {
		class = ClassHTTPServerError
	}

	var reason string
	switch {
	case code == http.StatusBadRequest:
		reason = "bad request: receiver rejected the payload"
	case code == http.StatusUnauthorized:
		reason = "unauthorized: receiver rejected the credentials or signature"
	case code == http.StatusForbidden:
		reason = "forbidden: receiver refused the delivery"
	case code == http.StatusNotFound:
		reason = "not found: webhook path does not exist"
	case code == http.StatusRequestTimeout:
		reason = "request timeout reported by receiver"
	case code == http.StatusTooManyRequests:
		reason = "rate limited by receiver"
	case code >= 500:
		reason = "receiver server error"
	case code >= 300 && code < 400:
		reason = "unexpected redirect"
	default:
		reason = "unexpected status"
	}
	return class, fmt.Sprintf("HTTP %d: %s", code, reason)
}
