package tripmind

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrEmptyResponse     = errors.New("empty response from model")
	ErrUnparseable       = errors.New("could not parse JSON from response")
	ErrMissingCredential = errors.New("upstream credential is not configured")
	ErrUnknownAction     = errors.New("unknown action")
	ErrNoVideoAsset      = errors.New("video generation failed: no asset returned")
)

// StatusCredentialMissing marks error envelopes caused by an unset upstream
// credential, so clients can tell them apart from other server faults.
const StatusCredentialMissing = "CREDENTIAL_MISSING"

// ErrorKind is the coarse class a failure is reported under, both by the
// dispatcher and by the client gateway.
type ErrorKind string

const (
	KindCredentialInvalid ErrorKind = "credential_invalid"
	KindRateLimited       ErrorKind = "rate_limited"
	KindParseFailure      ErrorKind = "parse_failure"
	KindOther             ErrorKind = "other"
)

func (k ErrorKind) String() string { return string(k) }

// Error is a classified failure. Code mirrors the HTTP-style status the
// dispatcher answers with; Status carries the upstream status string when known.
type Error struct {
	Kind    ErrorKind
	Message string
	Code    int
	Status  string

	Err error

	clientFault bool
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the status the dispatcher writes for this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindCredentialInvalid:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	}
	if e.clientFault {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// UpstreamError is a non-2xx reply from the generative service.
type UpstreamError struct {
	StatusCode int
	Code       int
	Status     string
	Message    string
	Body       string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Status != "" {
		return fmt.Sprintf("upstream %d %s: %s", e.StatusCode, e.Status, msg)
	}
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, msg)
}

var (
	notFoundMarkers  = []string{"404", "not found", "entity was not found"}
	rateLimitMarkers = []string{"429", "quota", "resource_exhausted"}
)

// serialize flattens an error chain into the lowercase text the marker rules
// are matched against.
func serialize(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	var ue *UpstreamError
	if errors.As(err, &ue) {
		fmt.Fprintf(&b, " %d %s %s", ue.StatusCode, ue.Status, ue.Body)
	}
	return strings.ToLower(b.String())
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err is a rate-limit-class failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindRateLimited
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return containsAny(serialize(err), rateLimitMarkers)
}

// Classify maps any error to a classified Error. An error that is already
// classified is returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrUnparseable) {
		return &Error{Kind: KindParseFailure, Message: err.Error(), Err: err}
	}

	s := serialize(err)
	if containsAny(s, notFoundMarkers) {
		return &Error{
			Kind:    KindCredentialInvalid,
			Message: "API Key missing or invalid. Please check server configuration.",
			Code:    http.StatusNotFound,
			Err:     err,
		}
	}
	if containsAny(s, rateLimitMarkers) {
		return &Error{
			Kind:    KindRateLimited,
			Message: "Service is temporarily busy (Quota Exceeded). Please wait a moment.",
			Code:    http.StatusTooManyRequests,
			Status:  "RESOURCE_EXHAUSTED",
			Err:     err,
		}
	}

	out := &Error{Kind: KindOther, Message: err.Error(), Err: err}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		out.Code = ue.Code
		if out.Code == 0 {
			out.Code = ue.StatusCode
		}
		out.Status = ue.Status
		if ue.Message != "" {
			out.Message = ue.Message
		}
	}
	return out
}

func badRequest(format string, args ...any) *Error {
	return &Error{
		Kind:    KindOther,
		Message: fmt.Sprintf(format, args...),
		Code:    http.StatusBadRequest,

		clientFault: true,
	}
}
