package inference

import (
	"errors"
	"net/http"
)

// Kind classifies a prediction failure.
type Kind int

const (
	// KindInference is an unexpected failure while scaling, classifying
	// or attributing.
	KindInference Kind = iota
	// KindInvalidInput is a request the caller must fix.
	KindInvalidInput
	// KindCanceled means the request context ended before scoring finished.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindCanceled:
		return "canceled"
	default:
		return "inference"
	}
}

// HTTPStatus maps the kind to a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later.
func (k Kind) Retryable() bool {
	return k == KindCanceled
}

// Error is returned by Service.Predict.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// KindOf returns the kind of err, KindInference when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInference
}
