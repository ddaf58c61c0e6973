package divratio

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrMalformedResponse = errors.New("malformed response")
)

type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

type FetchError struct {
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type ErrorKind string

const (
	KindProvider  ErrorKind = "provider"
	KindNotFound  ErrorKind = "not-found"
	KindMalformed ErrorKind = "malformed"
	KindCanceled  ErrorKind = "canceled"
)

// KindOf classifies an error returned by a Fetcher.
func KindOf(err error) ErrorKind {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, ErrSymbolNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrMalformedResponse) {
		return KindMalformed
	}

	var herr *HTTPError
	if errors.As(err, &herr) && herr.StatusCode == 404 {
		return KindNotFound
	}
	return KindProvider
}

type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Outcome is the result of one calculation: either Result or Failure is
// set, never both.
type Outcome struct {
	Result  *ResultSet `json:"result,omitempty"`
	Failure *Failure   `json:"failure,omitempty"`
}

func Success(rs *ResultSet) *Outcome {
	return &Outcome{Result: rs}
}

func Fail(err error) *Outcome {
	return &Outcome{
		Failure: &Failure{
			Kind:    KindOf(err),
			Message: err.Error(),
		},
	}
}

func (o *Outcome) Failed() bool {
	return o != nil && o.Failure != nil
}
