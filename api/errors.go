package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrUnsupportedCharset  = errors.New("unsupported charset")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrStrictJSON          = errors.New("top-level JSON value must be an object or array")
	ErrTooManyParameters   = errors.New("too many parameters")
	ErrFormConflict        = errors.New("conflicting form keys")
)

// ParseError is returned by a pipeline stage that could not transform a
// request. Status is the client response code the pipeline answers with.
type ParseError struct {
	Stage  string
	Status int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MalformedBodyError reports a request body that a body stage accepted by
// content type but could not decode. It also satisfies errors.As for
// *ParseError, so callers that only care about stage failures need one check.
type MalformedBodyError struct {
	Stage       string
	ContentType string
	Status      int
	Err         error
}

func (e *MalformedBodyError) Error() string {
	return fmt.Sprintf("malformed %s body: %v", e.ContentType, e.Err)
}

func (e *MalformedBodyError) Unwrap() error {
	return e.Err
}

func (e *MalformedBodyError) As(target interface{}) bool {
	pe, ok := target.(**ParseError)
	if !ok {
		return false
	}
	*pe = &ParseError{Stage: e.Stage, Status: e.Status, Err: e.Err}
	return true
}

func malformed(stage, contentType string, status int, err error) *MalformedBodyError {
	return &MalformedBodyError{Stage: stage, ContentType: contentType, Status: status, Err: err}
}

// statusFor maps a stage failure to its response code. Anything that is not a
// typed stage error is treated as a bad request.
func statusFor(err error) int {
	var mbe *MalformedBodyError
	if errors.As(err, &mbe) && mbe.Status != 0 {
		return mbe.Status
	}
	var pe *ParseError
	if errors.As(err, &pe) && pe.Status != 0 {
		return pe.Status
	}
	return http.StatusBadRequest
}
