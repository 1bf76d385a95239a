package api

import (
	"context"
	"time"
)

// contextKey is a private type so values stored by the pipeline cannot be
// overwritten from other packages (staticcheck SA1029).
type contextKey string

const (
	// ContextKeyRequestID stores the request identifier (string)
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTraceStart stores the request start time (time.Time)
	ContextKeyTraceStart contextKey = "trace_start"

	// ContextKeyPayload stores the parsed request body (*Payload)
	ContextKeyPayload contextKey = "payload"

	// ContextKeyCookies stores the parsed Cookie header (Cookies)
	ContextKeyCookies contextKey = "cookies"

	// ContextKeyCredential stores the credential cookie value (string)
	ContextKeyCredential contextKey = "credential"
)

// Payload is a parsed request body. ParsedBy names the stage that consumed
// the body; once set, later body stages leave the request alone.
type Payload struct {
	ParsedBy string
	Value    interface{}
}

// Cookies maps cookie names to their decoded values: a string, or the
// decoded JSON value for "j:" cookies.
type Cookies map[string]interface{}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	return requestID, ok
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// GetTraceStart extracts the time the request entered the server.
func GetTraceStart(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(ContextKeyTraceStart).(time.Time)
	return start, ok
}

func WithTraceStart(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyTraceStart, start)
}

// WithPayload returns a context carrying the parsed body.
func WithPayload(ctx context.Context, p *Payload) context.Context {
	return context.WithValue(ctx, ContextKeyPayload, p)
}

// BodyFromContext returns the parsed body. Requests no body stage consumed
// get an empty object, so handlers never see a nil body.
func BodyFromContext(ctx context.Context) *Payload {
	if p, ok := ctx.Value(ContextKeyPayload).(*Payload); ok && p != nil {
		return p
	}
	return &Payload{Value: map[string]interface{}{}}
}

func bodyParsed(ctx context.Context) bool {
	p, ok := ctx.Value(ContextKeyPayload).(*Payload)
	return ok && p != nil && p.ParsedBy != ""
}

func WithCookies(ctx context.Context, c Cookies) context.Context {
	return context.WithValue(ctx, ContextKeyCookies, c)
}

// CredentialsFromContext returns the parsed cookies. It is never nil once the
// cookie stage has run.
func CredentialsFromContext(ctx context.Context) Cookies {
	c, _ := ctx.Value(ContextKeyCookies).(Cookies)
	return c
}

func WithCredential(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextKeyCredential, token)
}

// CredentialToken returns the configured credential cookie, if the request
// carried one.
func CredentialToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ContextKeyCredential).(string)
	return token, ok && token != ""
}
