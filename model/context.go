package model

import (
	"context"
	"errors"
)

// ErrMissingSubject is returned by Validate when the token carried no sub.
var ErrMissingSubject = errors.New("request context: subject is required")

// RequestContext is the authenticated caller of one request. Role is the
// verified token role and stays empty when the token carried none; it is
// never filled from request headers.
type RequestContext struct {
	SubjectID     string
	Email         string
	Role          string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate rejects a context without a subject.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return ErrMissingSubject
	}
	return nil
}

// HasTokenRole reports whether the token itself asserted a role.
func (rc *RequestContext) HasTokenRole() bool {
	return rc.Role != ""
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns nil for unauthenticated contexts.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
