// Package faults normalizes failures from storage, metadata, validation and
// conversion into one typed taxonomy and decides how each kind is recovered or
// retried.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redbco/redb-entities/pkg/adapter"
)

// Kind is the failure class
type Kind string

const (
	KindValidation      Kind = "validation"
	KindParsing         Kind = "parsing"
	KindCache           Kind = "cache"
	KindFieldDefinition Kind = "field_definition"
	KindDatabase        Kind = "database"
	KindNetwork         Kind = "network"
	KindPermission      Kind = "permission"
	KindConfiguration   Kind = "configuration"
	KindTimeout         Kind = "timeout"
	KindUnknown         Kind = "unknown"
)

// Severity ranks the impact of a failure
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type policy struct {
	severity    Severity
	recoverable bool
	retryable   bool
}

var policies = map[Kind]policy{
	KindValidation:      {SeverityLow, true, false},
	KindParsing:         {SeverityLow, true, false},
	KindCache:           {SeverityMedium, true, true},
	KindFieldDefinition: {SeverityMedium, false, false},
	KindDatabase:        {SeverityHigh, false, true},
	KindNetwork:         {SeverityHigh, false, true},
	KindPermission:      {SeverityHigh, false, false},
	KindConfiguration:   {SeverityCritical, false, false},
	KindTimeout:         {SeverityCritical, false, true},
	KindUnknown:         {SeverityMedium, false, false},
}

func policyFor(kind Kind) policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return policies[KindUnknown]
}

// Error is the typed failure carried through the entity service
type Error struct {
	Kind        Kind           `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Code        string         `json:"code"`
	Field       string         `json:"field,omitempty"`
	TenantID    string         `json:"tenantId,omitempty"`
	EntityTable string         `json:"entityTable,omitempty"`
	EntityID    string         `json:"entityId,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	Timestamp   time.Time      `json:"timestamp"`
	Cause       error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Option customizes an Error built by New
type Option func(*Error)

func WithField(field string) Option {
	return func(e *Error) { e.Field = field }
}

func WithTenant(tenantID, entityTable string) Option {
	return func(e *Error) {
		e.TenantID = tenantID
		e.EntityTable = entityTable
	}
}

func WithEntityID(id string) Option {
	return func(e *Error) { e.EntityID = id }
}

func WithContext(key string, value any) Option {
	return func(e *Error) {
		if e.Context == nil {
			e.Context = make(map[string]any)
		}
		e.Context[key] = value
	}
}

func WithCause(cause error) Option {
	return func(e *Error) { e.Cause = cause }
}

func WithSeverity(s Severity) Option {
	return func(e *Error) { e.Severity = s }
}

// New builds an Error with the taxonomy defaults for kind
func New(kind Kind, code, message string, opts ...Option) *Error {
	p := policyFor(kind)
	e := &Error{
		Kind:        kind,
		Severity:    p.severity,
		Message:     message,
		Code:        code,
		Recoverable: p.recoverable,
		Retryable:   p.retryable,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if kind == KindDatabase && signalsPermanent(message) {
		e.Retryable = false
	}
	return e
}

func signalsPermanent(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "permanent") || strings.Contains(m, "fatal")
}

// Scope is caller-supplied context attached during normalization
type Scope struct {
	TenantID    string
	EntityTable string
	EntityID    string
	Field       string
	Context     map[string]any
}

// Normalize converts any error into *Error. Existing *Error values are returned
// with missing scope fields filled in.
func Normalize(err error, scope Scope) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		fill(&out, scope)
		return &out
	}

	kind := Classify(err)
	e := New(kind, codeFor(kind), err.Error(), WithCause(err))
	if errors.Is(err, adapter.ErrInvalidQuery) {
		e.Retryable = false
	}
	fill(e, scope)
	return e
}

func fill(e *Error, scope Scope) {
	if e.TenantID == "" {
		e.TenantID = scope.TenantID
	}
	if e.EntityTable == "" {
		e.EntityTable = scope.EntityTable
	}
	if e.EntityID == "" {
		e.EntityID = scope.EntityID
	}
	if e.Field == "" {
		e.Field = scope.Field
	}
	if len(scope.Context) > 0 {
		ctx := make(map[string]any, len(e.Context)+len(scope.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		for k, v := range scope.Context {
			if _, exists := ctx[k]; !exists {
				ctx[k] = v
			}
		}
		e.Context = ctx
	}
}

func codeFor(kind Kind) string {
	return strings.ToUpper(string(kind)) + "_ERROR"
}

// KindOf classifies err
func KindOf(err error) Kind {
	return Classify(err)
}

// IsRetryable reports whether err is worth retrying with backoff
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Normalize(err, Scope{}).Retryable
}

// IsKind reports whether err classifies as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}
