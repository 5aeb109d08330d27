// Package errmodel defines the compact error payload used across fable.
// Provider and store failures are wrapped into a typed category/code pair so
// the core can select behavior (retry, fallback narration, HTTP status)
// without inspecting raw error text.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryStore      = "store"
	CategoryModel      = "model"
	CategoryEmbedding  = "embedding"
	CategoryNetwork    = "network"
	CategorySystem     = "system"
)

// Code values shared across categories.
const (
	CodeNotFound       = "not_found"
	CodeInvalidPayload = "invalid_payload"
	CodeRateLimited    = "rate_limited"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: truncate(err.Error(), 512)}
}

// Validation flags a malformed input; never retried.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// StoreUnavailable wraps a store failure after retries were exhausted.
// The operation name is carried in context so logs can attribute the failure.
func StoreUnavailable(op string, cause error) *Error {
	return New(CategoryStore, CodeUnavailable, op+" failed", map[string]any{"operation": op}, cause)
}

// Model wraps a generative-backend failure with a typed code.
func Model(code, message string, cause error) *Error {
	if cause != nil {
		return New(CategoryModel, code, message, nil, cause)
	}
	return New(CategoryModel, code, message, nil)
}

// EmbeddingUnavailable flags a missing or failing embedding provider; fatal
// to lore creation and search, never retried.
func EmbeddingUnavailable(message string, cause error) *Error {
	if cause != nil {
		return New(CategoryEmbedding, CodeUnavailable, message, nil, cause)
	}
	return New(CategoryEmbedding, CodeUnavailable, message, nil)
}

// System wraps an unclassified internal failure.
func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryModel, CategoryEmbedding:
		if e.Code == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case CategoryNetwork:
		return http.StatusBadGateway
	case CategoryStore:
		return http.StatusServiceUnavailable
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// Code extracts the typed code from err, or empty string for nil.
func Code(err error) string {
	ce := From(err)
	if ce == nil {
		return ""
	}
	return ce.Code
}
