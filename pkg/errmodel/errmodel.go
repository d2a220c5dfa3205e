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
	CategoryTool       = "tool"
	CategoryNetwork    = "network"
	CategoryModel      = "model"
	CategoryPolicy     = "policy"
	CategorySystem     = "system"
)

// Codes shared between the capability registry, the loop and the HTTP surface.
const (
	CodeUnknownTool           = "unknown_tool"
	CodeInvalidArguments      = "invalid_arguments"
	CodeExecutionFailed       = "execution_failed"
	CodeDataUnavailable       = "data_unavailable"
	CodeInvalidOutput         = "invalid_output"
	CodeMaxIterationsExceeded = "max_iterations_exceeded"
	CodeModelCall             = "model_call_failed"
	CodeCancelled             = "cancelled"
	CodeNotFound              = "not_found"
	CodeUnauthorized          = "unauthorized"
)

// Error is the compact error payload returned by APIs and used internally.
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

// Coder is implemented by errors that know their compact representation.
// From consults it before falling back to a system error.
type Coder interface {
	Compact() *Error
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var cc Coder
	if errors.As(err, &cc) {
		if out := cc.Compact(); out != nil {
			return out
		}
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

// Tool reports a failure inside a capability.
func Tool(code, message string, ctx map[string]any, cause error) *Error {
	return withCause(CategoryTool, code, message, ctx, cause)
}

// Model reports a model or model-output failure.
func Model(code, message string, ctx map[string]any, cause error) *Error {
	return withCause(CategoryModel, code, message, ctx, cause)
}

func Network(code, message string, ctx map[string]any, cause error) *Error {
	return withCause(CategoryNetwork, code, message, ctx, cause)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	return withCause(CategorySystem, code, message, ctx, cause)
}

func withCause(category, code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(category, code, message, ctx, cause)
	}
	return New(category, code, message, ctx)
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
	case CategoryPolicy:
		switch e.Code {
		case CodeUnauthorized:
			return http.StatusUnauthorized
		case "method_not_allowed":
			return http.StatusMethodNotAllowed
		default:
			return http.StatusForbidden
		}
	case CategoryNetwork, CategoryTool, CategoryModel:
		return http.StatusBadGateway
	case CategorySystem:
		if e.Code == CodeCancelled {
			return 499
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// The trace_id is included when the request context carries a span.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(ce))

	traceID := ""
	if r != nil {
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		case int, int64, float64, bool:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
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
