package middleware

import (
	"context"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/bindevz/askgate/pkg/models"
)

type contextKey string

const (
	// ExecContextKey is the context key for the execution context.
	ExecContextKey contextKey = "exec_context"
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"
)

// Identity builds the per-request execution context from request headers.
// The tenant comes from the X-Tenant-ID header, then the tenant query
// parameter, and falls back to "default". Roles arrive as a comma-separated
// X-Roles header. The correlation ID defaults to the chi request ID so
// every turn is traceable even when the caller sends nothing.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenant == "" {
			tenant = "default"
		}

		ectx := &models.ExecutionContext{
			TenantID:       tenant,
			UserID:         strings.TrimSpace(r.Header.Get("X-User-ID")),
			Roles:          splitRoles(r.Header.Get("X-Roles")),
			ConversationID: strings.TrimSpace(r.Header.Get("X-Conversation-ID")),
			CorrelationID:  strings.TrimSpace(r.Header.Get("X-Correlation-ID")),
			Language:       strings.TrimSpace(r.Header.Get("X-Language")),
		}
		if ectx.CorrelationID == "" {
			ectx.CorrelationID = chimw.GetReqID(r.Context())
		}
		if span := trace.SpanContextFromContext(r.Context()); span.IsValid() {
			ectx.TraceID = span.TraceID().String()
		}

		ctx := context.WithValue(r.Context(), ExecContextKey, ectx)
		ctx = context.WithValue(ctx, TenantIDKey, tenant)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func splitRoles(header string) []string {
	if header == "" {
		return nil
	}
	var roles []string
	for _, part := range strings.Split(header, ",") {
		if p := strings.TrimSpace(part); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// GetExecContext retrieves the execution context from the request context.
func GetExecContext(ctx context.Context) *models.ExecutionContext {
	if v, ok := ctx.Value(ExecContextKey).(*models.ExecutionContext); ok {
		return v
	}
	return &models.ExecutionContext{TenantID: "default"}
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}
