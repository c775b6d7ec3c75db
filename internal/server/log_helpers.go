package server

import (
	"context"
	"log/slog"
	"net/http"

	"birdnest/internal/observability/logging"
)

// loggingWithRequest returns the request-scoped logger annotated with the
// path and the resolved client address.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	ip, source := resolver.ClientIPFromRequest(r)
	return loggerWithRequestContext(r.Context(), base).With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
