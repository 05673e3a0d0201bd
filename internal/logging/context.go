package logging

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// FromContext returns the logger carried by ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	return Default()
}

// WithContext returns a copy of ctx carrying logger.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// ContextWith returns a copy of ctx whose logger has the extra attributes.
func ContextWith(ctx context.Context, args ...any) context.Context {
	return WithContext(ctx, FromContext(ctx).With(args...))
}

// WithProfile tags the context logger with the active profile.
func WithProfile(ctx context.Context, profileID, profileName string) context.Context {
	return ContextWith(ctx, "profile_id", profileID, "profile", profileName)
}

// WithGroup tags the context logger with a proxy group name.
func WithGroup(ctx context.Context, group string) context.Context {
	return ContextWith(ctx, "group", group)
}
