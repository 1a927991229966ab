// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if shard, ok := ShardFromContext(ctx); ok {
		fields = append(fields, zap.Int("shard", shard))
	}
	if repo := RepoFromContext(ctx); repo != "" {
		fields = append(fields, zap.String("repo", repo))
	}

	return fields
}

type runCtxKey struct{}
type shardCtxKey struct{}
type repoCtxKey struct{}
type loggerCtxKey struct{}

// WithRunID tags every log line of one harvest run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id or "".
func RunIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(runCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithShard records the worker shard index.
func WithShard(ctx context.Context, shard int) context.Context {
	return context.WithValue(ctx, shardCtxKey{}, shard)
}

// ShardFromContext returns the shard index, if set.
func ShardFromContext(ctx context.Context) (int, bool) {
	shard, ok := ctx.Value(shardCtxKey{}).(int)
	return shard, ok
}

// WithRepo records the repository being processed.
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, repo)
}

// RepoFromContext returns the repository name or "".
func RepoFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(repoCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}
