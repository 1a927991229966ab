// Package logging provides structured logging for the harvester.
//
// Logger wraps Zap and adds:
//   - a Trace level (-2) for per-file decisions
//   - stdout and/or append-only file output
//   - harvest correlation fields taken from the context (run, shard, repo)
//     plus trace_id/span_id when an OpenTelemetry span is active
//   - field and pattern based redaction of credentials
//   - per-level sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithShard(ctx, 3)
//	ctx = logging.WithRepo(ctx, "golang/go")
//	logger.Info(ctx, "repository archived", zap.Int("files", n))
//
// Tests use NewTestLogger, which records entries in memory and offers
// AssertLogged, AssertField and AssertNoSecrets helpers.
package logging
