// Package logging provides structured, context-aware logging for devloop.
//
// The package wraps Zap with:
//   - context-derived correlation fields (trace, session, request IDs)
//   - redaction of sensitive fields and value patterns (API keys, tokens)
//   - an optional OpenTelemetry log bridge (nil provider disables it)
//   - test helpers with full log observation
//
// Loggers are created once at startup and passed down; handlers that need
// per-request correlation store IDs in the context rather than creating
// child loggers.
//
// Example:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "abc123")
//	logger.Info(ctx, "session created", zap.String("branch", "main"))
package logging
