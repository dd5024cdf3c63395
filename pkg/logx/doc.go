// Package logx configures mirrorbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional operator sink (min-level + rate limiting) fed into the notifier
package logx
