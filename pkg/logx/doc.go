// Package logx configures devpoll's structured logging.
//
// The wrapper (logx.Logger) sits on top of zerolog and keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels switchable at runtime through Service.Apply
package logx
