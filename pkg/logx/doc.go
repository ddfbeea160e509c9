// Package logx configures announcebot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops-chat sink (min-level + rate limiting) for warnings
//     such as failed announcement posts or pending OTP challenges
package logx
