// Package logx configures remindbot's structured logging.
//
// It wraps zerolog with a small value-type Logger so components can carry
// fixed fields (comp, chat_id, reminder_id) without depending on zerolog
// directly:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting)
package logx
