// Package logx configures councilbot's structured logging.
//
// logx.Logger is a small wrapper over zerolog giving:
//   - readable console output (short timestamp, short caller)
//   - JSON file output
//   - an optional Discord log-channel sink with a min level and rate limit
package logx
