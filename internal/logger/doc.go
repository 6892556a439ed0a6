// Package logger provides a simple, thread-safe logging facility.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each log entry includes a timestamp, level, optional node identity, and message.
// Node identity is a node address for per-node lines, or "node 0 vs 1" for
// lines about a pair of nodes compared by the consistency checker.
//
// # Basic Usage
//
//	logger.Info("", "Round %d: sweep done", round)
//	logger.Warn("http://127.0.0.2:6333", "Failed to upsert points (3 retries left): %v", err)
//
// # Output Formats
//
// FormatText (default) writes "[ts] [LEVEL] [node] message" lines.
// FormatJSON writes one JSON object per line with time, level, node and msg keys.
//
//	logger.Default.SetFormat(logger.FormatJSON)
//
// # Thread Safety
//
// All logging operations are protected by a mutex and safe for concurrent use.
package logger
