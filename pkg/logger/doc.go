// Package logger provides the structured logging interface used across rosterwatch.
//
// It wraps zerolog with a small interface so components can be handed a
// Logger (or a TestLogger in tests) instead of reaching for a global:
//
//	log := logger.GetLogger().WithField("component", "crawler")
//	log.InfoWithFields("Scan finished", map[string]interface{}{
//	    "target": "someone",
//	    "new":    12,
//	})
//
// Console output is colourised unless LoggingConfig.JSON is set. When a
// log file is configured, entries are written to both the console and the file.
package logger
