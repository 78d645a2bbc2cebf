// Package logging provides a structured logging system for mcpgate that supports both
// CLI and TUI execution modes with unified log handling and flexible output formatting.
//
// This package implements a dual-mode logging architecture that can operate in either
// CLI mode (direct output) or TUI mode (channel-based message passing), enabling
// consistent logging behavior across different user interface paradigms.
//
// # Architecture
//
// The logging system is built around these core concepts:
//
// ## Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about application operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// ## Execution Modes
//   - **CLI Mode**: Direct logging to specified output writer (stdout/stderr)
//   - **TUI Mode**: Logging via buffered channel for consumption by terminal UI
//
// ## Structured Logging
// All log entries include:
//   - Timestamp with nanosecond precision
//   - Log level (Debug, Info, Warn, Error)
//   - Subsystem identifier for categorization
//   - Message content with optional formatting
//   - Optional error information
//   - Structured attributes using slog.Attr
//
// # Usage Examples
//
// ## CLI Mode Initialization
//
//	import "mcpgate/pkg/logging"
//
//	// Initialize for CLI with Info level logging to stdout
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	// Log messages
//	logging.Info("Gateway", "Gateway starting up")
//	logging.Debug("Registry", "Loaded %d backend(s) from %s", count, path)
//	logging.Warn("Orchestrator", "Backend process exited unexpectedly")
//	logging.Error("Verifier", err, "Smoke test failed for %s", name)
//
// ## TUI Mode Initialization
//
//	logChannel := logging.Initcommon("tui", logging.LevelDebug, io.Discard, 0)
//
//	go func() {
//	    for entry := range logChannel {
//	        displayLogEntry(entry)
//	    }
//	}()
//
// # Subsystem Organization
//
// Logs are organized by subsystem to enable filtering and categorization:
//
//   - **Registry**: backend registry load/save
//   - **Memory**: conversational memory persistence and preference derivation
//   - **Orchestrator**: backend process lifecycle, workflow execution
//   - **Verifier**: smoke tests and self-heal remediation
//   - **ClientConfig**: cross-client configuration detection and sync
//   - **Gateway**: MCP gateway tool registration and proxying
//   - **AUDIT**: security-sensitive operation audit trail
//
// # Integration with slog
//
// The logging system integrates with Go's standard slog package:
//   - Uses slog.Handler implementations for output formatting
//   - Converts custom LogLevel to slog.Level for compatibility
//   - Supports slog.Attr for structured logging attributes
//   - Provides fallback to global slog logger when needed
//
// # Thread Safety
//
// Concurrent logging from multiple goroutines is safe; the TUI channel send is
// non-blocking with a stderr fallback when the consumer falls behind.
package logging
