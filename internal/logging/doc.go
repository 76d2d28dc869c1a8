// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stderr when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//   - Keeps recent entries in a ring buffer; RecentLines attaches them to
//     failure reports
//
// Stdout is reserved for the supervised command's output.
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"lock":    "debug",  // Per-module overrides
//			"process": "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("mymodule")
//	logger.Info("Starting up", "key", key)
//	logger.Debug("Details", "config", cfg)
//	logger.Warn("Something unusual", "error", err)
//	logger.Error("Failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("runner").With("job", key)
//	logger.Info("Run started")  // Includes job in all logs
//
// # Log Levels
//
//	debug - Verbose debugging information
//	info  - General operational messages
//	warn  - Warning conditions
//	error - Error conditions
//
// # Output Destinations
//
// The system automatically detects available outputs:
//
//	Journal available + stderr available → MultiHandler (both)
//	Journal available only              → JournalHandler
//	Stderr available only               → TextHandler or JSONHandler
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
//
// # Viewing Logs
//
// When running from a systemd timer or on a system with journald:
//
//	journalctl -t cronguard              # All cronguard logs
//	journalctl -t cronguard --since "1h" # Last hour
//	journalctl -t cronguard -p warning   # Contention, kills, faults
//
// Filter by structured fields:
//
//	journalctl -t cronguard MODULE=process
//	journalctl -t cronguard KEY=lock/backup.sh
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	buffer_size = 200
//
//	[logging.modules]
//	lock = "debug"
//	notify = "warn"
package logging
