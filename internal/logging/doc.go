// Package logging provides structured logging with per-module log levels.
//
// Every component asks for its own logger once, at construction:
//
//	logger := logging.GetLogger("streams")
//	logger.Info("Tune succeeded", "encoder_id", id, "url", target)
//
// Records go to stdout when it is attached to a terminal, pipe or file and to
// the systemd journal when journald is reachable, or to both through a
// MultiHandler. Journal entries carry SYSLOG_IDENTIFIER=pagecaster and every
// attribute as an upper-case field, so they can be filtered:
//
//	journalctl -t pagecaster MODULE=health
//	journalctl -t pagecaster ENCODER_ID=enc1 -f
//
// Levels are configured globally with per-module overrides:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	browser = "debug"
//	http = "warn"
//
// ApplyLevels changes levels in place, which lets the config watcher adjust
// verbosity without a restart.
package logging
