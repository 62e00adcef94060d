// Package logging provides structured logging for the miio bridge.
//
// It wraps log/slog so every component logs with the same shape: JSON in
// production, text while developing, and default service/version fields on
// every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	devLog := logger.ForDevice("vacuum-hall")
//	devLog.Info("connected", "address", "192.168.1.40")
//
// Device tokens are secrets. Log the device ID and address, never the token.
package logging
