// Package logging provides structured logging for ISH.
//
// It wraps log/slog so every component logs with the same default
// fields (service, version) and honours the configured level and format.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	wsLog := logger.Component("websocket")
//	wsLog.Info("session opened", "remote", addr)
//
// Bearer tokens must never be logged. Log the principal instead.
package logging
