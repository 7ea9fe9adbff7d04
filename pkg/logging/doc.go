// Package logging provides structured logging configuration for wsecho.
//
// This package wraps log/slog so every component logs the same way. The level
// is held in a slog.LevelVar, which lets a configuration reload change the
// verbosity of a running server.
//
// # Usage
//
//	logger, level := logging.NewLeveled(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("server started", "addr", ":8090")
//	level.Set(logging.LevelDebug)
//
// # Keys
//
// Connection-scoped records use the keys handle, remote, state, reason and
// error.
//
// # Integration
//
// Components accept a *slog.Logger through an option. If none is provided
// they use logging.Nop().
package logging
