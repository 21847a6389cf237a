// Package logging provides structured logging for the frame index.
//
// This package wraps Go's log/slog to emit JSON lines. Every index operation
// logs through a child logger that carries the scope, frame and operation
// so a single run can be followed with any JSON-aware tool.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/framestack", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithScope("run-42").WithFrame(frameID).WithOperation("pop_frame").
//	    Info("frame popped", "status", "completed")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"frame popped","scope":"run-42","frame_id":"...","op":"pop_frame","status":"completed"}
//
// # Rotation
//
// [NewLoggerWithRotation] rotates framestack.log once it grows past
// MaxSizeMB. Backups are numbered .1 (newest) through .N and may be
// compressed with zstd, producing framestack.log.1.zst and so on.
//
// # Thread Safety
//
// [Logger] and [RotatingWriter] are safe for concurrent use. Child loggers
// share the parent's writer.
//
// # Testing
//
// Use [NopLogger] to silence output, or [NewLoggerWithWriter] with a
// bytes.Buffer to assert on log lines.
package logging
