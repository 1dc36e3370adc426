package util

import (
	"log/slog"
	"time"
)

// Trace 记录一段操作的耗时，用法：defer util.Trace("remove background")()
func Trace(msg string) func() {
	start := time.Now()
	slog.Debug("enter "+msg)
	return func() {
		slog.Debug("exit "+msg, "elapsed", time.Since(start))
	}
}
