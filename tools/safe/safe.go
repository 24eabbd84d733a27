package safe

import (
	"runtime/debug"

	"SignGate/logger"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics, so one bad
// subscriber callback cannot take the gateway down.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover logs a recovered panic; use it as `defer safe.Recover("name")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Log.Error("panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
