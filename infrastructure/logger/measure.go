package logger

import (
	"time"
)

// LogAndMeasureExecutionTime logs the start of functionName at debug level
// and returns a function logging its end with the time it took. The end is
// logged as a warning when it took longer than warnAfter, unless warnAfter
// is zero.
func LogAndMeasureExecutionTime(log *Logger, functionName string, warnAfter time.Duration) (onEnd func()) {
	start := time.Now()
	log.Debugf("%s start", functionName)
	return func() {
		took := time.Since(start)
		if warnAfter > 0 && took > warnAfter {
			log.Warnf("%s end. Took: %s, longer than %s", functionName, took, warnAfter)
			return
		}
		log.Debugf("%s end. Took: %s", functionName, took)
	}
}
