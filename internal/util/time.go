package util

import "time"

var (
	procStart     = time.Now()
	procStartUnix = procStart.UnixMilli()
)

// TimeMS returns the current time in epoch milliseconds, advanced by the
// monotonic clock so it never steps backwards with wall-clock adjustments.
func TimeMS() uint64 {
	return uint64(procStartUnix + time.Since(procStart).Milliseconds())
}
