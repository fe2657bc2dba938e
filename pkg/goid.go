package truevfs

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the current goroutine's id from the runtime stack
// header. The kernel uses it the way the reference implementation uses
// thread identity: to discriminate local from foreign I/O resources and to
// keep per-goroutine lock bookkeeping. Goroutine ids are stable for the
// lifetime of a goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]: ..."
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
