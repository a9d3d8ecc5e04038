package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header ("goroutine 123 [running]:"). It is the Go analogue of a
// thread id: EventLoop uses it to implement thread-affinity assertions
// keyed on "the goroutine that called Loop()" rather than an OS thread id,
// since that is the ownership unit this reactor actually uses — a worker
// loop is a goroutine that optionally pins itself to an OS thread with
// LockOSThread, but the loop's identity is the goroutine regardless of
// pinning.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return -1
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
