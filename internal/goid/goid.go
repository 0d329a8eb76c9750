// Package goid exposes the current goroutine's id for ownership checks on
// worker-exclusive structures. It is a debugging aid, never a correctness
// dependency.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the running goroutine's id, or -1 if it cannot be parsed.
func Current() int64 {
	// A small buffer is enough for the first line of runtime.Stack:
	// "goroutine 123 [running]:\n"
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
