package main

import "unsafe"

// bufAddr returns buf's backing-array address as a uintptr, the same
// unsafe.Pointer conversion the teacher's instrumentation uses to report
// memory addresses to RaceRead/RaceWrite.
func bufAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
