// Package main provides the FFI bridge for mobile platforms (Android/iOS).
// Build as a shared library: go build -buildmode=c-shared.
// Functions returning *C.char hand ownership to the caller, who must release
// the string with FreeString. A nil return means failure; GetLastError has
// the reason.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	gosync "sync"
	"unsafe"
)

var (
	lastErr string
	lastMu  gosync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func status(err error) int32 {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

func jsonResult(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

//export Init
// Init opens the engine under dataDir. Returns 0 on success.
func Init(dataDir, envFile *C.char) int32 {
	return status(bridgeInit(C.GoString(dataDir), C.GoString(envFile)))
}

//export Shutdown
func Shutdown() int32 {
	return status(bridgeShutdown())
}

//export SetSession
// SetSession sets the signed-in user. An empty owner signs out.
func SetSession(owner, token *C.char, retain int32, quota int64) int32 {
	return status(bridgeSetSession(C.GoString(owner), C.GoString(token), int(retain), quota))
}

//export LinkChanged
// LinkChanged forwards an OS connectivity event: 0 unknown, 1 no interface,
// 2 interface up. Returns 1 when online, 0 when offline, -1 on error.
func LinkChanged(state int32) int32 {
	online, err := bridgeLinkChanged(int(state))
	setLastError(err)
	switch {
	case err != nil:
		return -1
	case online:
		return 1
	default:
		return 0
	}
}

//export Sync
func Sync() *C.char {
	return jsonResult(bridgeSync())
}

//export Drain
func Drain() *C.char {
	return jsonResult(bridgeDrain())
}

//export Enqueue
func Enqueue(actionType, payload *C.char) *C.char {
	return jsonResult(bridgeEnqueue(C.GoString(actionType), C.GoString(payload)))
}

//export Status
func Status() *C.char {
	return jsonResult(bridgeStatus())
}

//export Clear
// Clear removes one user's data, or everything for a nil or empty owner.
func Clear(owner *C.char) int32 {
	var o string
	if owner != nil {
		o = C.GoString(owner)
	}
	return status(bridgeClear(o))
}

//export GetLastError
// GetLastError returns the last error message. The caller frees it.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Required for c-shared build mode; never runs inside the host app.
}
