//go:build cgo

// All exported functions use C calling convention and can be called from Dart FFI.
// The //export directives automatically generate C function declarations.
// Returned strings must be released with FreeString.

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

func cString(s string, ok bool) *C.char {
	if !ok {
		return nil
	}
	return C.CString(s)
}

func status(ok bool) int32 {
	if ok {
		return 0
	}
	return 1
}

//export Init
// Init loads the config file at path and starts the sync core.
// Returns 0 on success, non-zero on error.
func Init(configPath *C.char) int32 {
	if err := initCore(C.GoString(configPath)); err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export Cleanup
// Cleanup stops background sync and closes the store.
func Cleanup() {
	cleanupCore()
}

//export GetLastError
// GetLastError returns the last error as JSON.
func GetLastError() *C.char {
	return C.CString(getLastError())
}

//export RecordCreate
func RecordCreate(table, userID, data *C.char) *C.char {
	return cString(recordCreate(C.GoString(table), C.GoString(userID), C.GoString(data)))
}

//export RecordUpdate
func RecordUpdate(table, localID, patch *C.char) *C.char {
	return cString(recordUpdate(C.GoString(table), C.GoString(localID), C.GoString(patch)))
}

//export RecordDelete
// RecordDelete returns 0 on success, non-zero on error.
func RecordDelete(table, localID *C.char) int32 {
	_, ok := recordDelete(C.GoString(table), C.GoString(localID))
	return status(ok)
}

//export RecordGet
func RecordGet(table, localID *C.char) *C.char {
	return cString(recordGet(C.GoString(table), C.GoString(localID)))
}

//export RecordList
func RecordList(table, userID, query *C.char) *C.char {
	return cString(recordList(C.GoString(table), C.GoString(userID), C.GoString(query)))
}

//export RecordMerge
// RecordMerge folds a JSON array of server records into the local table.
func RecordMerge(table, userID, records *C.char) *C.char {
	return cString(recordMerge(C.GoString(table), C.GoString(userID), C.GoString(records)))
}

//export SyncStatus
func SyncStatus() *C.char {
	return cString(syncStatus())
}

//export SyncForce
// SyncForce drains the whole queue now and returns the per-entry results.
func SyncForce() *C.char {
	return cString(syncForce())
}

//export SyncClearFailed
func SyncClearFailed() *C.char {
	return cString(syncClearFailed())
}

//export SetConnectivity
// SetConnectivity reports the platform network state. Non-zero means true.
func SetConnectivity(online, expensive int32) int32 {
	_, ok := setConnectivity(online != 0, expensive != 0)
	return status(ok)
}

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
