// Copyright 2024 The pgas Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package diag implements the runtime's uniform fatal-error channel and
// its recoverable error taxonomy. Every non-trivial operation elsewhere in
// the module raises errors minted here rather than ad hoc fmt.Errorf
// values, so that a single formatting and abort path serves the whole
// runtime.
package diag

import (
	"fmt"
	"os"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Kind values extend github.com/grailbio/base/errors.Kind with the
// recoverable/fatal taxonomy from the runtime's error surface.
const (
	// BadSharedAlloc indicates the shared heap segment is exhausted.
	// Recoverable: returned to the caller of allocate/new_/new_array.
	BadSharedAlloc = errors.Kind(100 + iota)
	// BadSegmentAlloc indicates a device segment could not be sized
	// during setup. Fatal per-call.
	BadSegmentAlloc
	// BadGlobalPointer indicates misuse of a global pointer: null where
	// non-null is required, rank out of range, address outside its
	// segment, or a misaligned access. Fatal in checked builds.
	BadGlobalPointer
	// Misuse indicates an API invariant violation, e.g. deallocate from
	// a non-owning rank, or progress() called outside of Init/Finalize.
	Misuse
)

// Checked reports whether validation (bounds, alignment, ownership) is
// enabled. It is controlled by the PGAS_CHECKED environment variable
// (default true) so that a release build can opt out of the overhead,
// mirroring the checked/unchecked split of the error surface.
var Checked = func() bool {
	if v := os.Getenv("PGAS_CHECKED"); v == "0" || v == "false" {
		return false
	}
	return true
}()

// exitFunc terminates the process after a fatal error is reported. Tests
// override it to observe fatal calls without killing the test binary.
var exitFunc = os.Exit

// rankFunc returns the rank tag used in fatal diagnostics. The root pgas
// package installs its own rank_me once initialized; before that, or in
// package-level tests, it reports -1.
var rankFunc = func() int { return -1 }

// SetRankFunc installs the accessor used to tag fatal output with the
// caller's rank. Called once by pgas.Init.
func SetRankFunc(f func() int) { rankFunc = f }

// Fatalf formats a diagnostic in the fixed
// "rank=%d host=%s func=%s file:line: message" form required by the
// error surface, writes it, and aborts the process. skip is the number
// of additional stack frames to skip when locating the caller (0 means
// the immediate caller of Fatalf).
func Fatalf(skip int, format string, args ...interface{}) {
	_, file, line, ok := runtime.Caller(1 + skip)
	if !ok {
		file, line = "???", 0
	}
	funcName := "???"
	if pc, _, _, ok := runtime.Caller(1 + skip); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	msg := fmt.Sprintf(format, args...)
	log.Error.Printf("rank=%d host=%s func=%s %s:%d: %s", rankFunc(), host, funcName, file, line, msg)
	exitFunc(1)
}

// E builds a recoverable error of the given kind, following the
// github.com/grailbio/base/errors convention of tagging errors with a
// Kind rather than sentinel values, so that callers can test
// errors.Is(diag.BadSharedAlloc, err).
func E(kind errors.Kind, op string, args ...interface{}) error {
	e := []interface{}{op, kind}
	e = append(e, args...)
	return errors.E(e...)
}

// Is reports whether err (or one it wraps) carries the given Kind.
func Is(kind errors.Kind, err error) bool {
	return errors.Is(kind, err)
}
