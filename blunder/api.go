// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry attaches a stacktrace to each error it wraps. The errno-style code is
// carried as the "errno" value:
//   e = merry.WithValue(e, "errno", 12345)
//   v, _ := merry.Value(e, "errno").(int)
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/bcache/logger"
)

// FsError codes either map to linux/POSIX errnos as defined in errno.h or, for
// conditions not covered in the errno space, are specific to this module.
type FsError int

const (
	NotPermError        FsError = FsError(int(unix.EPERM))   // Operation not permitted
	IOError             FsError = FsError(int(unix.EIO))     // I/O error
	TryAgainError       FsError = FsError(int(unix.EAGAIN))  // Try again
	DevBusyError        FsError = FsError(int(unix.EBUSY))   // Device or resource busy
	FileExistsError     FsError = FsError(int(unix.EEXIST))  // File exists
	NoDeviceError       FsError = FsError(int(unix.ENODEV))  // No such device
	InvalidArgError     FsError = FsError(int(unix.EINVAL))  // Invalid argument
	NoSpaceError        FsError = FsError(int(unix.ENOSPC))  // No space left on device
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))  // Math result not representable
	NotSupportedError   FsError = FsError(int(unix.ENOTSUP)) // Operation not supported
	NoBufsError         FsError = FsError(int(unix.ENOBUFS)) // No buffer space available
	NotImplementedError FsError = FsError(int(unix.ENOSYS))  // Function not implemented
)

// SuccessError is the FsError of a nil error
const SuccessError FsError = 0

const (
	// ContractViolationError marks a caller breaking an API precondition
	ContractViolationError FsError = 1000 + iota
	// CorruptImageError marks an on-disk image whose header fails validation
	CorruptImageError
	// CorruptCacheError marks in-memory cache structure that fails a consistency check
	CorruptCacheError
)

var fsErrorNames = map[FsError]string{
	SuccessError:           "SuccessError",
	NotPermError:           "NotPermError",
	IOError:                "IOError",
	TryAgainError:          "TryAgainError",
	DevBusyError:           "DevBusyError",
	FileExistsError:        "FileExistsError",
	NoDeviceError:          "NoDeviceError",
	InvalidArgError:        "InvalidArgError",
	NoSpaceError:           "NoSpaceError",
	OutOfRangeError:        "OutOfRangeError",
	NotSupportedError:      "NotSupportedError",
	NoBufsError:            "NoBufsError",
	NotImplementedError:    "NotImplementedError",
	ContractViolationError: "ContractViolationError",
	CorruptImageError:      "CorruptImageError",
	CorruptCacheError:      "CorruptCacheError",
}

// Default errno values for success and failure
const (
	successErrno = 0
	failureErrno = -1
)

// Value returns the int value for the specified FsError constant
func (errValue FsError) Value() int {
	return int(errValue)
}

func (errValue FsError) String() string {
	name, ok := fsErrorNames[errValue]
	if ok {
		return name
	}
	return fmt.Sprintf("FsError(%d)", int(errValue))
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: merry replaces any errno value already present; that is logged as a warning.
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if (successErrno != prevValue) && (failureErrno != prevValue) && (int(errValue) != prevValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return failureErrno
	}

	return errno
}

// ErrorString returns e's message followed by its errno value, if set
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errno, ok := merry.Value(e, "errno").(int)
	if !ok {
		return e.Error()
	}

	return fmt.Sprintf("%s. Error Value: %v (%v)", e.Error(), errno, FsError(errno))
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
