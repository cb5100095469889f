// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EPERM), NotPermError.Value())
	assert.Equal(int(unix.EIO), IOError.Value())
	assert.Equal(int(unix.ENOBUFS), NoBufsError.Value())
	assert.Equal(int(unix.ENODEV), NoDeviceError.Value())
	assert.Equal(1000, ContractViolationError.Value())
	assert.Equal("ContractViolationError", ContractViolationError.String())
	assert.Equal("FsError(4242)", FsError(4242).String())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.True(Is(err, SuccessError))
	assert.Equal("", ErrorString(err))

	err = fmt.Errorf("plain error")
	assert.Equal(failureErrno, Errno(err))
	assert.Equal("plain error", ErrorString(err))
}

func TestNewError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(NoBufsError, "bget(%v,%v): no buffers", 1, 33)
	assert.Equal("bget(1,33): no buffers", err.Error())
	assert.Equal(int(unix.ENOBUFS), Errno(err))
	assert.True(Is(err, NoBufsError))
	assert.True(IsNot(err, ContractViolationError))
	assert.Contains(ErrorString(err), "NoBufsError")

	file, line := Location(err)
	assert.Contains(file, "api_test.go")
	assert.NotEqual(0, line)
	assert.Contains(SourceLine(err), "api_test.go")
	assert.Contains(Stacktrace(err), "TestNewError")
	assert.Contains(Details(err), "no buffers")
}

func TestAddError(t *testing.T) {
	assert := assert.New(t)

	err := AddError(nil, IOError)
	assert.True(Is(err, IOError))

	err = AddError(fmt.Errorf("short read"), IOError)
	assert.True(Is(err, IOError))
	assert.Equal("short read", err.Error())

	err = AddError(err, OutOfRangeError)
	assert.True(Is(err, OutOfRangeError))
	assert.True(IsNot(err, IOError))
}
