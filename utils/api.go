// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides goroutine, call stack, and timing helpers shared by the other packages.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	goroutinePrefix = []byte("goroutine ")
	extractFnName   = regexp.MustCompile(`[^\/]*$`)
	extractPkgName  = regexp.MustCompile(`^[^.]*`)
	extractLastName = regexp.MustCompile(`[^.]*$`)
)

// StackTraceToGoId parses the goroutine id out of the first line of a stack trace
// as returned by runtime.Stack(). Zero is returned if the line cannot be parsed.
func StackTraceToGoId(buf []byte) (goId uint64) {
	if !bytes.HasPrefix(buf, goroutinePrefix) {
		return
	}
	buf = buf[len(goroutinePrefix):]
	end := bytes.IndexByte(buf, ' ')
	if 0 > end {
		return
	}
	goId, _ = strconv.ParseUint(string(buf[:end]), 10, 64)
	return
}

// GetGoId returns the id of the calling goroutine.
func GetGoId() uint64 {
	var buf [64]byte

	return StackTraceToGoId(buf[:runtime.Stack(buf[:], false)])
}

// GetAFnName returns a string containing the package and function of the caller "level" frames up.
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return ""
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return ""
	}
	return extractFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing the calling function and package
// along with the goroutine id of the caller.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgName.FindString(funcPkg)
	fn = extractLastName.FindString(funcPkg)
	gid = GetGoId()

	return
}

// GetFnName returns a string containing the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
func GetCallerFnName() string {
	return GetAFnName(2)
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedUs() uint64 {
	return uint64(sw.Elapsed() / time.Microsecond)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}

// JSONify renders input as JSON, optionally indented, for logging.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil == err {
		if indentify {
			err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
			if nil == err {
				output = inputJSON.String()
			} else {
				output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
			}
		} else {
			output = string(inputJSONPacked)
		}
	} else {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
	}

	return
}
