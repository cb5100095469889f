// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter terminates the process on unrecoverable faults and provides
// armable triggers that force such a termination at labeled points in the code.
package halter

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/logger"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	BCacheBgetSlowPath
	BCacheBgetSteal
	BCacheBreadDiskFill
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"bcache.bget_SlowPath",
		"bcache.bget_Steal",
		"bcache.bread_DiskFill",
	}
)

// Halt logs err and terminates the process. It never returns.
//
// If a test mode callback has been installed, it is invoked instead of exiting
// and, should it return, Halt panics with err.
func Halt(err error) {
	haltWithErr(err)
}

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(blunder.NewError(blunder.InvalidArgError, "halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString))
	}
	if 0 == haltAfterCount {
		globals.Unlock()
		haltWithErr(blunder.NewError(blunder.InvalidArgError, "halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString))
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	globals.Unlock()
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(blunder.NewError(blunder.InvalidArgError, "halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString))
	}
	delete(globals.armedTriggers, haltLabel)
	globals.Unlock()
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		delete(globals.armedTriggers, haltLabel)
		haltLabelString := globals.triggerNumbersToNames[haltLabel]
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Trigger(haltLabelString==%v) triggered HALT", haltLabelString))
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	globals.Unlock()
	return
}

// List returns a slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(HaltLabelStrings))
	availableTriggers = append(availableTriggers, HaltLabelStrings...)
	return
}

func haltWithErr(err error) {
	globals.Lock()
	testModeHaltCB := globals.testModeHaltCB
	globals.Unlock()

	if nil == testModeHaltCB {
		logger.ErrorfWithError(err, "HALT: %s", blunder.ErrorString(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(unix.SIGKILL))
	}

	testModeHaltCB(err)

	panic(err)
}
