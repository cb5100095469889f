// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"sync"

	"github.com/NVIDIA/bcache/conf"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

// Up initializes the package and must successfully return before any API functions are invoked
//
// Each label listed in [Halter]ArmedTriggers is armed to HALT on its first Trigger()
func Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}
	globals.testModeHaltCB = nil
	globals.Unlock()

	armedTriggers, fetchErr := confMap.FetchOptionValueStringSlice("Halter", "ArmedTriggers")
	if nil == fetchErr {
		for _, haltLabelString := range armedTriggers {
			Arm(haltLabelString, 1)
		}
	}

	err = nil
	return
}

// Down terminates the halter package
func Down() (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.testModeHaltCB = nil
	globals.Unlock()

	err = nil
	return
}

// ConfigureTestModeHaltCB installs (or, if nil, removes) a callback invoked by a HALT instead of exiting
func ConfigureTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}
