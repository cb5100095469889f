// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/bcache/conf"
	"github.com/NVIDIA/bcache/logger"
)

func parseConfMap(confMap conf.ConfMap) {
	holdTimeLimit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		if nil != confMap.VerifyOptionIsMissing("TrackedLock", "LockHoldTimeLimit") {
			logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' defaulting to '0s': %v", err)
		}
		holdTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (time.Second > holdTimeLimit) && (0 != holdTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		holdTimeLimit = 40 * time.Second
	}

	checkPeriod, err := confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		if nil != confMap.VerifyOptionIsMissing("TrackedLock", "LockCheckPeriod") {
			logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' defaulting to '0s': %v", err)
		}
		checkPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (time.Second > checkPeriod) && (0 != checkPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		checkPeriod = 20 * time.Second
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(holdTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(checkPeriod))

	globals.lockWatcherLocksLogged = 16
}

// Up initializes the package from the [TrackedLock] section. Locks can be used
// before it is called but tracking will not start until the first Lock() call
// after it returns.
func Up(confMap conf.ConfMap) (err error) {
	parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit(), lockCheckPeriod())

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.mapMutex.Unlock()

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	if (0 == lockCheckPeriod()) || (0 == lockHoldTimeLimit()) {
		return
	}

	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod())
	go lockWatcher(globals.lockCheckTicker.C)

	return
}

// Down stops the lock watcher (if running) and disables tracking
func Down() (err error) {
	if nil != globals.lockCheckTicker {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		<-globals.doneChan
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	atomic.StoreInt64(&globals.lockCheckPeriod, 0)

	globals.mapMutex.Lock()
	for mt := range globals.mutexMap {
		atomic.StoreInt32(&mt.isWatched, 0)
	}
	globals.mutexMap = nil
	globals.mapMutex.Unlock()

	return
}
