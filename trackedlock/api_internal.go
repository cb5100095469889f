// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/utils"
)

type globalsStruct struct {
	mapMutex               sync.Mutex                  // protects mutexMap
	mutexMap               map[*MutexTrack]interface{} // the locks being watched
	lockHoldTimeLimit      int64                       // (atomic) time.Duration; locks held longer get logged
	lockCheckPeriod        int64                       // (atomic) time.Duration; check locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	stopChan               chan struct{}               // time to shutdown and go home
	doneChan               chan struct{}               // shutdown complete
	lockCheckTicker        *time.Ticker                // ticker for lock check time
}

var globals globalsStruct

func lockHoldTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func lockCheckPeriod() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
}

// stackTraceObj holds the stack trace of one goroutine. We keep a pool of them around.
type stackTraceObj struct {
	stackTrace    []byte
	stackTraceBuf [4040]byte
}

var stackTraceObjPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceObj{}
	},
}

// MutexTrack records tracking state for a lock held in exclusive mode.
//
// Fields read by lockWatcher() while the lock is held elsewhere are accessed atomically.
type MutexTrack struct {
	isWatched  int32          // (atomic) 1 if lock is in globals.mutexMap
	lockCnt    int32          // (atomic) 0 if unlocked, -1 if locked
	lockTime   int64          // (atomic) UnixNano when last lock operation completed
	lockerGoId uint64         // (atomic) goroutine ID of the last locker
	lockStack  *stackTraceObj // stack trace when last locked; only touched by the holder
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}, goId uint64) {
	atomic.StoreInt64(&mt.lockTime, time.Now().UnixNano())
	atomic.StoreInt32(&mt.lockCnt, -1)

	if 0 == lockHoldTimeLimit() {
		if 0 != goId {
			atomic.StoreUint64(&mt.lockerGoId, goId)
		}
		return
	}

	mt.lockStack = stackTraceObjPool.Get().(*stackTraceObj)
	mt.lockStack.stackTrace = mt.lockStack.stackTraceBuf[:runtime.Stack(mt.lockStack.stackTraceBuf[:], false)]
	if 0 == goId {
		goId = utils.StackTraceToGoId(mt.lockStack.stackTrace)
	}
	atomic.StoreUint64(&mt.lockerGoId, goId)

	if (0 == atomic.LoadInt32(&mt.isWatched)) && (0 != lockCheckPeriod()) {
		globals.mapMutex.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = wrappedLock
			atomic.StoreInt32(&mt.isWatched, 1)
		}
		globals.mapMutex.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	limit := lockHoldTimeLimit()

	if 0 != limit {
		now := time.Now()
		heldFor := now.Sub(time.Unix(0, atomic.LoadInt64(&mt.lockTime)))
		if heldFor >= limit {
			var buf [4040]byte

			unlockStr := string(buf[:runtime.Stack(buf[:], false)])

			// tracking may have been enabled while the lock was held
			lockStr := "goroutine 9999 [unknown]\nlocked before lock tracking enabled\n"
			if nil != mt.lockStack {
				lockStr = string(mt.lockStack.stackTrace)
			}
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock, heldFor.Seconds(), lockStr, unlockStr)
		}
	}

	atomic.StoreInt32(&mt.lockCnt, 0)
	if nil != mt.lockStack {
		stackTraceObjPool.Put(mt.lockStack)
		mt.lockStack = nil
	}
}

// longLockHolder describes a lock held longer than globals.lockHoldTimeLimit
type longLockHolder struct {
	lockPtr    interface{}
	lockTime   time.Time
	lockerGoId uint64
}

// checkLocks returns up to globals.lockWatcherLocksLogged locks held longer than
// the limit as of now, longest held first. Locks idle for a full check period stop
// being watched.
func checkLocks(now time.Time) (longLockHolders []*longLockHolder) {
	limit := lockHoldTimeLimit()
	period := lockCheckPeriod()

	longLockHolders = make([]*longLockHolder, 0)

	globals.mapMutex.Lock()
	for mt, lockPtr := range globals.mutexMap {
		lockTime := time.Unix(0, atomic.LoadInt64(&mt.lockTime))

		if 0 == atomic.LoadInt32(&mt.lockCnt) {
			if now.Sub(lockTime) >= period {
				atomic.StoreInt32(&mt.isWatched, 0)
				delete(globals.mutexMap, mt)
			}
			continue
		}

		if now.Sub(lockTime) > limit {
			longLockHolders = append(longLockHolders, &longLockHolder{
				lockPtr:    lockPtr,
				lockTime:   lockTime,
				lockerGoId: atomic.LoadUint64(&mt.lockerGoId),
			})
		}
	}
	globals.mapMutex.Unlock()

	sort.Slice(longLockHolders, func(i, j int) bool {
		return longLockHolders[i].lockTime.Before(longLockHolders[j].lockTime)
	})
	if len(longLockHolders) > globals.lockWatcherLocksLogged {
		longLockHolders = longLockHolders[:globals.lockWatcherLocksLogged]
	}

	return
}

// lockWatcher periodically logs locks that have been held too long
func lockWatcher(lockCheckChan <-chan time.Time) {
	for shutdown := false; !shutdown; {
		select {
		case <-globals.stopChan:
			shutdown = true
			logger.Infof("trackedlock lock watcher shutting down")
			// fall through and perform one last check
		case <-lockCheckChan:
		}

		now := time.Now()

		for i, holder := range checkLocks(now) {
			logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d by goroutine %d",
				holder.lockPtr, holder.lockPtr, now.Sub(holder.lockTime).Seconds(), i, holder.lockerGoId)
		}
	}

	globals.doneChan <- struct{}{}
}
