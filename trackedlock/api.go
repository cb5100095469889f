// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides lock types that track hold time and the locker.
//
// Mutex wraps sync.Mutex and is meant for short critical sections that never
// block. SleepLock is an exclusive lock that may be held across blocking
// operations (e.g. disk I/O); waiters sleep until it is released and the
// holder can be queried with IsHeldByCaller().
//
// If "TrackedLock.LockHoldTimeLimit" is non-zero, unlocking a lock held longer
// than the limit logs a warning along with the stack traces of the Lock() and
// Unlock() calls. If "TrackedLock.LockCheckPeriod" is also non-zero, a watcher
// goroutine periodically logs locks that are currently held too long.
//
// Locks may be used before Up() is called; they are simply not tracked until
// their first Lock() after it.
package trackedlock

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/utils"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack trace of the locker.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      MutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m, 0)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

// SleepLock is a blocking exclusive lock recording the goroutine that holds it.
//
// The zero value is an unlocked SleepLock.
type SleepLock struct {
	mutex      sync.Mutex // protects the following fields
	wakeup     *sync.Cond // signaled on each Unlock()
	locked     bool       //
	holderGoId uint64     // goroutine ID of the holder if locked
	waiters    int        // goroutines sleeping in Lock()
	tracker    MutexTrack
}

// Lock acquires the SleepLock, sleeping until it is available.
func (sl *SleepLock) Lock() {
	goId := utils.GetGoId()

	sl.mutex.Lock()
	if nil == sl.wakeup {
		sl.wakeup = sync.NewCond(&sl.mutex)
	}
	if sl.locked && (sl.holderGoId == goId) {
		sl.mutex.Unlock()
		err := fmt.Errorf("SleepLock.Lock() called by goroutine %v which already holds it", goId)
		logger.PanicfWithError(err, "%T lock at %p", sl, sl)
	}
	for sl.locked {
		sl.waiters++
		sl.wakeup.Wait()
		sl.waiters--
	}
	sl.locked = true
	sl.holderGoId = goId
	sl.mutex.Unlock()

	sl.tracker.lockTrack(sl, goId)
}

// Unlock releases the SleepLock, waking one waiter (if any).
func (sl *SleepLock) Unlock() {
	sl.tracker.unlockTrack(sl)

	sl.mutex.Lock()
	if !sl.locked {
		sl.mutex.Unlock()
		err := fmt.Errorf("SleepLock.Unlock() called on unlocked lock")
		logger.PanicfWithError(err, "%T lock at %p", sl, sl)
	}
	sl.locked = false
	sl.holderGoId = 0
	if 0 < sl.waiters {
		sl.wakeup.Signal()
	}
	sl.mutex.Unlock()
}

// IsHeldByCaller reports whether the calling goroutine holds the SleepLock.
func (sl *SleepLock) IsHeldByCaller() (held bool) {
	goId := utils.GetGoId()

	sl.mutex.Lock()
	held = sl.locked && (sl.holderGoId == goId)
	sl.mutex.Unlock()

	return
}

// IsLocked reports whether any goroutine holds the SleepLock.
func (sl *SleepLock) IsLocked() (locked bool) {
	sl.mutex.Lock()
	locked = sl.locked
	sl.mutex.Unlock()

	return
}

// Waiters returns the number of goroutines currently sleeping in Lock().
func (sl *SleepLock) Waiters() (waiters int) {
	sl.mutex.Lock()
	waiters = sl.waiters
	sl.mutex.Unlock()

	return
}
