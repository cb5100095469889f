// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bcache/blockdev"
	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/bucketstats"
	"github.com/NVIDIA/bcache/conf"
	"github.com/NVIDIA/bcache/halter"
	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/trackedlock"
)

const (
	testDev       = uint32(1)
	testBlockSize = uint32(64)
	testNumBlocks = uint64(1024)
)

var (
	testHaltErr error
)

func testHalt(err error) {
	testHaltErr = err
}

// testExpectHalt runs fn and returns the error it HALTed with (nil if it returned normally)
func testExpectHalt(fn func()) (err error) {
	testHaltErr = nil

	defer func() {
		if nil != recover() {
			err = testHaltErr
		}
	}()

	fn()

	return
}

func testSetup(t *testing.T, confStrings []string) {
	confMap, err := conf.MakeConfMapFromStrings(append([]string{"Logging.LogToConsole=false"}, confStrings...))
	require.NoError(t, err)

	err = logger.Up(confMap)
	require.NoError(t, err)
	err = trackedlock.Up(confMap)
	require.NoError(t, err)
	err = halter.Up(confMap)
	require.NoError(t, err)

	halter.ConfigureTestModeHaltCB(testHalt)
}

func testTeardown(t *testing.T) {
	assert.NoError(t, halter.Down())
	assert.NoError(t, trackedlock.Down())
	assert.NoError(t, logger.Down())
}

// testNewTable builds a Table of numBuckets buckets and numBufs bufs over a RAM device attached as testDev
func testNewTable(t *testing.T, numBuckets uint32, numBufs uint32) (table *Table, ramDevice *blockdev.RAMDevice) {
	ramDevice, err := blockdev.NewRAMDevice(testBlockSize, testNumBlocks)
	require.NoError(t, err)

	deviceMap := blockdev.NewDeviceMap()
	require.NoError(t, deviceMap.Attach(testDev, ramDevice))

	config := DefaultConfig()
	config.NumBuckets = numBuckets
	config.NumBufs = numBufs
	config.BlockSize = testBlockSize

	table, err = New(config, deviceMap)
	require.NoError(t, err)

	return
}

func testRefCnt(table *Table, b *Buf) (refCnt uint32) {
	bucket := table.lockBucketOf(b)
	refCnt = b.refCnt
	bucket.Unlock()
	return
}

func testBucketMembers(table *Table, bucketIndex int) (bufIndices []int) {
	bucket := &table.buckets[bucketIndex]
	bucket.Lock()
	for i := table.links[bucket.sentinel].next; i != bucket.sentinel; i = table.links[i].next {
		bufIndices = append(bufIndices, i)
	}
	bucket.Unlock()
	return
}

func TestNew(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, _ := testNewTable(t, 13, 30)

	assert.Equal(uint32(13), table.Config().NumBuckets)
	assert.Equal(30, len(table.bufs))
	require.NoError(table.Check())

	// Round-robin: buf i starts in bucket i % 13, later bufs more recent
	assert.Equal([]int{26, 13, 0}, testBucketMembers(table, 0))
	assert.Equal([]int{27, 14, 1}, testBucketMembers(table, 1))
	assert.Equal([]int{29, 16, 3}, testBucketMembers(table, 3))
	assert.Equal([]int{17, 4}, testBucketMembers(table, 4))
	assert.Equal([]int{25, 12}, testBucketMembers(table, 12))

	for i := range table.bufs {
		assert.False(table.bufs[i].assigned)
		assert.Equal(int(testBlockSize), len(table.bufs[i].Data()))
		assert.Equal(int(testBlockSize), cap(table.bufs[i].Data()))
	}

	assert.Equal(0, table.HomeBucket(0))
	assert.Equal(5, table.HomeBucket(18))

	_, err := New(DefaultConfig(), nil)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	badConfig := DefaultConfig()
	badConfig.NumBufs = 12
	_, err = New(badConfig, blockdev.NewDeviceMap())
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestBreadBwriteBrelse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	require.NoError(ramDevice.WriteBlock(7, []byte(strings.Repeat("x", int(testBlockSize)))))

	b := table.Bread(testDev, 7)
	assert.Equal(testDev, b.Dev())
	assert.Equal(uint32(7), b.BlockNo())
	assert.True(b.Valid())
	assert.True(b.lock.IsHeldByCaller())
	assert.Equal(strings.Repeat("x", int(testBlockSize)), string(b.Data()))
	assert.Equal(uint64(1), ramDevice.TransferCount(7, blockdev.Read))
	assert.Equal(uint32(1), testRefCnt(table, b))

	copy(b.Data(), "updated")
	table.Bwrite(b)
	assert.Equal(uint64(2), ramDevice.TransferCount(7, blockdev.Write))
	assert.Equal("updated", string(ramDevice.Peek(7)[:7]))
	assert.True(b.lock.IsHeldByCaller())
	assert.Equal(uint32(1), testRefCnt(table, b))

	table.Brelse(b)
	assert.False(b.lock.IsLocked())
	assert.Equal(uint32(0), testRefCnt(table, b))

	// Release then re-read is a hit on the same buf without a transfer
	again := table.Bread(testDev, 7)
	assert.Same(b, again)
	assert.Equal("updated", string(again.Data()[:7]))
	assert.Equal(uint64(1), ramDevice.TransferCount(7, blockdev.Read))
	table.Brelse(again)

	assert.Equal(uint64(1), table.Stats().FastPathHits.TotalGet())
	assert.Equal(uint64(1), table.Stats().DiskReads.TotalGet())
	assert.Equal(uint64(1), table.Stats().DiskWrites.TotalGet())
	assert.Equal(uint64(2), table.Stats().Releases.TotalGet())
	assert.Equal(uint64(2), table.Stats().BreadUsecs.CountGet())
	assert.Equal(uint64(1), table.Stats().BwriteUsecs.CountGet())

	require.NoError(table.Check())
}

func TestScenarioSequentialMisses(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	for blockNo := uint32(0); blockNo < 40; blockNo++ {
		b := table.Bread(testDev, blockNo)
		assert.Equal(blockNo, b.BlockNo())
		assert.True(b.Valid())
		table.Brelse(b)
	}

	for blockNo := uint32(0); blockNo < 40; blockNo++ {
		assert.Equal(uint64(1), ramDevice.TransferCount(blockNo, blockdev.Read), "blockNo %v", blockNo)
	}
	assert.Equal(uint64(40), ramDevice.Reads())
	assert.Equal(uint64(40), table.Stats().LocalRecycles.TotalGet()+table.Stats().CrossBucketSteals.TotalGet())

	require.NoError(table.Check())
}

func TestLRUWithinBucket(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	// Two bufs per bucket; blocks 0, 13 and 26 all live in bucket 0
	table, ramDevice := testNewTable(t, 13, 26)

	b := table.Bread(testDev, 0)
	table.Brelse(b)
	b = table.Bread(testDev, 13)
	table.Brelse(b)

	b = table.Bread(testDev, 26)
	assert.Equal(0, b.index) // block 0's buf was the least recently released
	table.Brelse(b)

	b = table.Bread(testDev, 13)
	assert.Equal(uint64(1), ramDevice.TransferCount(13, blockdev.Read))
	table.Brelse(b)

	b = table.Bread(testDev, 0)
	assert.Equal(uint64(2), ramDevice.TransferCount(0, blockdev.Read))
	table.Brelse(b)

	assert.Equal(uint64(0), table.Stats().CrossBucketSteals.TotalGet())
	require.NoError(table.Check())
}

func TestPinnedBufNotRecycled(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 26)

	pinned := table.Bread(testDev, 0)
	table.Bpin(pinned)
	table.Brelse(pinned)
	assert.Equal(uint32(1), testRefCnt(table, pinned))

	b := table.Bread(testDev, 13)
	table.Brelse(b)

	// Bucket 0's only unreferenced buf holds block 13
	b = table.Bread(testDev, 26)
	assert.NotSame(pinned, b)
	table.Brelse(b)
	assert.Equal(uint32(0), pinned.BlockNo())

	b = table.Bread(testDev, 0)
	assert.Same(pinned, b)
	assert.Equal(uint64(1), ramDevice.TransferCount(0, blockdev.Read))
	assert.Equal(uint32(2), testRefCnt(table, b))
	table.Brelse(b)

	table.Bunpin(pinned)
	assert.Equal(uint32(0), testRefCnt(table, pinned))
	assert.Equal(uint64(1), table.Stats().Pins.TotalGet())
	assert.Equal(uint64(1), table.Stats().Unpins.TotalGet())

	require.NoError(table.Check())
}

func TestCrossBucketSteal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 26)

	held0 := table.Bread(testDev, 0)
	held13 := table.Bread(testDev, 13)

	// Bucket 0 is fully referenced so block 26 must come from bucket 1 (least recent: buf 1)
	stolen := table.Bread(testDev, 26)
	assert.Equal(1, stolen.index)
	assert.Equal(uint32(26), stolen.BlockNo())
	assert.True(stolen.Valid())
	assert.Equal(int32(0), atomic.LoadInt32(&stolen.bucket))
	assert.Equal([]int{1, 13, 0}, testBucketMembers(table, 0))
	assert.Equal([]int{14}, testBucketMembers(table, 1))
	assert.Equal(uint64(1), ramDevice.TransferCount(26, blockdev.Read))

	assert.Equal(uint64(1), table.Stats().CrossBucketSteals.TotalGet())
	assert.Equal(uint64(1), table.Stats().StealProbeBuckets.CountGet())
	assert.Equal(uint64(1), table.Stats().StealProbeBuckets.TotalGet())

	require.NoError(table.Check())

	// Release never migrates: the stolen buf stays in bucket 0
	table.Brelse(stolen)
	table.Brelse(held13)
	table.Brelse(held0)
	assert.Equal([]int{0, 13, 1}, testBucketMembers(table, 0))

	b := table.Bread(testDev, 26)
	assert.Same(stolen, b)
	assert.Equal(uint64(1), ramDevice.TransferCount(26, blockdev.Read))
	table.Brelse(b)

	require.NoError(table.Check())
}

func TestStealProbeOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, _ := testNewTable(t, 13, 13)

	// Reference the only buf of buckets 0 through 3
	held := make([]*Buf, 0, 4)
	for blockNo := uint32(0); blockNo < 4; blockNo++ {
		held = append(held, table.Bread(testDev, blockNo))
	}

	stolen := table.Bread(testDev, 13)
	assert.Equal(4, stolen.index)
	assert.Equal(uint64(4), table.Stats().StealProbeBuckets.TotalGet())
	assert.Equal(0, len(testBucketMembers(table, 4)))
	assert.Equal(2, len(testBucketMembers(table, 0)))
	table.Brelse(stolen)

	for _, b := range held {
		table.Brelse(b)
	}

	require.NoError(table.Check())
}

func TestBwriteWithoutLock(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	b := table.Bread(testDev, 3)
	table.Brelse(b)

	err := testExpectHalt(func() { table.Bwrite(b) })
	require.Error(err)
	assert.True(blunder.Is(err, blunder.ContractViolationError))
	assert.Equal(uint64(0), ramDevice.Writes())

	// Held, but by another goroutine
	b = table.Bread(testDev, 3)
	errChan := make(chan error)
	go func() {
		errChan <- testExpectHalt(func() { table.Bwrite(b) })
	}()
	err = <-errChan
	assert.True(blunder.Is(err, blunder.ContractViolationError))
	assert.Equal(uint64(0), ramDevice.Writes())

	table.Bwrite(b)
	assert.Equal(uint64(1), ramDevice.Writes())
	table.Brelse(b)

	require.NoError(table.Check())
}

func TestBrelseContract(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, _ := testNewTable(t, 13, 30)

	b := table.Bread(testDev, 9)
	table.Brelse(b)

	err := testExpectHalt(func() { table.Brelse(b) })
	assert.True(blunder.Is(err, blunder.ContractViolationError))
	assert.Equal(uint32(0), testRefCnt(table, b))

	err = testExpectHalt(func() { table.Bunpin(b) })
	assert.True(blunder.Is(err, blunder.ContractViolationError))
	assert.Equal(uint32(0), testRefCnt(table, b))

	b = table.Bread(testDev, 9)
	errChan := make(chan error)
	go func() {
		errChan <- testExpectHalt(func() { table.Brelse(b) })
	}()
	err = <-errChan
	assert.True(blunder.Is(err, blunder.ContractViolationError))
	assert.True(b.lock.IsHeldByCaller())
	assert.Equal(uint32(1), testRefCnt(table, b))
	table.Brelse(b)

	require.NoError(table.Check())
}

func TestExhaustion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	pinned := make([]*Buf, 0, 30)
	for blockNo := uint32(0); blockNo < 30; blockNo++ {
		b := table.Bread(testDev, blockNo)
		binary.LittleEndian.PutUint32(b.Data(), blockNo)
		table.Bpin(b)
		table.Brelse(b)
		pinned = append(pinned, b)
	}

	err := testExpectHalt(func() { _ = table.Bread(testDev, 500) })
	require.Error(err)
	assert.True(blunder.Is(err, blunder.NoBufsError))
	assert.Equal(uint64(0), ramDevice.TransferCount(500, blockdev.Read))

	// Nothing was disturbed and the coordinator was released
	require.NoError(table.Check())
	for blockNo, b := range pinned {
		assert.Equal(testDev, b.Dev())
		assert.Equal(uint32(blockNo), b.BlockNo())
		assert.Equal(uint32(1), testRefCnt(table, b))
		assert.Equal(uint32(blockNo), binary.LittleEndian.Uint32(b.Data()))
	}

	// Hits still work while exhausted
	b := table.Bread(testDev, 17)
	assert.Same(pinned[17], b)
	table.Brelse(b)

	table.Bunpin(pinned[17])
	b = table.Bread(testDev, 500)
	assert.Same(pinned[17], b)
	table.Brelse(b)

	for blockNo, b := range pinned {
		if 17 != blockNo {
			table.Bunpin(b)
		}
	}

	require.NoError(table.Check())
}

type testFailingDiskIO struct {
	failures uint64
}

func (diskIO *testFailingDiskIO) RW(dev uint32, blockNo uint32, buf []byte, dir blockdev.Direction) (err error) {
	atomic.AddUint64(&diskIO.failures, 1)
	err = blunder.NewError(blunder.IOError, "injected %v failure of dev %v blockNo %v", dir, dev, blockNo)
	return
}

func TestDiskErrorHalts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	diskIO := &testFailingDiskIO{}

	table, err := New(DefaultConfig(), diskIO)
	require.NoError(err)

	err = testExpectHalt(func() { _ = table.Bread(testDev, 1) })
	require.Error(err)
	assert.True(blunder.Is(err, blunder.IOError))
	assert.Contains(err.Error(), "disk read failed")
	assert.Equal(uint64(1), diskIO.failures)
}

func TestHaltTriggers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{"Halter.ArmedTriggers=bcache.bread_DiskFill"})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 26)

	err := testExpectHalt(func() { _ = table.Bread(testDev, 0) })
	require.Error(err)
	assert.Contains(err.Error(), "bcache.bread_DiskFill")
	assert.Equal(uint64(0), ramDevice.Reads())

	table, _ = testNewTable(t, 13, 26)
	halter.Arm("bcache.bget_SlowPath", 2)
	b := table.Bread(testDev, 0)
	table.Brelse(b)
	b = table.Bread(testDev, 0)
	table.Brelse(b)
	err = testExpectHalt(func() { _ = table.Bread(testDev, 1) })
	assert.Contains(err.Error(), "bcache.bget_SlowPath")

	table, _ = testNewTable(t, 13, 26)
	halter.Arm("bcache.bget_Steal", 1)
	_ = table.Bread(testDev, 0)
	_ = table.Bread(testDev, 13)
	err = testExpectHalt(func() { _ = table.Bread(testDev, 26) })
	assert.Contains(err.Error(), "bcache.bget_Steal")

	assert.Equal(0, len(halter.Dump()))
}

func TestCityHash(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	ramDevice, err := blockdev.NewRAMDevice(testBlockSize, testNumBlocks)
	require.NoError(err)
	deviceMap := blockdev.NewDeviceMap()
	require.NoError(deviceMap.Attach(testDev, ramDevice))

	config := DefaultConfig()
	config.BlockSize = testBlockSize
	config.BucketHash = BucketHashCityHash

	table, err := New(config, deviceMap)
	require.NoError(err)

	homes := make(map[int]struct{})
	for blockNo := uint32(0); blockNo < 100; blockNo++ {
		home := table.HomeBucket(blockNo)
		assert.Equal(int(cityHash(blockNo)%13), home)
		homes[home] = struct{}{}

		b := table.Bread(testDev, blockNo)
		assert.Equal(blockNo, b.BlockNo())
		table.Brelse(b)
	}
	assert.True(1 < len(homes))
	assert.Equal(uint64(100), ramDevice.Reads())

	require.NoError(table.Check())
}

func TestStatsRegistration(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	ramDevice, err := blockdev.NewRAMDevice(testBlockSize, testNumBlocks)
	require.NoError(err)
	deviceMap := blockdev.NewDeviceMap()
	require.NoError(deviceMap.Attach(testDev, ramDevice))

	config := DefaultConfig()
	config.BlockSize = testBlockSize
	config.StatsGroupName = "TestStatsRegistration"
	config.TraceEnabled = true

	table, err := New(config, deviceMap)
	require.NoError(err)
	defer table.UnregisterStats()

	for i := 0; i < 3; i++ {
		b := table.Bread(testDev, 4)
		table.Bwrite(b)
		table.Brelse(b)
	}

	statsString := bucketstats.SprintStats(bucketstats.StatFormatParsable1, "bcache", "TestStatsRegistration")
	assert.Contains(statsString, "bcache.TestStatsRegistration.FastPathHits total:2\n")
	assert.Contains(statsString, "bcache.TestStatsRegistration.LocalRecycles total:1\n")
	assert.Contains(statsString, "bcache.TestStatsRegistration.DiskWrites total:3\n")
	assert.Contains(statsString, "bcache.TestStatsRegistration.Releases total:3\n")
	assert.Contains(statsString, "bcache.TestStatsRegistration.BreadUsecs")

	table.UnregisterStats()
	table.UnregisterStats()

	// The group name may be reused once unregistered
	second, err := New(config, deviceMap)
	require.NoError(err)
	second.UnregisterStats()
}

func TestCheckDetectsCorruption(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, _ := testNewTable(t, 13, 26)
	require.NoError(table.Check())

	// A buf whose identity belongs to another bucket
	table.bufs[1].assigned = true
	table.bufs[1].dev = testDev
	table.bufs[1].blockNo = 0
	err := table.Check()
	assert.True(blunder.Is(err, blunder.CorruptCacheError))
	assert.Contains(err.Error(), "home")

	// Duplicate identities
	table, _ = testNewTable(t, 13, 26)
	for _, i := range []int{0, 13} {
		table.bufs[i].assigned = true
		table.bufs[i].dev = testDev
		table.bufs[i].blockNo = 26
	}
	err = table.Check()
	assert.True(blunder.Is(err, blunder.CorruptCacheError))
	assert.Contains(err.Error(), fmt.Sprintf("both hold dev: %v blockNo: 26", testDev))

	// A buf missing from every list
	table, _ = testNewTable(t, 13, 26)
	table.unlink(5)
	err = table.Check()
	assert.True(blunder.Is(err, blunder.CorruptCacheError))
	assert.Contains(err.Error(), "25 bufs on bucket lists")
}
