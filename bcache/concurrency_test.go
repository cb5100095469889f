// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/bcache/blockdev"
)

func TestScenarioConcurrentMiss(t *testing.T) {
	var (
		enteredOnce sync.Once
		wg          sync.WaitGroup
	)

	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	hookEntered := make(chan struct{})
	hookRelease := make(chan struct{})

	ramDevice.SetTransferHook(func(blockNo uint32, dir blockdev.Direction) {
		if (blockdev.Read == dir) && (42 == blockNo) {
			enteredOnce.Do(func() { close(hookEntered) })
			<-hookRelease
		}
	})

	firstHeld := make(chan *Buf)
	firstRelease := make(chan struct{})
	secondHeld := make(chan *Buf, 1)

	wg.Add(2)

	go func() {
		b := table.Bread(testDev, 42)
		firstHeld <- b
		<-firstRelease
		table.Brelse(b)
		wg.Done()
	}()

	<-hookEntered

	go func() {
		b := table.Bread(testDev, 42)
		secondHeld <- b
		table.Brelse(b)
		wg.Done()
	}()

	// The second reader takes its reference and then sleeps on the buf's lock
	var filling *Buf
	for nil == filling {
		home := &table.buckets[table.HomeBucket(42)]
		home.Lock()
		candidate := table.lookup(home, testDev, 42)
		if (nil != candidate) && (2 == candidate.refCnt) {
			filling = candidate
		}
		home.Unlock()
		if nil == filling {
			time.Sleep(time.Millisecond)
		}
	}
	for 1 != filling.lock.Waiters() {
		time.Sleep(time.Millisecond)
	}

	close(hookRelease)

	first := <-firstHeld
	assert.Same(filling, first)
	assert.True(first.Valid())
	assert.Equal(uint32(2), testRefCnt(table, first))
	assert.Equal(uint64(1), ramDevice.TransferCount(42, blockdev.Read))

	close(firstRelease)

	second := <-secondHeld
	assert.Same(first, second)
	assert.True(second.Valid())

	wg.Wait()

	assert.Equal(uint64(1), ramDevice.TransferCount(42, blockdev.Read))
	assert.Equal(uint32(0), testRefCnt(table, first))
	assert.Equal(uint64(1), table.Stats().FastPathHits.TotalGet())
	require.NoError(table.Check())
}

// testStamp records in b's payload which block it holds and how often it has been written
func testStamp(b *Buf) {
	generation := binary.LittleEndian.Uint32(b.Data()[4:])
	binary.LittleEndian.PutUint32(b.Data()[0:], b.BlockNo())
	binary.LittleEndian.PutUint32(b.Data()[4:], generation+1)
}

func testVerifyStamp(b *Buf) (err error) {
	stampedBlockNo := binary.LittleEndian.Uint32(b.Data()[0:])
	generation := binary.LittleEndian.Uint32(b.Data()[4:])
	if (0 != generation) && (stampedBlockNo != b.BlockNo()) {
		err = fmt.Errorf("buf for blockNo %v holds the payload of blockNo %v", b.BlockNo(), stampedBlockNo)
	}
	return
}

func TestPinFuzz(t *testing.T) {
	const (
		workers          = 8
		opsPerWorker     = 2000
		blockRange       = 120
		maxPinsPerWorker = 2
	)

	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	var stopChecker int32
	group := new(errgroup.Group)
	checkerGroup := new(errgroup.Group)

	checkerGroup.Go(func() error {
		for 0 == atomic.LoadInt32(&stopChecker) {
			err := table.Check()
			if nil != err {
				return err
			}
			time.Sleep(100 * time.Microsecond)
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		seed := int64(w + 1)
		group.Go(func() error {
			type pinStruct struct {
				b       *Buf
				blockNo uint32
			}

			rng := rand.New(rand.NewSource(seed))
			pins := make([]pinStruct, 0, maxPinsPerWorker)

			for op := 0; op < opsPerWorker; op++ {
				blockNo := uint32(rng.Intn(blockRange))

				b := table.Bread(testDev, blockNo)
				if (testDev != b.Dev()) || (blockNo != b.BlockNo()) || !b.Valid() {
					return fmt.Errorf("Bread(%v, %v) returned buf for (%v, %v) valid: %v", testDev, blockNo, b.Dev(), b.BlockNo(), b.Valid())
				}
				err := testVerifyStamp(b)
				if nil != err {
					return err
				}
				if 0 == rng.Intn(3) {
					testStamp(b)
					table.Bwrite(b)
				}
				if (len(pins) < maxPinsPerWorker) && (0 == rng.Intn(5)) {
					table.Bpin(b)
					pins = append(pins, pinStruct{b: b, blockNo: blockNo})
				}
				table.Brelse(b)

				// A pinned buf keeps its identity however many misses go by
				for _, pin := range pins {
					if (testDev != pin.b.Dev()) || (pin.blockNo != pin.b.BlockNo()) {
						return fmt.Errorf("pinned buf for blockNo %v now holds (%v, %v)", pin.blockNo, pin.b.Dev(), pin.b.BlockNo())
					}
				}

				if (0 < len(pins)) && (0 == rng.Intn(4)) {
					table.Bunpin(pins[0].b)
					pins = pins[1:]
				}
			}

			for _, pin := range pins {
				table.Bunpin(pin.b)
			}

			return nil
		})
	}

	err := group.Wait()
	atomic.StoreInt32(&stopChecker, 1)
	require.NoError(err)
	require.NoError(checkerGroup.Wait())

	require.NoError(table.Check())
	for i := range table.bufs {
		require.Equal(uint32(0), testRefCnt(table, &table.bufs[i]))
	}

	stats := table.Stats()
	require.Equal(uint64(workers*opsPerWorker), stats.Releases.TotalGet())
	require.Equal(ramDevice.Reads(), stats.DiskReads.TotalGet())
	require.Equal(stats.Pins.TotalGet(), stats.Unpins.TotalGet())
	require.Equal(uint64(workers*opsPerWorker),
		stats.FastPathHits.TotalGet()+stats.SlowPathHits.TotalGet()+stats.LocalRecycles.TotalGet()+stats.CrossBucketSteals.TotalGet())
	require.Equal(stats.FastPathMisses.TotalGet(),
		stats.SlowPathHits.TotalGet()+stats.LocalRecycles.TotalGet()+stats.CrossBucketSteals.TotalGet())
}

func TestSlowPathRecheckCoalescesMisses(t *testing.T) {
	var (
		blockReads uint64
		wg         sync.WaitGroup
	)

	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	table, ramDevice := testNewTable(t, 13, 30)

	ramDevice.SetTransferHook(func(blockNo uint32, dir blockdev.Direction) {
		if (blockdev.Read == dir) && (77 == blockNo) {
			atomic.AddUint64(&blockReads, 1)
		}
	})

	// Hold the coordinator so both readers miss the fast path before either can insert
	table.coordinator.Lock()

	held := make(chan *Buf, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			b := table.Bread(testDev, 77)
			held <- b
			table.Brelse(b)
			wg.Done()
		}()
	}

	for 2 > table.Stats().FastPathMisses.TotalGet() {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(uint64(0), atomic.LoadUint64(&blockReads))

	table.coordinator.Unlock()

	wg.Wait()
	first := <-held
	second := <-held

	assert.Same(first, second)
	assert.Equal(uint64(1), atomic.LoadUint64(&blockReads))

	stats := table.Stats()
	assert.Equal(uint64(0), stats.FastPathHits.TotalGet())
	assert.Equal(uint64(2), stats.FastPathMisses.TotalGet())
	assert.Equal(uint64(1), stats.LocalRecycles.TotalGet())
	assert.Equal(uint64(1), stats.SlowPathHits.TotalGet())
	assert.Equal(uint64(1), stats.DiskReads.TotalGet())
	assert.Equal(uint32(0), testRefCnt(table, first))
	require.NoError(table.Check())
}

func TestConcurrentStealsNeverDuplicate(t *testing.T) {
	const (
		workers      = 8
		opsPerWorker = 1000
		hotBlocks    = 6
	)

	assert := assert.New(t)
	require := require.New(t)

	testSetup(t, []string{})
	defer testTeardown(t)

	// One buf per bucket and every block homed in bucket 0: most misses steal
	table, ramDevice := testNewTable(t, 13, 13)

	// Slow some transfers so that misses overlap
	ramDevice.SetTransferHook(func(blockNo uint32, dir blockdev.Direction) {
		if 0 == blockNo%2 {
			time.Sleep(10 * time.Microsecond)
		}
	})

	group := new(errgroup.Group)

	for w := 0; w < workers; w++ {
		seed := int64(100 + w)
		group.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for op := 0; op < opsPerWorker; op++ {
				blockNo := uint32(13 * rng.Intn(hotBlocks))
				b := table.Bread(testDev, blockNo)
				if blockNo != b.BlockNo() {
					return fmt.Errorf("Bread(%v, %v) returned blockNo %v", testDev, blockNo, b.BlockNo())
				}
				err := testVerifyStamp(b)
				if nil != err {
					return err
				}
				testStamp(b)
				table.Bwrite(b)
				table.Brelse(b)
				if 0 == op%50 {
					err = table.Check()
					if nil != err {
						return err
					}
				}
			}
			return nil
		})
	}

	require.NoError(group.Wait())
	require.NoError(table.Check())

	assert.True(0 < table.Stats().CrossBucketSteals.TotalGet())
	for _, i := range testBucketMembers(table, 0) {
		assert.Equal(uint32(0), table.bufs[i].BlockNo()%13)
	}

	// Every write survived: the generations on disk sum to the writes performed
	total := uint64(0)
	for k := uint32(0); k < hotBlocks; k++ {
		b := table.Bread(testDev, 13*k)
		total += uint64(binary.LittleEndian.Uint32(b.Data()[4:]))
		table.Brelse(b)
	}
	assert.Equal(uint64(workers*opsPerWorker), total)
}
