// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bcache provides a fixed-capacity cache of fixed-size disk blocks.
//
// Each (dev, blockNo) pair has at most one Buf in a Table. Bread returns that Buf
// with its sleep lock held, filling it from the DiskIO collaborator if needed;
// Bwrite writes its payload back; Brelse releases it. A Buf no one references
// may be recycled to hold another block.
//
// The bufs are spread over NumBuckets buckets, each with its own short-held
// Shard Lock and recency list. A block's home bucket is hash(blockNo) mod
// NumBuckets. Hits touch only the home bucket. Misses are serialized by one
// coordinator lock and recycle the least recently released unreferenced buf of
// the home bucket or, failing that, steal one from another bucket, holding at
// most one Shard Lock at any instant.
//
// Caller contract violations (e.g. Bwrite of a Buf whose lock the caller does not
// hold) and exhaustion of unreferenced bufs are not recoverable: they HALT via
// package halter.
package bcache

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/bcache/blockdev"
	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/bucketstats"
	"github.com/NVIDIA/bcache/halter"
	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/trackedlock"
	"github.com/NVIDIA/bcache/utils"
)

// DiskIO transfers one whole block synchronously. *blockdev.DeviceMap satisfies it.
type DiskIO interface {
	RW(dev uint32, blockNo uint32, buf []byte, dir blockdev.Direction) (err error)
}

// Buf holds the cached copy of one block.
type Buf struct {
	lock   trackedlock.SleepLock // protects valid and data
	index  int                   // position in Table.bufs (and Table.links)
	bucket int32                 // (atomic) bucket whose list holds this Buf

	// protected by the Shard Lock of bucket
	assigned bool // false until first given an identity
	dev      uint32
	blockNo  uint32
	refCnt   uint32

	valid bool
	data  []byte
}

// Table is the cache. Create one with New.
type Table struct {
	config          ConfigStruct
	diskIO          DiskIO
	hash            func(blockNo uint32) uint64
	coordinator     trackedlock.Mutex // serializes misses
	buckets         []bucketStruct
	bufs            []Buf
	links           []listLinkStruct
	stats           *StatsStruct
	statsRegistered bool
}

// Dev returns the device id of the block b holds.
func (b *Buf) Dev() uint32 {
	return b.dev
}

// BlockNo returns the block number of the block b holds.
func (b *Buf) BlockNo() uint32 {
	return b.blockNo
}

// Data returns b's payload. It may only be accessed while holding b (between Bread and Brelse).
func (b *Buf) Data() []byte {
	return b.data
}

// Valid reports whether b's payload holds the block's contents.
func (b *Buf) Valid() bool {
	return b.valid
}

// New constructs a Table. It is meant to be called once, with the Table living for the
// remainder of the process.
func New(config *ConfigStruct, diskIO DiskIO) (table *Table, err error) {
	if nil == config {
		config = DefaultConfig()
	}
	if nil == diskIO {
		err = blunder.NewError(blunder.InvalidArgError, "bcache.New(): diskIO must not be nil")
		return
	}

	err = config.validate()
	if nil != err {
		return
	}

	hash, _ := hashFunc(config.BucketHash)

	numBuckets := int(config.NumBuckets)
	numBufs := int(config.NumBufs)
	blockSize := int(config.BlockSize)

	table = &Table{
		config:  *config,
		diskIO:  diskIO,
		hash:    hash,
		buckets: make([]bucketStruct, numBuckets),
		bufs:    make([]Buf, numBufs),
		links:   make([]listLinkStruct, numBufs+numBuckets),
		stats:   &StatsStruct{},
	}

	for i := range table.buckets {
		bucket := &table.buckets[i]
		bucket.index = i
		bucket.sentinel = numBufs + i
		table.links[bucket.sentinel] = listLinkStruct{prev: bucket.sentinel, next: bucket.sentinel}
	}

	payload := make([]byte, numBufs*blockSize)

	for i := range table.bufs {
		buf := &table.bufs[i]
		buf.index = i
		buf.bucket = int32(i % numBuckets)
		buf.data = payload[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
		table.pushFront(&table.buckets[buf.bucket], i)
	}

	if "" != table.config.StatsGroupName {
		bucketstats.Register("bcache", table.config.StatsGroupName, table.stats)
		table.statsRegistered = true
	}

	logger.Infof("bcache: Table created %s", utils.JSONify(table.config, false))

	return
}

// Config returns the parameters table was created with.
func (table *Table) Config() ConfigStruct {
	return table.config
}

// Stats returns table's statistics.
func (table *Table) Stats() *StatsStruct {
	return table.stats
}

// UnregisterStats removes table's statistics from bucketstats (if registered).
func (table *Table) UnregisterStats() {
	if table.statsRegistered {
		bucketstats.UnRegister("bcache", table.config.StatsGroupName)
		table.statsRegistered = false
	}
}

// HomeBucket returns the index of the bucket in which blockNo is cached.
func (table *Table) HomeBucket(blockNo uint32) int {
	return int(table.hash(blockNo) % uint64(len(table.buckets)))
}

// Bread returns the Buf holding (dev, blockNo), locked and with valid contents.
//
// The caller must eventually Brelse it.
func (table *Table) Bread(dev uint32, blockNo uint32) (b *Buf) {
	stopwatch := utils.NewStopwatch()

	b = table.bget(dev, blockNo)

	if !b.valid {
		halter.Trigger(halter.BCacheBreadDiskFill)
		err := table.diskIO.RW(dev, blockNo, b.data, blockdev.Read)
		if nil != err {
			halter.Halt(blunder.AddError(fmt.Errorf("bcache.Bread(dev: %v, blockNo: %v) disk read failed: %v", dev, blockNo, err), blunder.IOError))
		}
		table.stats.DiskReads.Increment()
		b.valid = true
	}

	table.stats.BreadUsecs.Add(stopwatch.ElapsedUs())

	if table.config.TraceEnabled {
		logger.Tracef("bcache.Bread(dev: %v, blockNo: %v) returning buf %v", dev, blockNo, b.index)
	}

	return
}

// Bwrite writes b's payload to disk. The caller must hold b.
func (table *Table) Bwrite(b *Buf) {
	if !b.lock.IsHeldByCaller() {
		halter.Halt(blunder.NewError(blunder.ContractViolationError, "bcache.Bwrite(dev: %v, blockNo: %v) called without holding the buf", b.dev, b.blockNo))
	}

	stopwatch := utils.NewStopwatch()

	err := table.diskIO.RW(b.dev, b.blockNo, b.data, blockdev.Write)
	if nil != err {
		halter.Halt(blunder.AddError(fmt.Errorf("bcache.Bwrite(dev: %v, blockNo: %v) disk write failed: %v", b.dev, b.blockNo, err), blunder.IOError))
	}

	table.stats.DiskWrites.Increment()
	table.stats.BwriteUsecs.Add(stopwatch.ElapsedUs())

	if table.config.TraceEnabled {
		logger.Tracef("bcache.Bwrite(dev: %v, blockNo: %v) wrote buf %v", b.dev, b.blockNo, b.index)
	}
}

// Brelse releases b, which the caller must hold. Once no one references b it
// becomes the most recently released buf of its bucket.
func (table *Table) Brelse(b *Buf) {
	if !b.lock.IsHeldByCaller() {
		halter.Halt(blunder.NewError(blunder.ContractViolationError, "bcache.Brelse(dev: %v, blockNo: %v) called without holding the buf", b.dev, b.blockNo))
	}

	if table.config.TraceEnabled {
		logger.Tracef("bcache.Brelse(dev: %v, blockNo: %v) releasing buf %v", b.dev, b.blockNo, b.index)
	}

	b.lock.Unlock()

	bucket := table.lockBucketOf(b)

	if 0 == b.refCnt {
		bucket.Unlock()
		halter.Halt(blunder.NewError(blunder.ContractViolationError, "bcache.Brelse(dev: %v, blockNo: %v) of unreferenced buf", b.dev, b.blockNo))
	}

	b.refCnt--
	if 0 == b.refCnt {
		table.moveToFront(bucket, b.index)
	}

	bucket.Unlock()

	table.stats.Releases.Increment()
}

// Bpin adds a reference to b, keeping it from being recycled until a matching Bunpin.
func (table *Table) Bpin(b *Buf) {
	bucket := table.lockBucketOf(b)
	b.refCnt++
	bucket.Unlock()

	table.stats.Pins.Increment()
}

// Bunpin drops a reference added by Bpin.
func (table *Table) Bunpin(b *Buf) {
	bucket := table.lockBucketOf(b)

	if 0 == b.refCnt {
		bucket.Unlock()
		halter.Halt(blunder.NewError(blunder.ContractViolationError, "bcache.Bunpin(dev: %v, blockNo: %v) of unreferenced buf", b.dev, b.blockNo))
	}

	b.refCnt--

	bucket.Unlock()

	table.stats.Unpins.Increment()
}

// Check verifies the structure of table, returning a CorruptCacheError describing
// the first inconsistency found. Misses are held off while it runs.
func (table *Table) Check() (err error) {
	table.coordinator.Lock()
	defer table.coordinator.Unlock()

	identities := make(map[uint64]int)
	members := 0

	for i := range table.buckets {
		bucket := &table.buckets[i]
		bucket.Lock()
		err = table.checkBucket(bucket, identities, &members)
		bucket.Unlock()
		if nil != err {
			return
		}
	}

	if len(table.bufs) != members {
		err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): %v bufs on bucket lists (expected %v)", members, len(table.bufs))
	}

	return
}

func (table *Table) lockBucketOf(b *Buf) (bucket *bucketStruct) {
	for {
		index := atomic.LoadInt32(&b.bucket)
		bucket = &table.buckets[index]
		bucket.Lock()
		if index == atomic.LoadInt32(&b.bucket) {
			return
		}
		bucket.Unlock()
	}
}
