// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"sync/atomic"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/halter"
	"github.com/NVIDIA/bcache/logger"
)

// assign gives b the identity (dev, blockNo) with a single reference. Requires
// the Shard Lock of b's bucket and that b be unreferenced.
func (b *Buf) assign(dev uint32, blockNo uint32) {
	b.assigned = true
	b.dev = dev
	b.blockNo = blockNo
	b.valid = false
	b.refCnt = 1
}

// bget returns the Buf for (dev, blockNo) with a reference taken and its lock held.
func (table *Table) bget(dev uint32, blockNo uint32) (b *Buf) {
	var (
		guard shardGuard
		probe uint64
	)

	home := &table.buckets[table.HomeBucket(blockNo)]

	guard.lock(home)
	b = table.lookup(home, dev, blockNo)
	if nil != b {
		b.refCnt++
		guard.unlock()
		table.stats.FastPathHits.Increment()
		b.lock.Lock()
		return
	}
	guard.unlock()

	table.stats.FastPathMisses.Increment()

	// Miss: from here on the coordinator is held until a buf is chosen

	table.coordinator.Lock()

	halter.Trigger(halter.BCacheBgetSlowPath)

	guard.lock(home)

	b = table.lookup(home, dev, blockNo)
	if nil != b {
		b.refCnt++
		guard.unlock()
		table.coordinator.Unlock()
		table.stats.SlowPathHits.Increment()
		logger.Tracef("bcache: dev %v blockNo %v found in bucket %v on recheck", dev, blockNo, home.index)
		b.lock.Lock()
		return
	}

	b = table.lruFree(home)
	if nil != b {
		b.assign(dev, blockNo)
		guard.unlock()
		table.coordinator.Unlock()
		table.stats.LocalRecycles.Increment()
		logger.Tracef("bcache: dev %v blockNo %v recycled buf %v of bucket %v", dev, blockNo, b.index, home.index)
		b.lock.Lock()
		return
	}

	guard.unlock()

	for i := range table.buckets {
		if home.index == i {
			continue
		}

		donor := &table.buckets[i]
		probe++

		guard.lock(donor)

		b = table.lruFree(donor)
		if nil == b {
			guard.unlock()
			continue
		}

		b.assign(dev, blockNo)
		table.unlink(b.index)
		atomic.StoreInt32(&b.bucket, int32(home.index))

		guard.unlock()

		halter.Trigger(halter.BCacheBgetSteal)

		guard.lock(home)
		table.pushFront(home, b.index)
		guard.unlock()

		table.coordinator.Unlock()

		table.stats.CrossBucketSteals.Increment()
		table.stats.StealProbeBuckets.Add(probe)
		logger.Tracef("bcache: dev %v blockNo %v stole buf %v from bucket %v into bucket %v", dev, blockNo, b.index, donor.index, home.index)

		b.lock.Lock()
		return
	}

	table.coordinator.Unlock()

	table.stats.StealProbeBuckets.Add(probe)

	halter.Halt(blunder.NewError(blunder.NoBufsError, "bcache: no unreferenced buf for dev %v blockNo %v (all %v referenced)", dev, blockNo, len(table.bufs)))

	return
}

// checkBucket verifies bucket's list, recording each identity found in identities
// (keyed by dev and blockNo) and counting list members. Requires bucket's Shard Lock.
func (table *Table) checkBucket(bucket *bucketStruct, identities map[uint64]int, members *int) (err error) {
	prev := bucket.sentinel

	for i := table.links[bucket.sentinel].next; i != bucket.sentinel; i = table.links[i].next {
		if (0 > i) || (len(table.bufs) <= i) {
			err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): bucket %v links to %v which is not a buf", bucket.index, i)
			return
		}
		if prev != table.links[i].prev {
			err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): bucket %v buf %v prev is %v (expected %v)", bucket.index, i, table.links[i].prev, prev)
			return
		}

		*members++
		if len(table.bufs) < *members {
			err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): bucket lists hold more than %v bufs", len(table.bufs))
			return
		}

		b := &table.bufs[i]

		if int32(bucket.index) != atomic.LoadInt32(&b.bucket) {
			err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): buf %v on bucket %v list claims bucket %v", i, bucket.index, atomic.LoadInt32(&b.bucket))
			return
		}

		if b.assigned {
			if bucket.index != table.HomeBucket(b.blockNo) {
				err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): buf %v (dev: %v, blockNo: %v) in bucket %v (home: %v)", i, b.dev, b.blockNo, bucket.index, table.HomeBucket(b.blockNo))
				return
			}

			identity := uint64(b.dev)<<32 | uint64(b.blockNo)
			other, found := identities[identity]
			if found {
				err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): bufs %v and %v both hold dev: %v blockNo: %v", other, i, b.dev, b.blockNo)
				return
			}
			identities[identity] = i
		}

		prev = i
	}

	if prev != table.links[bucket.sentinel].prev {
		err = blunder.NewError(blunder.CorruptCacheError, "bcache.Check(): bucket %v tail is %v (expected %v)", bucket.index, table.links[bucket.sentinel].prev, prev)
	}

	return
}
