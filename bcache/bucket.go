// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/halter"
	"github.com/NVIDIA/bcache/trackedlock"
)

// Each bucket's recency list is circular and threaded through Table.links:
// links[0..NumBufs-1] belong to the bufs and links[NumBufs+b] is bucket b's
// sentinel. The sentinel's next is the most recently released buf and its prev
// the least recently released one.

type listLinkStruct struct {
	prev int
	next int
}

// bucketStruct's Mutex is its Shard Lock. It protects the bucket's list and the
// metadata (identity and refCnt) of each buf on it.
type bucketStruct struct {
	trackedlock.Mutex
	index    int
	sentinel int // index of this bucket's sentinel in Table.links
}

// All of the following require the caller to hold bucket's Shard Lock.

func (table *Table) pushFront(bucket *bucketStruct, bufIndex int) {
	sentinel := &table.links[bucket.sentinel]
	first := sentinel.next

	table.links[bufIndex] = listLinkStruct{prev: bucket.sentinel, next: first}
	table.links[first].prev = bufIndex
	sentinel.next = bufIndex
}

func (table *Table) unlink(bufIndex int) {
	link := table.links[bufIndex]

	table.links[link.prev].next = link.next
	table.links[link.next].prev = link.prev
	table.links[bufIndex] = listLinkStruct{prev: bufIndex, next: bufIndex}
}

func (table *Table) moveToFront(bucket *bucketStruct, bufIndex int) {
	if table.links[bucket.sentinel].next == bufIndex {
		return
	}
	table.unlink(bufIndex)
	table.pushFront(bucket, bufIndex)
}

// lookup scans from the most recently released end for an assigned buf holding (dev, blockNo).
func (table *Table) lookup(bucket *bucketStruct, dev uint32, blockNo uint32) (buf *Buf) {
	for i := table.links[bucket.sentinel].next; i != bucket.sentinel; i = table.links[i].next {
		candidate := &table.bufs[i]
		if candidate.assigned && (candidate.dev == dev) && (candidate.blockNo == blockNo) {
			buf = candidate
			return
		}
	}
	return
}

// lruFree scans from the least recently released end for a buf no one references.
func (table *Table) lruFree(bucket *bucketStruct) (buf *Buf) {
	for i := table.links[bucket.sentinel].prev; i != bucket.sentinel; i = table.links[i].prev {
		candidate := &table.bufs[i]
		if 0 == candidate.refCnt {
			buf = candidate
			return
		}
	}
	return
}

// shardGuard owns the one Shard Lock the slow path may hold at any instant.
type shardGuard struct {
	held *bucketStruct
}

func (guard *shardGuard) lock(bucket *bucketStruct) {
	if nil != guard.held {
		err := blunder.NewError(blunder.ContractViolationError, "bcache: shard lock %v requested while shard lock %v is held", bucket.index, guard.held.index)
		guard.unlock()
		halter.Halt(err)
	}
	bucket.Lock()
	guard.held = bucket
}

func (guard *shardGuard) unlock() {
	if nil == guard.held {
		halter.Halt(blunder.NewError(blunder.ContractViolationError, "bcache: shard lock released while none is held"))
	}
	guard.held.Unlock()
	guard.held = nil
}
