// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/bcache/blunder"
)

// TransferHook is invoked at the start of each transfer. A RAMDevice's hook may
// sleep to widen race windows.
type TransferHook func(blockNo uint32, dir Direction)

// RAMDevice keeps its blocks in memory and counts the transfers it performs.
type RAMDevice struct {
	reads          uint64 // (atomic) Ensure 64-bit alignment
	writes         uint64 // (atomic)
	hook           atomic.Value
	sync.RWMutex   // protects blocks, transferCounts, and closed
	blockSize      uint32
	numBlocks      uint64
	blocks         []byte
	transferCounts map[uint64]uint64 // key: blockNo<<1|dir
	closed         bool
}

func NewRAMDevice(blockSize uint32, numBlocks uint64) (ramDevice *RAMDevice, err error) {
	if (0 == blockSize) || (0 == numBlocks) {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev.NewRAMDevice(): blockSize (%v) and numBlocks (%v) must be non-zero", blockSize, numBlocks)
		return
	}

	ramDevice = &RAMDevice{
		blockSize:      blockSize,
		numBlocks:      numBlocks,
		blocks:         make([]byte, uint64(blockSize)*numBlocks),
		transferCounts: make(map[uint64]uint64),
	}

	return
}

func (ramDevice *RAMDevice) BlockSize() uint32 {
	return ramDevice.blockSize
}

func (ramDevice *RAMDevice) NumBlocks() uint64 {
	return ramDevice.numBlocks
}

// SetTransferHook installs (or, if nil, removes) hook.
func (ramDevice *RAMDevice) SetTransferHook(hook TransferHook) {
	ramDevice.hook.Store(hook)
}

func (ramDevice *RAMDevice) transfer(blockNo uint32, buf []byte, dir Direction) (err error) {
	err = checkTransfer(ramDevice, blockNo, buf)
	if nil != err {
		return
	}

	hook, _ := ramDevice.hook.Load().(TransferHook)
	if nil != hook {
		hook(blockNo, dir)
	}

	offset := uint64(blockNo) * uint64(ramDevice.blockSize)
	block := ramDevice.blocks[offset : offset+uint64(ramDevice.blockSize)]

	ramDevice.Lock()
	defer ramDevice.Unlock()

	if ramDevice.closed {
		err = blunder.NewError(blunder.IOError, "blockdev: RAMDevice closed")
		return
	}

	if Read == dir {
		copy(buf, block)
		atomic.AddUint64(&ramDevice.reads, 1)
	} else {
		copy(block, buf)
		atomic.AddUint64(&ramDevice.writes, 1)
	}
	ramDevice.transferCounts[uint64(blockNo)<<1|uint64(dir)]++

	return
}

func (ramDevice *RAMDevice) ReadBlock(blockNo uint32, buf []byte) (err error) {
	return ramDevice.transfer(blockNo, buf, Read)
}

func (ramDevice *RAMDevice) WriteBlock(blockNo uint32, buf []byte) (err error) {
	return ramDevice.transfer(blockNo, buf, Write)
}

func (ramDevice *RAMDevice) Flush() (err error) {
	return
}

func (ramDevice *RAMDevice) Close() (err error) {
	ramDevice.Lock()
	ramDevice.closed = true
	ramDevice.Unlock()
	return
}

// Reads returns the number of completed block reads.
func (ramDevice *RAMDevice) Reads() uint64 {
	return atomic.LoadUint64(&ramDevice.reads)
}

// Writes returns the number of completed block writes.
func (ramDevice *RAMDevice) Writes() uint64 {
	return atomic.LoadUint64(&ramDevice.writes)
}

// TransferCount returns the number of completed dir transfers of blockNo.
func (ramDevice *RAMDevice) TransferCount(blockNo uint32, dir Direction) (count uint64) {
	ramDevice.RLock()
	count = ramDevice.transferCounts[uint64(blockNo)<<1|uint64(dir)]
	ramDevice.RUnlock()
	return
}

// Peek returns a copy of blockNo's contents without counting a transfer.
func (ramDevice *RAMDevice) Peek(blockNo uint32) (block []byte) {
	if uint64(blockNo) >= ramDevice.numBlocks {
		return
	}

	offset := uint64(blockNo) * uint64(ramDevice.blockSize)

	ramDevice.RLock()
	block = append([]byte(nil), ramDevice.blocks[offset:offset+uint64(ramDevice.blockSize)]...)
	ramDevice.RUnlock()

	return
}
