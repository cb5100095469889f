// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blockdev provides the synchronous block transfer primitive beneath the
// buffer cache: devices addressed by a device id, each an array of fixed-size
// blocks that are read or written whole.
package blockdev

import (
	"sort"
	"sync"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/logger"
)

// Direction selects a block transfer from (Read) or to (Write) the device.
type Direction int

const (
	Read Direction = iota
	Write
)

func (dir Direction) String() string {
	switch dir {
	case Read:
		return "Read"
	case Write:
		return "Write"
	default:
		return "Unknown"
	}
}

// Device is an array of NumBlocks() blocks of BlockSize() bytes each.
//
// ReadBlock and WriteBlock transfer exactly one whole block and return only once
// the transfer is complete.
type Device interface {
	BlockSize() uint32
	NumBlocks() uint64
	ReadBlock(blockNo uint32, buf []byte) (err error)
	WriteBlock(blockNo uint32, buf []byte) (err error)
	Flush() (err error)
	Close() (err error)
}

// DeviceMap routes transfers to the Device attached under each device id.
type DeviceMap struct {
	sync.RWMutex
	devices map[uint32]Device
}

func NewDeviceMap() (deviceMap *DeviceMap) {
	deviceMap = &DeviceMap{devices: make(map[uint32]Device)}
	return
}

// Attach makes device reachable as dev.
func (deviceMap *DeviceMap) Attach(dev uint32, device Device) (err error) {
	deviceMap.Lock()
	defer deviceMap.Unlock()

	_, ok := deviceMap.devices[dev]
	if ok {
		err = blunder.NewError(blunder.DevBusyError, "blockdev.Attach(): dev %v already attached", dev)
		return
	}

	deviceMap.devices[dev] = device

	logger.Infof("blockdev: attached dev %v (%T) BlockSize: %v NumBlocks: %v", dev, device, device.BlockSize(), device.NumBlocks())

	return
}

// Detach removes and returns the Device attached as dev. The Device is not closed.
func (deviceMap *DeviceMap) Detach(dev uint32) (device Device, err error) {
	deviceMap.Lock()
	defer deviceMap.Unlock()

	device, ok := deviceMap.devices[dev]
	if !ok {
		err = blunder.NewError(blunder.NoDeviceError, "blockdev.Detach(): dev %v not attached", dev)
		return
	}

	delete(deviceMap.devices, dev)

	return
}

// Device returns the Device attached as dev.
func (deviceMap *DeviceMap) Device(dev uint32) (device Device, err error) {
	deviceMap.RLock()
	device, ok := deviceMap.devices[dev]
	deviceMap.RUnlock()

	if !ok {
		err = blunder.NewError(blunder.NoDeviceError, "blockdev: dev %v not attached", dev)
	}

	return
}

// Devices returns the attached device ids in ascending order.
func (deviceMap *DeviceMap) Devices() (devs []uint32) {
	deviceMap.RLock()
	devs = make([]uint32, 0, len(deviceMap.devices))
	for dev := range deviceMap.devices {
		devs = append(devs, dev)
	}
	deviceMap.RUnlock()

	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })

	return
}

// RW performs one synchronous whole-block transfer between buf and block blockNo of dev.
func (deviceMap *DeviceMap) RW(dev uint32, blockNo uint32, buf []byte, dir Direction) (err error) {
	device, err := deviceMap.Device(dev)
	if nil != err {
		return
	}

	switch dir {
	case Read:
		err = device.ReadBlock(blockNo, buf)
	case Write:
		err = device.WriteBlock(blockNo, buf)
	default:
		err = blunder.NewError(blunder.InvalidArgError, "blockdev.RW(): invalid Direction %v", int(dir))
	}

	return
}

// FlushAll flushes every attached Device, returning the first error encountered.
func (deviceMap *DeviceMap) FlushAll() (err error) {
	for _, dev := range deviceMap.Devices() {
		device, deviceErr := deviceMap.Device(dev)
		if nil != deviceErr {
			continue
		}
		flushErr := device.Flush()
		if (nil != flushErr) && (nil == err) {
			err = flushErr
		}
	}

	return
}

// CloseAll detaches and closes every attached Device, returning the first error encountered.
func (deviceMap *DeviceMap) CloseAll() (err error) {
	for _, dev := range deviceMap.Devices() {
		device, detachErr := deviceMap.Detach(dev)
		if nil != detachErr {
			continue
		}
		closeErr := device.Close()
		if (nil != closeErr) && (nil == err) {
			err = closeErr
		}
	}

	return
}

// checkTransfer validates a transfer against a device's geometry.
func checkTransfer(device Device, blockNo uint32, buf []byte) (err error) {
	if uint64(blockNo) >= device.NumBlocks() {
		err = blunder.NewError(blunder.OutOfRangeError, "blockdev: blockNo %v beyond NumBlocks %v", blockNo, device.NumBlocks())
		return
	}
	if uint32(len(buf)) != device.BlockSize() {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev: len(buf) %v != BlockSize %v", len(buf), device.BlockSize())
		return
	}

	return
}
