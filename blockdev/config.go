// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/conf"
	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/utils"
)

// DeviceConfigStruct describes one [BlockDevice:<Name>] section:
//
//   DevNum    - device id used to address the device
//   Type      - RAM or File
//   BlockSize - bytes per block (RAM, or File when formatting) [default: 1024]
//   NumBlocks - blocks on the device (RAM, or File when formatting) [default: 1000]
//   Path      - disk image path (File only)
//   Format    - if true, (re)create the disk image at Path [default: false]
//   IOPSLimit - if non-zero, pace transfers to this many per second [default: 0]
//   IOPSBurst - transfers allowed back to back when paced [default: 1]
type DeviceConfigStruct struct {
	Name      string
	DevNum    uint32
	Type      string
	BlockSize uint32
	NumBlocks uint64
	Path      string
	Format    bool
	IOPSLimit uint32
	IOPSBurst uint32
}

const (
	DeviceTypeRAM  = "RAM"
	DeviceTypeFile = "File"

	defaultBlockSize = uint32(1024)
	defaultNumBlocks = uint64(1000)
)

func fetchUint32WithDefault(confMap conf.ConfMap, sectionName string, optionName string, defaultValue uint32) (value uint32, err error) {
	if nil == confMap.VerifyOptionIsMissing(sectionName, optionName) {
		value = defaultValue
		return
	}
	value, err = confMap.FetchOptionValueUint32(sectionName, optionName)
	return
}

// MakeDeviceConfig parses the [BlockDevice:<name>] section.
func MakeDeviceConfig(confMap conf.ConfMap, name string) (deviceConfig *DeviceConfigStruct, err error) {
	sectionName := "BlockDevice:" + name

	deviceConfig = &DeviceConfigStruct{Name: name}

	deviceConfig.DevNum, err = confMap.FetchOptionValueUint32(sectionName, "DevNum")
	if nil != err {
		return
	}
	deviceConfig.Type, err = confMap.FetchOptionValueString(sectionName, "Type")
	if nil != err {
		return
	}
	deviceConfig.BlockSize, err = fetchUint32WithDefault(confMap, sectionName, "BlockSize", defaultBlockSize)
	if nil != err {
		return
	}
	if nil == confMap.VerifyOptionIsMissing(sectionName, "NumBlocks") {
		deviceConfig.NumBlocks = defaultNumBlocks
	} else {
		deviceConfig.NumBlocks, err = confMap.FetchOptionValueUint64(sectionName, "NumBlocks")
		if nil != err {
			return
		}
	}
	if nil == confMap.VerifyOptionIsMissing(sectionName, "Format") {
		deviceConfig.Format = false
	} else {
		deviceConfig.Format, err = confMap.FetchOptionValueBool(sectionName, "Format")
		if nil != err {
			return
		}
	}
	deviceConfig.IOPSLimit, err = fetchUint32WithDefault(confMap, sectionName, "IOPSLimit", 0)
	if nil != err {
		return
	}
	deviceConfig.IOPSBurst, err = fetchUint32WithDefault(confMap, sectionName, "IOPSBurst", 1)
	if nil != err {
		return
	}

	switch deviceConfig.Type {
	case DeviceTypeRAM:
	case DeviceTypeFile:
		deviceConfig.Path, err = confMap.FetchOptionValueString(sectionName, "Path")
		if nil != err {
			return
		}
	default:
		err = blunder.NewError(blunder.InvalidArgError, "[%v]Type must be %v or %v (not %v)", sectionName, DeviceTypeRAM, DeviceTypeFile, deviceConfig.Type)
		return
	}

	return
}

// Open creates (or opens) the device described by deviceConfig.
func (deviceConfig *DeviceConfigStruct) Open() (device Device, err error) {
	switch deviceConfig.Type {
	case DeviceTypeRAM:
		device, err = NewRAMDevice(deviceConfig.BlockSize, deviceConfig.NumBlocks)
	case DeviceTypeFile:
		if deviceConfig.Format {
			err = FormatImage(deviceConfig.Path, deviceConfig.BlockSize, deviceConfig.NumBlocks)
			if nil != err {
				return
			}
		}
		device, err = OpenFileDevice(deviceConfig.Path)
	default:
		err = blunder.NewError(blunder.InvalidArgError, "blockdev: unknown device Type %v", deviceConfig.Type)
	}
	if nil != err {
		return
	}

	if 0 != deviceConfig.IOPSLimit {
		device, err = NewThrottledDevice(device, deviceConfig.IOPSLimit, deviceConfig.IOPSBurst)
	}

	return
}

// MakeDeviceMapFromConfMap opens and attaches each device named in [BlockDev]DeviceList.
func MakeDeviceMapFromConfMap(confMap conf.ConfMap) (deviceMap *DeviceMap, err error) {
	var (
		device       Device
		deviceConfig *DeviceConfigStruct
		deviceList   []string
	)

	deviceList, err = confMap.FetchOptionValueStringSlice("BlockDev", "DeviceList")
	if nil != err {
		return
	}

	deviceMap = NewDeviceMap()

	for _, name := range deviceList {
		deviceConfig, err = MakeDeviceConfig(confMap, name)
		if nil == err {
			logger.Infof("blockdev: device %v config: %s", name, utils.JSONify(deviceConfig, false))
			device, err = deviceConfig.Open()
		}
		if nil == err {
			err = deviceMap.Attach(deviceConfig.DevNum, device)
			if nil != err {
				_ = device.Close()
			}
		}
		if nil != err {
			_ = deviceMap.CloseAll()
			deviceMap = nil
			logger.ErrorfWithError(err, "blockdev: device %v setup failed", name)
			return
		}
	}

	return
}
