// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/bcache/blunder"
)

// ThrottledDevice paces the transfers of the Device it wraps to at most
// iopsLimit per second (with bursts of up to burst transfers).
type ThrottledDevice struct {
	Device
	limiter *rate.Limiter
}

func NewThrottledDevice(device Device, iopsLimit uint32, burst uint32) (throttledDevice *ThrottledDevice, err error) {
	if 0 == iopsLimit {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev.NewThrottledDevice(): iopsLimit must be non-zero")
		return
	}
	if 0 == burst {
		burst = 1
	}

	throttledDevice = &ThrottledDevice{
		Device:  device,
		limiter: rate.NewLimiter(rate.Limit(iopsLimit), int(burst)),
	}

	return
}

func (throttledDevice *ThrottledDevice) wait() (err error) {
	err = throttledDevice.limiter.Wait(context.Background())
	if nil != err {
		err = blunder.AddError(fmt.Errorf("blockdev: throttle wait failed: %v", err), blunder.IOError)
	}
	return
}

func (throttledDevice *ThrottledDevice) ReadBlock(blockNo uint32, buf []byte) (err error) {
	err = throttledDevice.wait()
	if nil == err {
		err = throttledDevice.Device.ReadBlock(blockNo, buf)
	}
	return
}

func (throttledDevice *ThrottledDevice) WriteBlock(blockNo uint32, buf []byte) (err error) {
	err = throttledDevice.wait()
	if nil == err {
		err = throttledDevice.Device.WriteBlock(blockNo, buf)
	}
	return
}
