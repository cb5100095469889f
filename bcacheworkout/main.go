// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program bcacheworkout drives concurrent read/modify/write/release cycles through
// a bcache.Table over the block devices named in its .conf file and reports the
// achieved rate along with the Table's statistics.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/bcache/bcache"
	"github.com/NVIDIA/bcache/blockdev"
	"github.com/NVIDIA/bcache/bucketstats"
	"github.com/NVIDIA/bcache/conf"
	"github.com/NVIDIA/bcache/halter"
	"github.com/NVIDIA/bcache/logger"
	"github.com/NVIDIA/bcache/trackedlock"
	"github.com/NVIDIA/bcache/utils"
)

// Each block touched is stamped with:
//
//   [0:4]  blockNo
//   [4:8]  threadIndex+1 of the last private writer (0 for shared blocks)
//   [8:16] number of times written during this run

const (
	stampBlockNoOffset    = 0
	stampOwnerOffset      = 4
	stampGenerationOffset = 8
	stampSize             = 16
)

var (
	blocksPerThread uint64
	dev             uint32
	passes          uint64
	pinEvery        uint64
	sharedBase      uint32
	sharedBlocks    uint64
	table           *bcache.Table
	threads         uint64
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v threads blocks-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    blocks-per-thread       number of private blocks each thread will cycle through\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "Note: the [BCacheWorkout] section may set Dev, Passes, SharedBlocks, and PinEvery\n")
}

func fetchUint64WithDefault(confMap conf.ConfMap, optionName string, defaultValue uint64) (value uint64) {
	var (
		err error
	)

	if nil == confMap.VerifyOptionIsMissing("BCacheWorkout", optionName) {
		value = defaultValue
		return
	}

	value, err = confMap.FetchOptionValueUint64("BCacheWorkout", optionName)
	if nil != err {
		fmt.Fprintf(os.Stderr, "confMap.FetchOptionValueUint64(\"BCacheWorkout\", \"%v\") failed: %v\n", optionName, err)
		os.Exit(1)
	}

	return
}

func main() {
	var (
		bcacheConfig                 *bcache.ConfigStruct
		confMap                      conf.ConfMap
		device                       blockdev.Device
		deviceMap                    *blockdev.DeviceMap
		durationOfMeasuredOperations time.Duration
		err                          error
		latencyPerOpInMicroSeconds   float64
		opsPerSecond                 float64
		sharedGenerations            uint64
		stopwatch                    *utils.Stopwatch
		totalOps                     uint64
	)

	// Parse arguments

	if 4 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[1], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	blocksPerThread, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of blocks-per-thread failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == blocksPerThread {
		fmt.Fprintf(os.Stderr, "blocks-per-thread must be a positive number\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[3])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}

	if 4 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[4:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[4:], err)
			os.Exit(1)
		}
	}

	passes = fetchUint64WithDefault(confMap, "Passes", 4)
	sharedBlocks = fetchUint64WithDefault(confMap, "SharedBlocks", 16)
	pinEvery = fetchUint64WithDefault(confMap, "PinEvery", 0)

	// Start up needed components

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = trackedlock.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = halter.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "halter.Up() failed: %v\n", err)
		os.Exit(1)
	}

	deviceMap, err = blockdev.MakeDeviceMapFromConfMap(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "blockdev.MakeDeviceMapFromConfMap() failed: %v\n", err)
		os.Exit(1)
	}

	if nil == confMap.VerifyOptionIsMissing("BCacheWorkout", "Dev") {
		devs := deviceMap.Devices()
		if 0 == len(devs) {
			fmt.Fprintf(os.Stderr, "[BlockDev]DeviceList must name at least one device\n")
			os.Exit(1)
		}
		dev = devs[0]
	} else {
		dev, err = confMap.FetchOptionValueUint32("BCacheWorkout", "Dev")
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.FetchOptionValueUint32(\"BCacheWorkout\", \"Dev\") failed: %v\n", err)
			os.Exit(1)
		}
	}

	device, err = deviceMap.Device(dev)
	if nil != err {
		fmt.Fprintf(os.Stderr, "deviceMap.Device(%v) failed: %v\n", dev, err)
		os.Exit(1)
	}

	bcacheConfig, err = bcache.MakeConfig(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "bcache.MakeConfig() failed: %v\n", err)
		os.Exit(1)
	}
	if device.BlockSize() != bcacheConfig.BlockSize {
		fmt.Fprintf(os.Stderr, "dev %v BlockSize (%v) != [BCache]BlockSize (%v)\n", dev, device.BlockSize(), bcacheConfig.BlockSize)
		os.Exit(1)
	}
	if stampSize > bcacheConfig.BlockSize {
		fmt.Fprintf(os.Stderr, "[BCache]BlockSize must be at least %v\n", stampSize)
		os.Exit(1)
	}
	if (threads*blocksPerThread + sharedBlocks) > device.NumBlocks() {
		fmt.Fprintf(os.Stderr, "dev %v has %v blocks; %v needed\n", dev, device.NumBlocks(), threads*blocksPerThread+sharedBlocks)
		os.Exit(1)
	}
	// Each thread references at most one buf, plus one more while pinning
	maxRefs := threads
	if 0 != pinEvery {
		maxRefs *= 2
	}
	if maxRefs >= uint64(bcacheConfig.NumBufs) {
		fmt.Fprintf(os.Stderr, "%v threads may reference %v bufs; [BCache]NumBufs (%v) must be larger\n", threads, maxRefs, bcacheConfig.NumBufs)
		os.Exit(1)
	}
	if "" == bcacheConfig.StatsGroupName {
		bcacheConfig.StatsGroupName = fmt.Sprintf("dev%v", dev)
	}

	table, err = bcache.New(bcacheConfig, deviceMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "bcache.New() failed: %v\n", err)
		os.Exit(1)
	}

	sharedBase = uint32(threads * blocksPerThread)

	// Zero the stamps of every block the workout touches

	for blockNo := uint32(0); uint64(blockNo) < threads*blocksPerThread+sharedBlocks; blockNo++ {
		b := table.Bread(dev, blockNo)
		for i := range b.Data()[:stampSize] {
			b.Data()[i] = 0
		}
		binary.LittleEndian.PutUint32(b.Data()[stampBlockNoOffset:], blockNo)
		table.Bwrite(b)
		table.Brelse(b)
	}

	// Perform measured operations

	group := new(errgroup.Group)

	stopwatch = utils.NewStopwatch()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		threadIndexCopy := threadIndex
		group.Go(func() error {
			return bcacheWorkout(threadIndexCopy)
		})
	}
	err = group.Wait()
	durationOfMeasuredOperations = stopwatch.Stop()
	if nil != err {
		fmt.Fprintf(os.Stderr, "bcacheWorkout() failed: %v\n", err)
		os.Exit(1)
	}

	// Verify results

	for k := uint64(0); k < sharedBlocks; k++ {
		b := table.Bread(dev, sharedBase+uint32(k))
		sharedGenerations += binary.LittleEndian.Uint64(b.Data()[stampGenerationOffset:])
		table.Brelse(b)
	}
	if threads*passes*blocksPerThread != sharedGenerations {
		fmt.Fprintf(os.Stderr, "shared blocks record %v writes (expected %v)\n", sharedGenerations, threads*passes*blocksPerThread)
		os.Exit(1)
	}

	err = table.Check()
	if nil != err {
		fmt.Fprintf(os.Stderr, "table.Check() failed: %v\n", err)
		os.Exit(1)
	}

	statsString := bucketstats.SprintStats(bucketstats.StatFormatParsable1, "bcache", bcacheConfig.StatsGroupName)
	table.UnregisterStats()

	logger.Infof("bcacheworkout: %v threads completed %v passes in %s", threads, passes, stopwatch.ElapsedString())

	// Stop components launched above

	err = deviceMap.FlushAll()
	if nil != err {
		logger.WarnfWithError(err, "bcacheworkout: deviceMap.FlushAll() failed")
	}

	err = deviceMap.CloseAll()
	if nil != err {
		fmt.Fprintf(os.Stderr, "deviceMap.CloseAll() failed: %v\n", err)
		os.Exit(1)
	}

	err = halter.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "halter.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = trackedlock.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	// Each pass over a private block also touches one shared block
	totalOps = 2 * threads * passes * blocksPerThread

	opsPerSecond = float64(totalOps*1000*1000*1000) / float64(durationOfMeasuredOperations.Nanoseconds())
	latencyPerOpInMicroSeconds = float64(durationOfMeasuredOperations.Nanoseconds()) / float64(2*passes*blocksPerThread*1000)

	fmt.Printf("opsPerSecond = %10.2f\n", opsPerSecond)
	fmt.Printf("latencyPerOp = %10.2f us\n", latencyPerOpInMicroSeconds)
	fmt.Printf("\n%s", statsString)
}

func bcacheWorkout(threadIndex uint64) (err error) {
	var (
		b          *bcache.Buf
		blockNo    uint32
		generation uint64
		ops        uint64
		owner      uint32
		pinned     *bcache.Buf
	)

	privateBase := uint32(threadIndex * blocksPerThread)
	generations := make([]uint64, blocksPerThread)

	for pass := uint64(0); pass < passes; pass++ {
		for i := uint64(0); i < blocksPerThread; i++ {
			// Private block: only this thread writes it so its stamp is predictable

			blockNo = privateBase + uint32(i)
			b = table.Bread(dev, blockNo)

			if blockNo != binary.LittleEndian.Uint32(b.Data()[stampBlockNoOffset:]) {
				err = fmt.Errorf("thread %v: blockNo %v holds the stamp of blockNo %v", threadIndex, blockNo, binary.LittleEndian.Uint32(b.Data()[stampBlockNoOffset:]))
				table.Brelse(b)
				return
			}
			owner = binary.LittleEndian.Uint32(b.Data()[stampOwnerOffset:])
			generation = binary.LittleEndian.Uint64(b.Data()[stampGenerationOffset:])
			if ((0 != generation) && (uint32(threadIndex+1) != owner)) || (generations[i] != generation) {
				err = fmt.Errorf("thread %v: blockNo %v at generation %v owned by %v (expected %v)", threadIndex, blockNo, generation, owner, generations[i])
				table.Brelse(b)
				return
			}

			generations[i]++
			binary.LittleEndian.PutUint32(b.Data()[stampOwnerOffset:], uint32(threadIndex+1))
			binary.LittleEndian.PutUint64(b.Data()[stampGenerationOffset:], generations[i])
			table.Bwrite(b)

			ops++
			if nil != pinned {
				table.Bunpin(pinned)
				pinned = nil
			}
			if (0 != pinEvery) && (0 == ops%pinEvery) {
				table.Bpin(b)
				pinned = b
			}

			table.Brelse(b)

			// Shared block: every thread bumps its generation

			blockNo = sharedBase + uint32((threadIndex+pass*blocksPerThread+i)%sharedBlocks)
			b = table.Bread(dev, blockNo)
			generation = binary.LittleEndian.Uint64(b.Data()[stampGenerationOffset:])
			binary.LittleEndian.PutUint64(b.Data()[stampGenerationOffset:], generation+1)
			table.Bwrite(b)
			table.Brelse(b)
		}
	}

	if nil != pinned {
		table.Bunpin(pinned)
	}

	return
}
