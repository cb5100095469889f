// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"encoding/binary"

	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/bucketstats"
	"github.com/NVIDIA/bcache/conf"
)

const (
	BucketHashModulo   = "Modulo"
	BucketHashCityHash = "CityHash"
)

const (
	DefaultNumBuckets = uint32(13)
	DefaultNumBufs    = uint32(30)
	DefaultBlockSize  = uint32(1024)
)

// ConfigStruct holds the fixed parameters of a Table. MakeConfig fills it from
// the [BCache] section:
//
//   NumBuckets     - number of buckets (shards), a small prime [default: 13]
//   NumBufs        - number of bufs in the pool, >= NumBuckets [default: 30]
//   BlockSize      - bytes per block [default: 1024]
//   BucketHash     - Modulo or CityHash [default: Modulo]
//   StatsGroupName - if non-empty, bucketstats group for the Table's StatsStruct
//   TraceEnabled   - if true, trace each Bread/Bwrite/Brelse [default: false]
type ConfigStruct struct {
	NumBuckets     uint32
	NumBufs        uint32
	BlockSize      uint32
	BucketHash     string
	StatsGroupName string
	TraceEnabled   bool
}

// StatsStruct is registered with bucketstats under ("bcache", StatsGroupName).
type StatsStruct struct {
	FastPathHits      bucketstats.Total
	FastPathMisses    bucketstats.Total
	SlowPathHits      bucketstats.Total
	LocalRecycles     bucketstats.Total
	CrossBucketSteals bucketstats.Total
	DiskReads         bucketstats.Total
	DiskWrites        bucketstats.Total
	Releases          bucketstats.Total
	Pins              bucketstats.Total
	Unpins            bucketstats.Total

	BreadUsecs        bucketstats.BucketLog2
	BwriteUsecs       bucketstats.BucketLog2
	StealProbeBuckets bucketstats.BucketLog2
}

// DefaultConfig returns a ConfigStruct with every option at its default.
func DefaultConfig() (config *ConfigStruct) {
	config = &ConfigStruct{
		NumBuckets: DefaultNumBuckets,
		NumBufs:    DefaultNumBufs,
		BlockSize:  DefaultBlockSize,
		BucketHash: BucketHashModulo,
	}
	return
}

func fetchUint32(confMap conf.ConfMap, optionName string, value *uint32) (err error) {
	if nil == confMap.VerifyOptionIsMissing("BCache", optionName) {
		return
	}
	*value, err = confMap.FetchOptionValueUint32("BCache", optionName)
	return
}

// MakeConfig parses the [BCache] section of confMap. Missing options take their defaults.
func MakeConfig(confMap conf.ConfMap) (config *ConfigStruct, err error) {
	config = DefaultConfig()

	err = fetchUint32(confMap, "NumBuckets", &config.NumBuckets)
	if nil != err {
		return
	}
	err = fetchUint32(confMap, "NumBufs", &config.NumBufs)
	if nil != err {
		return
	}
	err = fetchUint32(confMap, "BlockSize", &config.BlockSize)
	if nil != err {
		return
	}

	if nil != confMap.VerifyOptionIsMissing("BCache", "BucketHash") {
		config.BucketHash, err = confMap.FetchOptionValueString("BCache", "BucketHash")
		if nil != err {
			return
		}
	}

	if nil != confMap.VerifyOptionIsMissing("BCache", "StatsGroupName") {
		err = confMap.VerifyOptionValueIsEmpty("BCache", "StatsGroupName")
		if nil != err {
			config.StatsGroupName, err = confMap.FetchOptionValueString("BCache", "StatsGroupName")
			if nil != err {
				return
			}
		}
	}

	if nil != confMap.VerifyOptionIsMissing("BCache", "TraceEnabled") {
		config.TraceEnabled, err = confMap.FetchOptionValueBool("BCache", "TraceEnabled")
		if nil != err {
			return
		}
	}

	err = config.validate()

	return
}

func (config *ConfigStruct) validate() (err error) {
	if 0 == config.NumBuckets {
		err = blunder.NewError(blunder.InvalidArgError, "bcache: NumBuckets must be non-zero")
		return
	}
	if config.NumBufs < config.NumBuckets {
		err = blunder.NewError(blunder.InvalidArgError, "bcache: NumBufs (%v) must be >= NumBuckets (%v)", config.NumBufs, config.NumBuckets)
		return
	}
	if 0 == config.BlockSize {
		err = blunder.NewError(blunder.InvalidArgError, "bcache: BlockSize must be non-zero")
		return
	}
	_, err = hashFunc(config.BucketHash)
	return
}

func moduloHash(blockNo uint32) uint64 {
	return uint64(blockNo)
}

func cityHash(blockNo uint32) uint64 {
	var key [4]byte

	binary.LittleEndian.PutUint32(key[:], blockNo)

	return cityhash.Hash64(key[:])
}

func hashFunc(bucketHash string) (hash func(blockNo uint32) uint64, err error) {
	switch bucketHash {
	case BucketHashModulo:
		hash = moduloHash
	case BucketHashCityHash:
		hash = cityHash
	default:
		err = blunder.NewError(blunder.InvalidArgError, "bcache: BucketHash must be %v or %v (not \"%v\")", BucketHashModulo, BucketHashCityHash, bucketHash)
	}
	return
}
