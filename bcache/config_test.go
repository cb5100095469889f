// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/bcache/blunder"
	"github.com/NVIDIA/bcache/conf"
)

func TestMakeConfig(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	config, err := MakeConfig(conf.MakeConfMap())
	require.NoError(err)
	assert.Equal(DefaultConfig(), config)
	assert.Equal(uint32(13), config.NumBuckets)
	assert.Equal(uint32(30), config.NumBufs)
	assert.Equal(uint32(1024), config.BlockSize)
	assert.Equal(BucketHashModulo, config.BucketHash)
	assert.Equal("", config.StatsGroupName)
	assert.False(config.TraceEnabled)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"BCache.NumBuckets=7",
		"BCache.NumBufs=64",
		"BCache.BlockSize=4096",
		"BCache.BucketHash=CityHash",
		"BCache.StatsGroupName=disk0",
		"BCache.TraceEnabled=yes",
	})
	require.NoError(err)

	config, err = MakeConfig(confMap)
	require.NoError(err)
	assert.Equal(&ConfigStruct{
		NumBuckets:     7,
		NumBufs:        64,
		BlockSize:      4096,
		BucketHash:     BucketHashCityHash,
		StatsGroupName: "disk0",
		TraceEnabled:   true,
	}, config)

	confMap, err = conf.MakeConfMapFromStrings([]string{"BCache.StatsGroupName="})
	require.NoError(err)
	config, err = MakeConfig(confMap)
	require.NoError(err)
	assert.Equal("", config.StatsGroupName)

	for _, confString := range []string{
		"BCache.NumBuckets=0",
		"BCache.NumBufs=12",
		"BCache.BlockSize=0",
		"BCache.BucketHash=Bogus",
	} {
		confMap, err = conf.MakeConfMapFromStrings([]string{confString})
		require.NoError(err)
		_, err = MakeConfig(confMap)
		assert.True(blunder.Is(err, blunder.InvalidArgError), confString)
	}

	for _, confString := range []string{
		"BCache.NumBuckets=thirteen",
		"BCache.NumBufs=-1",
		"BCache.TraceEnabled=maybe",
		"BCache.BucketHash=Modulo,CityHash",
	} {
		confMap, err = conf.MakeConfMapFromStrings([]string{confString})
		require.NoError(err)
		_, err = MakeConfig(confMap)
		assert.Error(err, confString)
	}
}
