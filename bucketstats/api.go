// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics. Statistics start at zero and
// grow as they are added to.
//
// The statistics provided include totals (the Totaler interface), averages
// (the Averager interface), and power-of-two distributions (the Bucketer
// interface).
//
// One or more statistics are placed in a structure and registered, with a
// package name and group name, via a call to Register(). Registered groups are
// printed by SprintStats().
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler that also counts the values added.
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo describes one bucket of a distribution: the number of values
// added to it and the range of values mapped to it.
type BucketInfo struct {
	Count     uint64
	RangeLow  uint64
	RangeHigh uint64
}

// A Bucketer is an Averager which also tracks the distribution of values.
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields holding
// statistics. It may also contain other fields that are not bucketstats types.
//
// The combination of pkgName and statsGroupName must be unique. Fields whose
// Name is empty are named after the field.
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics. The names may then be registered again.
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns the statistics of the selected group(s), one per line.
//
// Use "*" to select all package names with a given group name, all
// groups with a given package name, or all groups.
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple totaler. It supports the Totaler interface.
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (total *Total) Add(value uint64) {
	atomic.AddUint64(&total.total, value)
}

func (total *Total) Increment() {
	atomic.AddUint64(&total.total, 1)
}

func (total *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&total.total)
}

func (total *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return total.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their total. It supports the Averager interface.
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (average *Average) Add(value uint64) {
	atomic.AddUint64(&average.total, value)
	atomic.AddUint64(&average.count, 1)
}

func (average *Average) Increment() {
	average.Add(1)
}

func (average *Average) CountGet() uint64 {
	return atomic.LoadUint64(&average.count)
}

func (average *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&average.total)
}

func (average *Average) AverageGet() (avg uint64) {
	count := atomic.LoadUint64(&average.count)
	if 0 < count {
		avg = atomic.LoadUint64(&average.total) / count
	}
	return
}

func (average *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return average.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2 holds bucketized statistics where value 0 goes in bucket 0 and
// any other value goes in bucket bits.Len64(value), i.e.:
//
//  Values  Bucket
//       0       0
//       1       1
//   2 - 3       2
//   4 - 7       3
//  8 - 15       4
//     etc.
//
// NBucket (max 65, min 8, default 65) must be set before the statistic is
// registered; values beyond the last bucket are counted in it. The exact total
// of all values added is kept as well.
type BucketLog2 struct {
	count       uint64 // Ensure 64-bit alignment
	total       uint64 // Ensure 64-bit alignment
	Name        string
	NBucket     uint
	statBuckets [65]uint32
}

func (bucket *BucketLog2) Add(value uint64) {
	idx := uint(bits.Len64(value))
	nBucket := bucket.NBucket
	if (0 == nBucket) || (uint(len(bucket.statBuckets)) < nBucket) {
		nBucket = uint(len(bucket.statBuckets))
	}
	if idx > nBucket-1 {
		idx = nBucket - 1
	}

	atomic.AddUint32(&bucket.statBuckets[idx], 1)
	atomic.AddUint64(&bucket.total, value)
	atomic.AddUint64(&bucket.count, 1)
}

func (bucket *BucketLog2) Increment() {
	bucket.Add(1)
}

func (bucket *BucketLog2) CountGet() uint64 {
	return atomic.LoadUint64(&bucket.count)
}

func (bucket *BucketLog2) TotalGet() uint64 {
	return atomic.LoadUint64(&bucket.total)
}

func (bucket *BucketLog2) AverageGet() (avg uint64) {
	count := atomic.LoadUint64(&bucket.count)
	if 0 < count {
		avg = atomic.LoadUint64(&bucket.total) / count
	}
	return
}

// DistGet returns BucketInfo information for all the buckets.
func (bucket *BucketLog2) DistGet() []BucketInfo {
	return bucket.distGet()
}

func (bucket *BucketLog2) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return bucket.sprint(stringFmt, pkgName, statsGroupName)
}
