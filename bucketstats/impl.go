// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType      = reflect.TypeOf(Total{})
	averageType    = reflect.TypeOf(Average{})
	bucketLog2Type = reflect.TypeOf(BucketLog2{})
)

func isStatType(fieldAsType reflect.Type) bool {
	return (totalType == fieldAsType) || (averageType == fieldAsType) || (bucketLog2Type == fieldAsType)
}

func verifyStatsStruct(statsGroupName string, statsStruct interface{}) (structAsValue reflect.Value) {
	if (reflect.Ptr != reflect.TypeOf(statsStruct).Kind()) ||
		(reflect.Struct != reflect.ValueOf(statsStruct).Elem().Type().Kind()) {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue = reflect.ValueOf(statsStruct).Elem()
	return
}

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if ("" == pkgName) && ("" == statsGroupName) {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	// name each statistic (if not already named) and verify each name is only used once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if "" == statNameValue.String() {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}

		bucket, ok := fieldAsValue.Addr().Interface().(*BucketLog2)
		if ok {
			if (0 == bucket.NBucket) || (uint(len(bucket.statBuckets)) < bucket.NBucket) {
				bucket.NBucket = uint(len(bucket.statBuckets))
			} else if 8 > bucket.NBucket {
				bucket.NBucket = 8
			}
		}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil == pkgNameToGroupName {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if nil == pkgNameToGroupName[pkgName] {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if nil != pkgNameToGroupName[pkgName][statsGroupName] {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore groups that were never registered
	if nil != pkgNameToGroupName[pkgName] {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if 0 == len(pkgNameToGroupName[pkgName]) {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]map[string]interface{}) (keys []string) {
	keys = make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	var (
		groupNames []string
		pkgNames   []string
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if "*" == pkgName {
		pkgNames = sortedKeys(pkgNameToGroupName)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		if "*" == statsGroupName {
			groupNames = make([]string, 0, len(pkgNameToGroupName[pkg]))
			for group := range pkgNameToGroupName[pkg] {
				groupNames = append(groupNames, group)
			}
			sort.Strings(groupNames)
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf("bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}

	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}

	return
}

// statisticName returns the fully qualified name of a statistic in the specified format
func statisticName(stringFmt StatStringFormat, pkgName string, statsGroupName string, fieldName string) (statName string, ok bool) {
	if StatFormatParsable1 != stringFmt {
		return
	}

	switch {
	case "" == pkgName:
		statName = statsGroupName + "." + fieldName
	case "" == statsGroupName:
		statName = pkgName + "." + fieldName
	default:
		statName = pkgName + "." + statsGroupName + "." + fieldName
	}
	ok = true

	return
}

func unknownFormat(stringFmt StatStringFormat, pkgName string, statsGroupName string, fieldName string) string {
	return fmt.Sprintf("pkg: '%s' Stats Group '%s' field '%s': Unknown StatStringFormat: '%v'\n",
		pkgName, statsGroupName, fieldName, stringFmt)
}

func (total *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName, ok := statisticName(stringFmt, pkgName, statsGroupName, total.Name)
	if !ok {
		return unknownFormat(stringFmt, pkgName, statsGroupName, total.Name)
	}

	return fmt.Sprintf("%s total:%d\n", statName, total.TotalGet())
}

func (average *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName, ok := statisticName(stringFmt, pkgName, statsGroupName, average.Name)
	if !ok {
		return unknownFormat(stringFmt, pkgName, statsGroupName, average.Name)
	}

	return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
		statName, average.TotalGet(), average.CountGet(), average.AverageGet())
}

func (bucket *BucketLog2) nBucket() uint {
	if (0 == bucket.NBucket) || (uint(len(bucket.statBuckets)) < bucket.NBucket) {
		return uint(len(bucket.statBuckets))
	}
	return bucket.NBucket
}

func (bucket *BucketLog2) distGet() (bucketInfo []BucketInfo) {
	nBucket := bucket.nBucket()

	bucketInfo = make([]BucketInfo, nBucket)
	for i := uint(0); i < nBucket; i++ {
		bucketInfo[i].Count = uint64(atomic.LoadUint32(&bucket.statBuckets[i]))
		if 0 != i {
			bucketInfo[i].RangeLow = uint64(1) << (i - 1)
			bucketInfo[i].RangeHigh = bucketInfo[i].RangeLow + (bucketInfo[i].RangeLow - 1)
		}
	}
	bucketInfo[nBucket-1].RangeHigh = math.MaxUint64

	return
}

func (bucket *BucketLog2) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName, ok := statisticName(stringFmt, pkgName, statsGroupName, bucket.Name)
	if !ok {
		return unknownFormat(stringFmt, pkgName, statsGroupName, bucket.Name)
	}

	line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, bucket.TotalGet(), bucket.CountGet(), bucket.AverageGet())

	bucketInfo := bucket.distGet()
	lastIdx := -1
	for idx := range bucketInfo {
		if 0 < bucketInfo[idx].Count {
			lastIdx = idx
		}
	}
	for idx := 0; idx <= lastIdx; idx++ {
		line += fmt.Sprintf(" %d:%d", bucketInfo[idx].RangeLow, bucketInfo[idx].Count)
	}

	return line + "\n"
}

// scrubName replaces whitespace, unprintable characters, splat ('*', used as a
// wildcard), sharp ('#', used for comments) and colon (':', used as a
// delimiter in "key:value" output) with underbar ('_')
func scrubName(name string) string {
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), !unicode.IsPrint(r), ('*' == r), (':' == r), ('#' == r):
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
