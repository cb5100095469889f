// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	assignment   = "([ \t]*[=:][ \t]*)"
	dot          = "(\\.)"
	leftBracket  = "(\\[)"
	rightBracket = "(\\])"
	sectionName  = "([0-9A-Za-z_\\-/:\\.]+)"
	separator    = "([ \t]+|([ \t]*,[ \t]*))"
	token        = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"
	whiteSpace   = "([ \t]+)"
	valueList    = "(" + token + "(" + separator + token + ")*)?"
)

// An update string looks like one of:
//
//   <section_name>.<option_name> =
//   <section_name>.<option_name> : <value_1>
//   <section_name>.<option_name> = <value_1>, <value_2> <value_3>

var (
	stringRE                          = regexp.MustCompile("\\A" + token + dot + token + assignment + valueList + "\\z")
	sectionNameOptionNameSeparatorRE  = regexp.MustCompile(dot)
	sectionHeaderLineRE               = regexp.MustCompile("\\A" + leftBracket + token + rightBracket + "\\z")
	sectionNameRE                     = regexp.MustCompile(sectionName)
	optionLineRE                      = regexp.MustCompile("\\A" + token + assignment + valueList + "\\z")
	optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
	optionValueSeparatorRE            = regexp.MustCompile(separator)
	includeLineRE                     = regexp.MustCompile("\\A\\.include" + whiteSpace + token + "\\z")
	includeFilePathSeparatorRE        = regexp.MustCompile(whiteSpace)
)

// A .conf file looks like:
//
//   # A comment on its own line starting with '#'
//   [<section_name_1>]          ; A comment at the end of a line starting with ';'
//   <option_name_1> = <value_1>
//   <option_name_2> : <value_2> <value_3>,<value_4>
//
//   .include <another .conf path, relative to this one unless absolute>
//
//   [<section_name_2>]
//   <option_name_3> =

func splitOptionValues(optionValues string) (optionValuesSplit []string) {
	optionValuesSplit = optionValueSeparatorRE.Split(optionValues, -1)
	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}
	return
}

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = optionValues
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionNameAndOptionPayload := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)
	optionNameAndOptionValues := optionNameOptionValuesSeparatorRE.Split(sectionNameAndOptionPayload[1], 2)

	confMap.setOption(sectionNameAndOptionPayload[0], optionNameAndOptionValues[0], splitOptionValues(optionNameAndOptionValues[1]))

	err = nil
	return
}

// UpdateFromStrings applies UpdateFromString to each of confStrings in order
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath ("-" is stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes []byte
	)

	if "-" == confFilePath {
		confFileBytes, err = io.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = os.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	if !utf8.Valid(confFileBytes) {
		err = fmt.Errorf("file %v contained invalid UTF-8", confFilePath)
		return
	}
	if (0 < len(confFileBytes)) && ('\n' != confFileBytes[len(confFileBytes)-1]) {
		err = fmt.Errorf("file %v did not end in a '\\n' character", confFilePath)
		return
	}

	err = confMap.updateFromLines(confFilePath, bufio.NewScanner(bytes.NewReader(confFileBytes)))

	return
}

func (confMap ConfMap) updateFromLines(confFilePath string, scanner *bufio.Scanner) (err error) {
	var (
		currentLine        string
		currentLineNumber  int
		currentSectionName string
	)

	for scanner.Scan() {
		currentLineNumber++

		currentLine = strings.SplitN(scanner.Text(), ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case includeLineRE.MatchString(currentLine):
			nestedConfFilePath := includeFilePathSeparatorRE.Split(currentLine, 2)[1]
			if !filepath.IsAbs(nestedConfFilePath) {
				nestedConfFilePath = filepath.Join(filepath.Dir(confFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case sectionHeaderLineRE.MatchString(currentLine):
			currentSectionName = sectionNameRE.FindString(currentLine)
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option found outside of a Section", confFilePath, currentLineNumber)
				return
			}
			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}
			optionNameAndOptionValues := optionNameOptionValuesSeparatorRE.Split(currentLine, 2)
			confMap.setOption(currentSectionName, optionNameAndOptionValues[0], splitOptionValues(optionNameAndOptionValues[1]))
		}
	}

	err = scanner.Err()

	return
}
