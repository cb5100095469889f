// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/bcache/conf"
)

// multiWriter fans each log entry out to the log file, the console, and any added targets
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	return
}

func (mw *multiWriter) clear() {
	mw.Lock()
	mw.writers = nil
	mw.Unlock()
}

var (
	logFile   *os.File
	logOutput multiWriter
)

func addLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// Up configures logging from the [Logging] section
//
//   LogFilePath       - optional file (appended to)
//   LogToConsole      - also (or only, w/out LogFilePath) log to stderr [default: true w/out LogFilePath]
//   TraceLevelLogging - list of packages for which Tracef() is emitted (or "none")
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logOutput.clear()

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
		logOutput.addWriter(logFile)
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}
	if logToConsole {
		logOutput.addWriter(os.Stderr)
	}

	log.SetOutput(&logOutput)

	// logrus always logs everything; trace gating is done in this package
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

// Down closes the log file, if any, and returns logging to stderr
func Down() (err error) {
	log.SetOutput(os.Stderr)
	logOutput.clear()

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	setTraceLoggingLevel(nil)

	return
}
