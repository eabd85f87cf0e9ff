// Copyright (c) 2021 Contributors to the Eclipse Foundation
//
// See the NOTICE file(s) distributed with this work for additional
// information regarding copyright ownership.
//
// This program and the accompanying materials are made available under the
// terms of the Eclipse Public License 2.0 which is available at
// http://www.eclipse.org/legal/epl-2.0
//
// SPDX-License-Identifier: EPL-2.0

package logger

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevelError(t *testing.T) {
	validate(t, "ERROR", true, false, false, false, false)
}

func TestLogLevelWarn(t *testing.T) {
	validate(t, "WARN", true, true, false, false, false)
}

func TestLogLevelInfo(t *testing.T) {
	validate(t, "INFO", true, true, true, false, false)
}

func TestLogLevelDebug(t *testing.T) {
	validate(t, "DEBUG", true, true, true, true, false)
}

func TestLogLevelTrace(t *testing.T) {
	validate(t, "TRACE", true, true, true, true, true)
}

func TestEmptyLogFileWritesToStderrNotDisk(t *testing.T) {
	dir := t.TempDir()

	l, err := New(Config{LogFile: "", LogLevel: "TRACE", LogFileSize: 2, LogFileCount: 5}, "[uploadkit]")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Error("test error")

	f, err := os.Open(dir)
	if err != nil {
		t.Fatalf("cannot open temporary directory: %v", err)
	}
	defer f.Close()

	if _, err = f.Readdirnames(1); err != io.EOF {
		t.Errorf("temporary directory is not empty")
	}
}

func validate(t *testing.T, lvl string, hasError, hasWarn, hasInfo, hasDebug, hasTrace bool) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, lvl+".log")

	l, err := New(Config{LogFile: logFile, LogLevel: lvl, LogFileSize: 2, LogFileCount: 5}, "[uploadkit]")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	validateError(t, l, logFile, hasError)
	validateWarn(t, l, logFile, hasWarn)
	validateInfo(t, l, logFile, hasInfo)
	validateDebug(t, l, logFile, hasDebug)
	validateTrace(t, l, logFile, hasTrace)
}

func validateError(t *testing.T, l *Logger, logFile string, has bool) {
	l.Error("error log")
	if has != search(t, logFile, ePrefix, "error log") {
		t.Errorf("error entry mismatch [result: %v]", !has)
	}
	l.Errorf("error log [%v,%s]", "param1", "param2")
	if has != search(t, logFile, ePrefix, "error log [param1,param2]") {
		t.Errorf("errorf entry mismatch [result: %v]", !has)
	}
}

func validateWarn(t *testing.T, l *Logger, logFile string, has bool) {
	l.Warn("warn log")
	if has != search(t, logFile, wPrefix, "warn log") {
		t.Errorf("warn entry mismatch [result: %v]", !has)
	}
	l.Warnf("warn log [%v,%s]", "param1", "param2")
	if has != search(t, logFile, wPrefix, "warn log [param1,param2]") {
		t.Errorf("warnf entry mismatch [result: %v]", !has)
	}
}

func validateInfo(t *testing.T, l *Logger, logFile string, has bool) {
	l.Info("info log")
	if has != search(t, logFile, iPrefix, "info log") {
		t.Errorf("info entry mismatch [result: %v]", !has)
	}
	l.Infof("info log [%v,%s]", "param1", "param2")
	if has != search(t, logFile, iPrefix, "info log [param1,param2]") {
		t.Errorf("infof entry mismatch [result: %v]", !has)
	}
}

func validateDebug(t *testing.T, l *Logger, logFile string, has bool) {
	l.Debug("debug log")
	if has != search(t, logFile, dPrefix, "debug log") {
		t.Errorf("debug entry mismatch [result: %v]", !has)
	}
	l.Debugf("debug log [%v,%s]", "param1", "param2")
	if has != search(t, logFile, dPrefix, "debug log [param1,param2]") {
		t.Errorf("debugf entry mismatch [result: %v]", !has)
	}
}

func validateTrace(t *testing.T, l *Logger, logFile string, has bool) {
	l.Trace("trace log")
	if has != search(t, logFile, tPrefix, "trace log") {
		t.Errorf("trace entry mismatch [result: %v]", !has)
	}
	l.Tracef("trace log [%v,%s]", "param1", "param2")
	if has != search(t, logFile, tPrefix, "trace log [param1,param2]") {
		t.Errorf("tracef entry mismatch [result: %v]", !has)
	}
}

func search(t *testing.T, fn string, entries ...string) bool {
	t.Helper()
	file, err := os.Open(fn)
	if err != nil {
		t.Fatalf("fail to open log file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if has(scanner.Text(), entries...) {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("fail to read log file: %v", err)
	}
	return false
}

func has(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if !strings.Contains(s, substr) {
			return false
		}
	}
	return true
}
