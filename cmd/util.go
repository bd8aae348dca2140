// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2017-2020 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package cmd

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/exascience/bam2sam/utils"
)

// ProgramMessage is the first line printed when the bam2sam binary is
// called.
var ProgramMessage = fmt.Sprint(
	"\n", utils.ProgramName, " version ", utils.ProgramVersion,
	" compiled with ", runtime.Version(),
	" - see ", utils.ProgramURL, " for more information.\n",
)

// HelpMessage is printed to show the --help flag
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

// UsageError reports incorrect command line parameters. The help text
// of the command is attached.
type UsageError struct {
	Msg  string
	Help string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(help, format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...), Help: help}
}

func getFilename(s, help string) (string, error) {
	switch s {
	case "-h", "--h", "-help", "--help":
		return "", flag.ErrHelp
	}
	if strings.HasPrefix(s, "-") && s != "-" {
		return "", usageErrorf(help, "Filename(s) in command line missing.")
	}
	if s == "-" {
		return "", usageErrorf(help, "Use /dev/stdin or /dev/stdout instead of -.")
	}
	return s, nil
}

// parseFlags parses the flags that follow the required positional
// arguments. It returns flag.ErrHelp when help was requested.
func parseFlags(flags *flag.FlagSet, args []string, requiredArgs int, help string) error {
	for _, arg := range args[:min(requiredArgs, len(args))] {
		switch arg {
		case "-h", "--h", "-help", "--help":
			return flag.ErrHelp
		}
	}
	if len(args) < requiredArgs {
		return usageErrorf(help, "Incorrect number of parameters.")
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args[requiredArgs:]); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return usageErrorf(help, "%v", err)
	}
	if flags.NArg() > 0 {
		return usageErrorf(help, "Cannot parse remaining parameters: %v", flags.Args())
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func createLogFilename(runID uuid.UUID) string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/%v/%v-%d-%02d-%02d-%02d-%02d-%02d-%v-%v.log",
		utils.ProgramName, utils.ProgramName,
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), zone, runID)
}

// setLogOutput creates a log file under the given path and duplicates
// both the log output and stderr into it.
func setLogOutput(path string) error {
	fullPath := filepath.Join(path, createLogFilename(uuid.New()))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return errors.Wrap(err, "could not create log directory")
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return errors.Wrap(err, "could not create log file")
	}
	fmt.Fprintln(f, ProgramMessage)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		return errors.Wrap(err, "could not duplicate stderr")
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		return errors.Wrap(err, "could not redirect stderr")
	}

	log.SetOutput(io.MultiWriter(f, ferr))
	log.Println("Created log file at", fullPath)
	log.Println("Command line:", os.Args)
	return nil
}

func timedRun(timed bool, profile, msg string, f func() error) error {
	if profile != "" {
		file, err := os.Create(profile)
		if err != nil {
			return errors.Wrap(err, "could not create profile file")
		}
		defer file.Close()
		if err := pprof.StartCPUProfile(file); err != nil {
			return errors.Wrap(err, "could not start profiling")
		}
		defer pprof.StopCPUProfile()
	}
	if timed {
		log.Println(msg)
		start := time.Now()
		defer func() {
			log.Println("Elapsed time: ", time.Since(start))
		}()
	}
	return f()
}
