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

// bam2sam converts alignment files between the binary BAM format and
// the textual SAM format.
//
// Malformed records are reported and skipped; the conversion continues
// with the next record. See https://github.com/exascience/bam2sam
// for documentation.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/exascience/bam2sam/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: bam-to-sam (default), sam-to-bam")
	fmt.Fprint(os.Stderr, "\n", cmd.BamToSamHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SamToBamHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "bam-to-sam":
		err = cmd.BamToSam(os.Args[2:])
	case "sam-to-bam":
		err = cmd.SamToBam(os.Args[2:])
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		err = cmd.BamToSam(os.Args[1:])
	}

	var usage *cmd.UsageError
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		printHelp()
	case errors.As(err, &usage):
		log.Println(usage.Msg)
		fmt.Fprint(os.Stderr, usage.Help)
		os.Exit(1)
	default:
		log.Fatal(err)
	}
}
