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
	"log"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/exascience/bam2sam/internal"
	"github.com/exascience/bam2sam/sam"
)

// BamToSamHelp is the help string for the bam-to-sam command.
const BamToSamHelp = "bam-to-sam parameters:\n" +
	"bam2sam [bam-to-sam] bam-file sam-file\n" +
	"[--bgzf-threads nr]\n" +
	"[--max-record-size bytes]\n" +
	"[--max-header-size bytes]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n"

// SamToBamHelp is the help string for the sam-to-bam command.
const SamToBamHelp = "sam-to-bam parameters:\n" +
	"bam2sam sam-to-bam sam-file bam-file\n" +
	"[--compression-level nr]\n" +
	"[--bgzf-threads nr]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n"

type (
	opener  func(string, sam.Options) (*sam.InputFile, error)
	creator func(string, sam.Options) (*sam.OutputFile, error)
)

// BamToSam implements the bam-to-sam command. The arguments are the
// command line parameters following the command name.
func BamToSam(args []string) error {
	return convert(args, BamToSamHelp, false)
}

// SamToBam implements the sam-to-bam command. The arguments are the
// command line parameters following the command name.
func SamToBam(args []string) error {
	return convert(args, SamToBamHelp, true)
}

func convert(args []string, help string, toBam bool) error {
	open, create := opener(sam.OpenBam), creator(sam.CreateSam)
	if toBam {
		open, create = sam.OpenSam, sam.CreateBam
	}
	opts := sam.DefaultOptions()
	var (
		timed            bool
		logPath, profile string
	)

	var flags flag.FlagSet
	flags.IntVar(&opts.BGZFThreads, "bgzf-threads", opts.BGZFThreads, "number of BGZF blocks processed concurrently")
	if toBam {
		flags.IntVar(&opts.CompressionLevel, "compression-level", opts.CompressionLevel, "compression level for BAM output")
	} else {
		flags.IntVar(&opts.MaxRecordSize, "max-record-size", opts.MaxRecordSize, "maximum size of a BAM record in bytes")
		flags.IntVar(&opts.MaxHeaderSize, "max-header-size", opts.MaxHeaderSize, "maximum size of the BAM header text in bytes")
	}
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a CPU profile to the specified file")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	if err := parseFlags(&flags, args, 2, help); err != nil {
		return err
	}

	input, err := getFilename(args[0], help)
	if err != nil {
		return err
	}
	output, err := getFilename(args[1], help)
	if err != nil {
		return err
	}
	if opts.BGZFThreads < 1 {
		return usageErrorf(help, "Invalid number of BGZF threads %v.", opts.BGZFThreads)
	}
	if opts.CompressionLevel < flate.HuffmanOnly || opts.CompressionLevel > flate.BestCompression {
		return usageErrorf(help, "Invalid compression level %v.", opts.CompressionLevel)
	}
	if opts.MaxRecordSize < 1 || opts.MaxHeaderSize < 1 {
		return usageErrorf(help, "Size limits must be positive.")
	}

	if logPath != "" {
		if err := setLogOutput(logPath); err != nil {
			return err
		}
	}

	fullInput, err := internal.FullPathname(input)
	if err != nil {
		return errors.Wrap(err, "could not resolve input filename")
	}
	fullOutput, err := internal.FullPathname(output)
	if err != nil {
		return errors.Wrap(err, "could not resolve output filename")
	}

	var report *sam.Report
	err = timedRun(timed, profile, "Converting "+fullInput+" to "+fullOutput+".", func() (err error) {
		report, err = convertFile(input, output, opts, open, create)
		return err
	})
	if report != nil {
		logReport(report)
	}
	return err
}

// convertFile runs a Converter from input to output. The output is
// closed even when the conversion fails, and the first error wins.
func convertFile(input, output string, opts sam.Options, open opener, create creator) (report *sam.Report, err error) {
	in, err := open(input, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "could not close %v", input)
		}
	}()
	out, err := create(output, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "could not close %v", output)
		}
	}()
	return sam.NewConverter(in, out).Run()
}

func logReport(report *sam.Report) {
	if report.HeaderFailed() {
		log.Printf("Header could not be converted (run %v).", report.RunID)
	}
	log.Printf("Records written: %v, failed: %v (run %v).",
		report.RecordsWritten, report.RecordsFailed(), report.RunID)
}
