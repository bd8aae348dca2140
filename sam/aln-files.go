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

package sam

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/exascience/bam2sam/internal"
	"github.com/exascience/bam2sam/utils"
	"github.com/exascience/bam2sam/utils/bgzf"
)

// SAM file extensions.
const (
	SamExt  = ".sam"
	BamExt  = ".bam"
	cramExt = ".cram"
)

// Options configure how SAM and BAM files are opened and created.
type Options struct {
	// BGZFThreads limits the number of BGZF blocks that are inflated
	// or deflated concurrently.
	BGZFThreads int

	// CompressionLevel is the flate compression level for BAM output.
	CompressionLevel int

	// MaxRecordSize and MaxHeaderSize bound the sizes accepted by the
	// BAM decoder. Zero selects the defaults.
	MaxRecordSize int
	MaxHeaderSize int
}

// DefaultOptions returns the options used by the command line tools
// unless overridden by flags.
func DefaultOptions() Options {
	return Options{
		BGZFThreads:      1,
		CompressionLevel: flate.DefaultCompression,
		MaxRecordSize:    DefaultMaxRecordSize,
		MaxHeaderSize:    DefaultMaxHeaderSize,
	}
}

func (opts Options) threads() int {
	if opts.BGZFThreads < 1 {
		return 1
	}
	return opts.BGZFThreads
}

type (
	// InputFile represents a SAM or BAM file for input.
	InputFile struct {
		AlignmentDecoder
		closers []io.Closer
	}

	// OutputFile represents a SAM or BAM file for output.
	OutputFile struct {
		AlignmentEncoder
		flush   func() error
		closers []io.Closer
	}
)

// closeAll closes the given closers in order and returns the first
// error.
func closeAll(closers []io.Closer) (err error) {
	for _, c := range closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Close closes the SAM/BAM input file.
func (f *InputFile) Close() error {
	closers := f.closers
	f.closers = nil
	return closeAll(closers)
}

// Flush writes buffered output to the underlying file.
func (f *OutputFile) Flush() error {
	if f.flush == nil {
		return nil
	}
	return f.flush()
}

// Close flushes buffered output and closes the SAM/BAM output file.
// For BAM output, this also writes the BGZF end-of-file marker.
func (f *OutputFile) Close() error {
	err := f.Flush()
	closers := f.closers
	f.closers = nil
	f.flush = nil
	if cerr := closeAll(closers); err == nil {
		err = cerr
	}
	return err
}

func openRaw(name string) (io.ReadCloser, error) {
	switch {
	case internal.IsGCSPath(name):
		return internal.OpenGCS(context.Background(), name)
	case name == "/dev/stdin":
		return io.NopCloser(os.Stdin), nil
	default:
		return os.Open(name)
	}
}

func createRaw(name string) (io.WriteCloser, error) {
	switch {
	case internal.IsGCSPath(name):
		return internal.CreateGCS(context.Background(), name)
	case name == "/dev/stdout":
		return nopWriteCloser{os.Stdout}, nil
	default:
		return os.Create(name)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Open a SAM or BAM file for input.
//
// If the filename extension is not .bam, then .sam is always
// assumed. BAM input may be BGZF-compressed or uncompressed.
//
// If the name is "/dev/stdin", then the input is read from os.Stdin.
// Names of the form gs://bucket/object are read from Google Cloud
// Storage.
func Open(name string, opts Options) (*InputFile, error) {
	switch filepath.Ext(name) {
	case cramExt:
		return nil, errors.Errorf("CRAM format not supported when opening %v", name)
	case BamExt:
		return OpenBam(name, opts)
	default:
		return OpenSam(name, opts)
	}
}

// OpenSam opens a SAM file for input, regardless of its extension.
func OpenSam(name string, _ Options) (*InputFile, error) {
	rc, err := openRaw(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %v", name)
	}
	return &InputFile{
		AlignmentDecoder: NewSamReader(bufio.NewReaderSize(rc, readChunkSize)),
		closers:          []io.Closer{rc},
	}, nil
}

// OpenBam opens a BAM file for input, regardless of its extension.
func OpenBam(name string, opts Options) (*InputFile, error) {
	rc, err := openRaw(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %v", name)
	}
	r, closer, err := utils.HandleBGZF(bufio.NewReaderSize(rc, readChunkSize), opts.threads())
	if err != nil {
		_ = rc.Close()
		return nil, errors.Wrapf(err, "could not open %v", name)
	}
	closers := []io.Closer{rc}
	if closer != nil {
		closers = []io.Closer{closer, rc}
	}
	reader := NewBamReader(r)
	if opts.MaxRecordSize > 0 {
		reader.MaxRecordSize = opts.MaxRecordSize
	}
	if opts.MaxHeaderSize > 0 {
		reader.MaxHeaderSize = opts.MaxHeaderSize
	}
	return &InputFile{AlignmentDecoder: reader, closers: closers}, nil
}

// Create a SAM or BAM file for output.
//
// If the filename extension is not .bam, then .sam is always
// assumed. BAM output is BGZF-compressed.
//
// If the name is "/dev/stdout", then the output is written to
// os.Stdout. Names of the form gs://bucket/object are written to
// Google Cloud Storage.
func Create(name string, opts Options) (*OutputFile, error) {
	switch filepath.Ext(name) {
	case cramExt:
		return nil, errors.Errorf("CRAM format not supported when creating %v", name)
	case BamExt:
		return CreateBam(name, opts)
	default:
		return CreateSam(name, opts)
	}
}

// CreateSam creates a SAM file for output, regardless of its extension.
func CreateSam(name string, _ Options) (*OutputFile, error) {
	wc, err := createRaw(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create %v", name)
	}
	writer := NewSamWriter(wc)
	return &OutputFile{
		AlignmentEncoder: writer,
		flush:            writer.Flush,
		closers:          []io.Closer{wc},
	}, nil
}

// CreateBam creates a BGZF-compressed BAM file for output, regardless
// of its extension.
func CreateBam(name string, opts Options) (*OutputFile, error) {
	wc, err := createRaw(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create %v", name)
	}
	bw, err := bgzf.NewWriter(wc, opts.CompressionLevel, opts.threads())
	if err != nil {
		_ = wc.Close()
		return nil, errors.Wrapf(err, "could not create %v", name)
	}
	return &OutputFile{
		AlignmentEncoder: NewBamWriter(bw),
		closers:          []io.Closer{bw, wc},
	}, nil
}
