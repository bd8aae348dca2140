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
	"io"
	"log"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
)

type (
	// AlignmentDecoder produces a header followed by a finite,
	// non-restartable sequence of alignments. Read returns io.EOF when
	// the sequence is exhausted.
	AlignmentDecoder interface {
		ReadHeader() (*Header, error)
		Read() (*Alignment, error)
	}

	// AlignmentEncoder consumes a header followed by alignments.
	AlignmentEncoder interface {
		WriteHeader(*Header) error
		WriteAlignment(*Alignment) error
	}

	// flusher is implemented by encoders that buffer their output.
	flusher interface {
		Flush() error
	}
)

// ConversionState is the state of a Converter.
type ConversionState int

const (
	Init ConversionState = iota
	HeaderCopied
	Streaming
	Done
)

func (state ConversionState) String() string {
	switch state {
	case Init:
		return "Init"
	case HeaderCopied:
		return "HeaderCopied"
	case Streaming:
		return "Streaming"
	case Done:
		return "Done"
	default:
		return "ConversionState(" + strconv.Itoa(int(state)) + ")"
	}
}

// Phase identifies where in a conversion a failure occurred.
type Phase string

const (
	HeaderPhase Phase = "header"
	RecordPhase Phase = "record"
)

// Diagnostic describes one recovered failure.
type Diagnostic struct {
	Phase Phase
	// Ordinal is the 1-based position of the record in the input, or 0
	// for the header.
	Ordinal int
	Err     error
}

func (d Diagnostic) String() string {
	if d.Phase == HeaderPhase {
		return string(d.Phase) + ": " + d.Err.Error()
	}
	return string(d.Phase) + " " + strconv.Itoa(d.Ordinal) + ": " + d.Err.Error()
}

// Report summarises a conversion run.
type Report struct {
	RunID          uuid.UUID
	RecordsRead    int
	RecordsWritten int
	// Failed holds the ordinals of the records that could not be
	// converted.
	Failed      *bitset.BitSet
	Diagnostics []Diagnostic
	// Transitions lists the states the converter went through, in
	// order, starting with Init.
	Transitions []ConversionState
}

// RecordsFailed returns the number of records that could not be
// converted.
func (report *Report) RecordsFailed() int {
	return int(report.Failed.Count())
}

// HeaderFailed reports whether the header could not be converted.
func (report *Report) HeaderFailed() bool {
	for _, d := range report.Diagnostics {
		if d.Phase == HeaderPhase {
			return true
		}
	}
	return false
}

// A Reporter receives every recovered failure as soon as it occurs.
type Reporter func(runID uuid.UUID, d Diagnostic)

// LogReporter writes diagnostics to the standard logger.
func LogReporter(runID uuid.UUID, d Diagnostic) {
	log.Printf("ERROR: %v (run %v)", d, runID)
}

// Converter copies a header and then all alignments from a decoder to
// an encoder. Failures that are local to the header or to a single
// alignment are reported and skipped; the conversion continues with
// the next alignment.
type Converter struct {
	decoder AlignmentDecoder
	encoder AlignmentEncoder
	state   ConversionState
	report  *Report

	// Reporter receives recovered failures. It defaults to LogReporter.
	Reporter Reporter
}

// NewConverter returns a Converter in state Init.
func NewConverter(decoder AlignmentDecoder, encoder AlignmentEncoder) *Converter {
	return &Converter{
		decoder:  decoder,
		encoder:  encoder,
		state:    Init,
		Reporter: LogReporter,
	}
}

// State returns the current state of the converter.
func (c *Converter) State() ConversionState {
	return c.state
}

func (c *Converter) transition(state ConversionState) {
	c.state = state
	c.report.Transitions = append(c.report.Transitions, state)
}

func (c *Converter) fail(phase Phase, ordinal int, err error) {
	d := Diagnostic{Phase: phase, Ordinal: ordinal, Err: err}
	c.report.Diagnostics = append(c.report.Diagnostics, d)
	if phase == RecordPhase {
		c.report.Failed.Set(uint(ordinal))
	}
	if c.Reporter != nil {
		c.Reporter(c.report.RunID, d)
	}
}

func isRecoverable(err error) bool {
	return IsFormatError(err) || IsIOError(err)
}

// Run performs the conversion. It can be called only once.
//
// The returned error is non-nil only for failures that make it
// impossible to continue: a write failure of the underlying output
// stream, a read failure of the input stream that repeats without any
// record being read successfully in between, or an error that is
// neither a *FormatError nor an *IOError. The report is returned in
// all cases, and describes what was converted up to that point.
func (c *Converter) Run() (*Report, error) {
	if c.state != Init {
		return c.report, errors.Errorf("conversion already run, state %v", c.state)
	}
	c.report = &Report{
		RunID:       uuid.New(),
		Failed:      bitset.New(0),
		Transitions: []ConversionState{Init},
	}
	if err := c.copyHeader(); err != nil {
		return c.report, err
	}
	c.transition(Streaming)
	if err := c.stream(); err != nil {
		return c.report, err
	}
	if f, ok := c.encoder.(flusher); ok {
		if err := f.Flush(); err != nil {
			return c.report, errors.Wrap(err, "while flushing output")
		}
	}
	c.transition(Done)
	return c.report, nil
}

func (c *Converter) copyHeader() error {
	hdr, err := c.decoder.ReadHeader()
	if err != nil {
		if !isRecoverable(err) {
			return errors.Wrap(err, "while reading header")
		}
		c.fail(HeaderPhase, 0, err)
		return nil
	}
	if err := c.encoder.WriteHeader(hdr); err != nil {
		if !IsFormatError(err) {
			return errors.Wrap(err, "while writing header")
		}
		c.fail(HeaderPhase, 0, err)
		return nil
	}
	c.transition(HeaderCopied)
	return nil
}

func (c *Converter) stream() error {
	var ordinal int
	var lastReadFailed bool
	for {
		aln, err := c.decoder.Read()
		if err == io.EOF {
			return nil
		}
		ordinal++
		if err != nil {
			switch {
			case IsIOError(err):
				if lastReadFailed {
					return errors.Wrapf(err, "while reading record %v", ordinal)
				}
				lastReadFailed = true
			case IsFormatError(err):
			default:
				return errors.Wrapf(err, "while reading record %v", ordinal)
			}
			c.fail(RecordPhase, ordinal, err)
			continue
		}
		lastReadFailed = false
		c.report.RecordsRead++
		if err := c.encoder.WriteAlignment(aln); err != nil {
			if !IsFormatError(err) {
				return errors.Wrapf(err, "while writing record %v", ordinal)
			}
			c.fail(RecordPhase, ordinal, err)
			continue
		}
		c.report.RecordsWritten++
	}
}
