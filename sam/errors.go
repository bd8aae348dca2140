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
	"github.com/pkg/errors"
)

type (
	// FormatError reports content that violates the structural rules
	// of the SAM or BAM format, such as a bad magic number, an
	// inconsistent length prefix, an unknown type code, or an
	// alignment that breaks one of the invariants checked by Validate.
	//
	// A FormatError is local to the header or alignment in which it
	// occurs.
	FormatError struct {
		Op  string
		Err error
	}

	// IOError reports a failure of the underlying byte stream.
	IOError struct {
		Op  string
		Err error
	}
)

func (e *FormatError) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *FormatError) Unwrap() error { return e.Err }

// Cause returns the underlying cause, for github.com/pkg/errors.
func (e *FormatError) Cause() error { return e.Err }

func (e *IOError) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *IOError) Unwrap() error { return e.Err }

// Cause returns the underlying cause, for github.com/pkg/errors.
func (e *IOError) Cause() error { return e.Err }

// ErrFramingLost is the cause of a FormatError after which a BAM
// stream cannot be resynchronised, because the size prefix of a
// record block is itself corrupt.
var ErrFramingLost = errors.New("record framing lost")

func formatErrorf(op, format string, args ...interface{}) error {
	return &FormatError{Op: op, Err: errors.Errorf(format, args...)}
}

func formatError(op string, err error) error {
	return &FormatError{Op: op, Err: err}
}

func ioError(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

// IsFormatError reports whether err is, or wraps, a *FormatError.
func IsFormatError(err error) bool {
	var target *FormatError
	return errors.As(err, &target)
}

// IsIOError reports whether err is, or wraps, an *IOError.
func IsIOError(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}
