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

package internal

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// GCSScheme is the prefix of Google Cloud Storage object names.
const GCSScheme = "gs://"

// FullPathname returns an absolute version of the given filename.
// Google Cloud Storage object names are returned unchanged.
func FullPathname(filename string) (string, error) {
	if IsGCSPath(filename) || filepath.IsAbs(filename) {
		return filename, nil
	}
	wd, err := os.Getwd()
	return filepath.Join(wd, filename), err
}

// IsGCSPath reports whether the given name refers to a Google Cloud
// Storage object.
func IsGCSPath(name string) bool {
	return strings.HasPrefix(name, GCSScheme)
}

// SplitGCSPath splits a gs://bucket/object name into its bucket and
// object parts.
func SplitGCSPath(name string) (bucket, object string, err error) {
	if !IsGCSPath(name) {
		return "", "", errors.Errorf("%v is not a Google Cloud Storage path", name)
	}
	path := name[len(GCSScheme):]
	slash := strings.IndexByte(path, '/')
	if slash <= 0 || slash == len(path)-1 {
		return "", "", errors.Errorf("invalid Google Cloud Storage path %v, expected gs://bucket/object", name)
	}
	return path[:slash], path[slash+1:], nil
}
