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

import "sync"

var bufPool = sync.Pool{New: func() interface{} {
	buf := make([]byte, 0, 512)
	return &buf
}}

/*
ReserveByteBuffer uses a sync.Pool to either reuse or make a slice of
bytes of length 0, but of capacity potentially larger than 0.

Use ReleaseByteBuffer to return slices of bytes to the internal pool.
*/
func ReserveByteBuffer() *[]byte {
	buf := bufPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

/*
ReleaseByteBuffer returns the given slice of bytes to the internal
sync.Pool from which ReserveByteBuffer can fetch it again.

Buffers that grew beyond a single BGZF block are dropped rather than
pooled.
*/
func ReleaseByteBuffer(buf *[]byte) {
	if cap(*buf) > 1<<16 {
		return
	}
	bufPool.Put(buf)
}
