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

package nibbles

import (
	"log"
	"strconv"
)

// Nibbles is a slice-like data structure for storing
// sequences of 4-bit values, high nibble first, as used
// for packed read sequences in BAM records.
type Nibbles struct {
	info  int
	bytes []byte
}

// Len returns the number of 4-bit values stored in these nibbles.
func (n Nibbles) Len() int {
	return n.info >> 1
}

func (n Nibbles) offset() int {
	return n.info & 1
}

// ByteLen returns the number of bytes needed to store n nibbles.
func ByteLen(n int) int {
	return (n + 1) >> 1
}

// Make creates nibbles of the given length.
func Make(n int) Nibbles {
	return Nibbles{
		info:  n << 1,
		bytes: make([]byte, ByteLen(n)),
	}
}

// ReflectMake creates nibbles of the given length, offset, and raw byte
// slice. The byte slice is shared, not copied.
func ReflectMake(len, offset int, bytes []byte) Nibbles {
	if ByteLen(len+(offset&1)) > cap(bytes) {
		log.Panic("byte slice too short for nibbles")
	}
	return Nibbles{
		info:  (len << 1) | (offset & 1),
		bytes: bytes,
	}
}

// Bytes returns the raw byte representation of the nibbles.
func (n Nibbles) Bytes() []byte {
	return n.bytes[:ByteLen(n.Len()+n.offset())]
}

// Get returns the nibble at the given index.
func (n Nibbles) Get(index int) byte {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	return 0xF & (n.bytes[i] >> uint((1^bit)<<2))
}

// Set sets the nibble at the given index.
func (n Nibbles) Set(index int, value byte) {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	n.bytes[i] = ((0xF << uint(bit<<2)) & n.bytes[i]) | ((0xF & value) << uint((1^bit)<<2))
}

// Expand returns a byte slice with the same contents, but where each
// entry is stored in a byte.
func (n Nibbles) Expand() []byte {
	length := n.Len()
	result := make([]byte, length)
	for k := range result {
		result[k] = n.Get(k)
	}
	return result
}

// Translate maps every nibble through the given table, for example
// from BAM base codes to IUPAC letters.
func (n Nibbles) Translate(table *[16]byte) string {
	length := n.Len()
	result := make([]byte, length)
	for k := 0; k < length; k++ {
		result[k] = table[n.Get(k)]
	}
	return string(result)
}

// String returns a string representation of the given nibbles.
func (n Nibbles) String() string {
	if len := n.Len(); len > 0 {
		b := []byte("[")
		b = strconv.AppendInt(b, int64(n.Get(0)), 10)
		for i := 1; i < len; i++ {
			b = append(b, ' ')
			b = strconv.AppendInt(b, int64(n.Get(i)), 10)
		}
		return string(append(b, ']'))
	}
	return "[]"
}
