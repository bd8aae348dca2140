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
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/exascience/bam2sam/internal"
	"github.com/exascience/bam2sam/utils"
	"github.com/exascience/bam2sam/utils/nibbles"
)

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

const (
	// DefaultMaxRecordSize is the default limit on the block size of a
	// single BAM alignment record.
	DefaultMaxRecordSize = 1 << 26

	// DefaultMaxHeaderSize is the default limit on the length of the
	// header text, and on the length of a reference sequence name, in
	// a BAM file.
	DefaultMaxHeaderSize = 1 << 30

	readChunkSize = 1 << 16
)

const (
	bamHeaderOp    = "BAM header"
	bamAlignmentOp = "BAM alignment"
)

// BamReader decodes headers and alignments from an uncompressed BAM
// byte stream. Use utils.HandleBGZF or bgzf.NewReader to obtain such a
// stream from a BAM file.
type BamReader struct {
	reader io.Reader
	nRefs  int
	buf    []byte
	lost   bool

	// MaxRecordSize limits the block size of an alignment record.
	MaxRecordSize int

	// MaxHeaderSize limits the length of the header text and of
	// reference sequence names.
	MaxHeaderSize int
}

// NewBamReader returns a BamReader that reads from r.
func NewBamReader(r io.Reader) *BamReader {
	return &BamReader{
		reader:        r,
		MaxRecordSize: DefaultMaxRecordSize,
		MaxHeaderSize: DefaultMaxHeaderSize,
	}
}

// readFull reads exactly n bytes into the reader's buffer. The buffer
// grows in chunks as data actually arrives, so that a corrupt length
// prefix leads to a truncation error rather than a huge allocation.
func (reader *BamReader) readFull(n int) ([]byte, error) {
	buf := reader.buf[:0]
	for len(buf) < n {
		chunk := n - len(buf)
		if chunk > readChunkSize {
			chunk = readChunkSize
		}
		start := len(buf)
		for cap(buf) < start+chunk {
			buf = append(buf[:cap(buf)], 0)
		}
		buf = buf[:start+chunk]
		k, err := io.ReadFull(reader.reader, buf[start:])
		if err != nil {
			reader.buf = buf[:0]
			if err == io.EOF && start+k > 0 {
				err = io.ErrUnexpectedEOF
			}
			return buf[:start+k], err
		}
	}
	reader.buf = buf
	return buf, nil
}

// readError classifies an error from the underlying stream.
// Truncation is a format violation, anything else is an I/O failure.
func readError(op, what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return formatErrorf(op, "truncated %v", what)
	}
	return ioError(op, errors.Wrapf(err, "while reading %v", what))
}

func (reader *BamReader) readInt32(op, what string) (int32, error) {
	data, err := reader.readFull(4)
	if err != nil {
		return 0, readError(op, what, err)
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// ReadHeader reads the header of a BAM file: the magic string, the
// header text, and the reference dictionary. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
//
// If the header cannot be read, the position of the first alignment
// record is unknown, and subsequent calls to Read return io.EOF.
func (reader *BamReader) ReadHeader() (*Header, error) {
	hdr, err := reader.readHeader()
	if err != nil {
		reader.lost = true
		return nil, err
	}
	reader.nRefs = len(hdr.References)
	return hdr, nil
}

func (reader *BamReader) readHeader() (*Header, error) {
	magic, err := reader.readFull(len(bamMagic))
	if err != nil {
		if err == io.EOF {
			return nil, formatErrorf(bamHeaderOp, "empty input")
		}
		return nil, readError(bamHeaderOp, "magic string", err)
	}
	if string(magic) != bamMagic {
		return nil, formatErrorf(bamHeaderOp, "invalid magic string %q", magic)
	}

	lText, err := reader.readInt32(bamHeaderOp, "l_text")
	if err != nil {
		return nil, err
	}
	if lText < 0 || int(lText) > reader.MaxHeaderSize {
		return nil, formatErrorf(bamHeaderOp, "invalid header text length %v", lText)
	}
	text, err := reader.readFull(int(lText))
	if err != nil {
		return nil, readError(bamHeaderOp, "header text", err)
	}
	hdr := NewHeader()
	hdr.SetText(string(text))

	nRef, err := reader.readInt32(bamHeaderOp, "n_ref")
	if err != nil {
		return nil, err
	}
	if nRef < 0 {
		return nil, formatErrorf(bamHeaderOp, "negative number of reference sequences %v", nRef)
	}
	for i := int32(0); i < nRef; i++ {
		lName, err := reader.readInt32(bamHeaderOp, "l_name")
		if err != nil {
			return nil, err
		}
		if lName < 1 || int(lName) > reader.MaxHeaderSize {
			return nil, formatErrorf(bamHeaderOp, "invalid length %v of reference sequence name %v", lName, i)
		}
		name, err := reader.readFull(int(lName))
		if err != nil {
			return nil, readError(bamHeaderOp, "reference sequence name", err)
		}
		if name[lName-1] != 0 {
			return nil, formatErrorf(bamHeaderOp, "missing NUL byte in reference sequence name %v", i)
		}
		refName := string(name[:lName-1])
		lRef, err := reader.readInt32(bamHeaderOp, "l_ref")
		if err != nil {
			return nil, err
		}
		if lRef < 0 {
			return nil, formatErrorf(bamHeaderOp, "negative length %v of reference sequence %v", lRef, refName)
		}
		hdr.References = append(hdr.References, Reference{Name: refName, Length: lRef})
	}
	return hdr, nil
}

// Read reads the next alignment record. It returns io.EOF when the
// input is exhausted.
//
// A *FormatError for a record whose block size is intact leaves the
// reader positioned at the next record. A *FormatError wrapping
// ErrFramingLost means that the block size itself is corrupt; all
// subsequent calls return io.EOF. An *IOError leaves the reader in
// place only if it occurs before any byte of the record was read;
// otherwise subsequent calls return io.EOF as well.
func (reader *BamReader) Read() (*Alignment, error) {
	if reader.lost {
		return nil, io.EOF
	}
	data, err := reader.readFull(4)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		reader.lost = true
		return nil, formatErrorf(bamAlignmentOp, "truncated block size")
	case err != nil:
		if len(data) > 0 {
			reader.lost = true
		}
		return nil, ioError(bamAlignmentOp, errors.Wrap(err, "while reading block size"))
	}
	blockSize := int32(binary.LittleEndian.Uint32(data))
	if blockSize < 0 || int(blockSize) > reader.MaxRecordSize {
		reader.lost = true
		return nil, formatError(bamAlignmentOp, errors.Wrapf(ErrFramingLost, "invalid block size %v", blockSize))
	}
	record, err := reader.readFull(int(blockSize))
	if err != nil {
		// The block size has been consumed, so the next record
		// cannot be found.
		reader.lost = true
		return nil, readError(bamAlignmentOp, "alignment record", err)
	}
	return parseBamAlignment(record, reader.nRefs)
}

// bamFieldParser is the signature for all parsers for optional fields in
// read alignment records in BAM files.
type bamFieldParser func(record []byte, index int) (value interface{}, newIndex int, err error)

var errTruncatedField = errors.New("optional field exceeds alignment record")

func checkBamField(record []byte, index, size int) error {
	if size < 0 || len(record)-index < size {
		return errTruncatedField
	}
	return nil
}

// parseBamChar parses an A optional field in a BAM alignment record and returns
// it as a byte. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section
// 4.2.4.
func parseBamChar(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 1); err != nil {
		return nil, index, err
	}
	return record[index], index + 1, nil
}

// parseBamI8 parses a c optional field and returns it as an int64.
func parseBamI8(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 1); err != nil {
		return nil, index, err
	}
	return int64(int8(record[index])), index + 1, nil
}

// parseBamU8 parses a C optional field and returns it as an int64.
func parseBamU8(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 1); err != nil {
		return nil, index, err
	}
	return int64(record[index]), index + 1, nil
}

// parseBamI16 parses an s optional field and returns it as an int64.
func parseBamI16(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 2); err != nil {
		return nil, index, err
	}
	return int64(int16(binary.LittleEndian.Uint16(record[index : index+2]))), index + 2, nil
}

// parseBamU16 parses an S optional field and returns it as an int64.
func parseBamU16(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 2); err != nil {
		return nil, index, err
	}
	return int64(binary.LittleEndian.Uint16(record[index : index+2])), index + 2, nil
}

// parseBamI32 parses an i optional field and returns it as an int64.
func parseBamI32(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 4); err != nil {
		return nil, index, err
	}
	return int64(int32(binary.LittleEndian.Uint32(record[index : index+4]))), index + 4, nil
}

// parseBamU32 parses an I optional field and returns it as an int64.
func parseBamU32(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 4); err != nil {
		return nil, index, err
	}
	return int64(binary.LittleEndian.Uint32(record[index : index+4])), index + 4, nil
}

// parseBamFloat parses an f optional field and returns it as a float32.
func parseBamFloat(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 4); err != nil {
		return nil, index, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(record[index : index+4])), index + 4, nil
}

func findNUL(record []byte, index int) (int, error) {
	for end := index; end < len(record); end++ {
		if record[end] == 0 {
			return end, nil
		}
	}
	return -1, errors.New("missing NUL byte in an optional field")
}

// parseBamString parses a Z optional field in a BAM alignment record and returns
// it as a string. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section
// 4.2.4.
func parseBamString(record []byte, index int) (interface{}, int, error) {
	end, err := findNUL(record, index)
	if err != nil {
		return nil, index, err
	}
	return string(record[index:end]), end + 1, nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// parseBamByteArray parses an H optional field in a BAM alignment record and returns
// it as a ByteArray. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section
// 4.2.4.
func parseBamByteArray(record []byte, index int) (interface{}, int, error) {
	end, err := findNUL(record, index)
	if err != nil {
		return nil, index, err
	}
	if (end-index)%2 != 0 {
		return nil, index, errors.New("odd number of hex digits in an optional H field")
	}
	result := ByteArray(make([]byte, 0, (end-index)>>1))
	for i := index; i < end; i += 2 {
		hi, ok1 := hexValue(record[i])
		lo, ok2 := hexValue(record[i+1])
		if !ok1 || !ok2 {
			return nil, index, errors.Errorf("invalid hex digits %q in an optional H field", record[i:i+2])
		}
		result = append(result, hi<<4|lo)
	}
	return result, end + 1, nil
}

// parseBamNumericArray parses a B optional field in a BAM alignment record and
// returns it as a []int8, []uint8, []int16, []uint16, []int32, []uint32, or
// []float32. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section
// 4.2.4.
func parseBamNumericArray(record []byte, index int) (interface{}, int, error) {
	if err := checkBamField(record, index, 5); err != nil {
		return nil, index, err
	}
	ntype := record[index]
	index++
	count := int(int32(binary.LittleEndian.Uint32(record[index : index+4])))
	index += 4
	if count < 0 {
		return nil, index, errors.Errorf("negative numeric array length %v", count)
	}
	var size int
	switch ntype {
	case 'c', 'C':
		size = 1
	case 's', 'S':
		size = 2
	case 'i', 'I', 'f':
		size = 4
	default:
		return nil, index, errors.Errorf("invalid subtype %q in a numeric array", ntype)
	}
	if count > (len(record)-index)/size {
		return nil, index, errTruncatedField
	}
	switch ntype {
	case 'c':
		result := make([]int8, count)
		for i := 0; i < count; i++ {
			result[i] = int8(record[index+i])
		}
		return result, index + count, nil
	case 'C':
		result := make([]uint8, count)
		copy(result, record[index:index+count])
		return result, index + count, nil
	case 's':
		result := make([]int16, count)
		for i, j := 0, index; i < count; i, j = i+1, j+2 {
			result[i] = int16(binary.LittleEndian.Uint16(record[j : j+2]))
		}
		return result, index + (count << 1), nil
	case 'S':
		result := make([]uint16, count)
		for i, j := 0, index; i < count; i, j = i+1, j+2 {
			result[i] = binary.LittleEndian.Uint16(record[j : j+2])
		}
		return result, index + (count << 1), nil
	case 'i':
		result := make([]int32, count)
		for i, j := 0, index; i < count; i, j = i+1, j+4 {
			result[i] = int32(binary.LittleEndian.Uint32(record[j : j+4]))
		}
		return result, index + (count << 2), nil
	case 'I':
		result := make([]uint32, count)
		for i, j := 0, index; i < count; i, j = i+1, j+4 {
			result[i] = binary.LittleEndian.Uint32(record[j : j+4])
		}
		return result, index + (count << 2), nil
	default:
		result := make([]float32, count)
		for i, j := 0, index; i < count; i, j = i+1, j+4 {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(record[j : j+4]))
		}
		return result, index + (count << 2), nil
	}
}

var optionalBAMFieldParseTable = map[byte]bamFieldParser{
	'A': parseBamChar,
	'c': parseBamI8,
	'C': parseBamU8,
	's': parseBamI16,
	'S': parseBamU16,
	'i': parseBamI32,
	'I': parseBamU32,
	'f': parseBamFloat,
	'Z': parseBamString,
	'H': parseBamByteArray,
	'B': parseBamNumericArray,
}

var (
	cg = utils.Intern("CG")

	sequenceTable [16]byte
)

func init() {
	copy(sequenceTable[:], sequenceLetters)
}

const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

func decodeCigarOp(cigar uint32) (CigarOperation, bool) {
	code := int(0xF & cigar)
	if code >= len(cigarOperations) {
		return CigarOperation{}, false
	}
	return CigarOperation{Length: int32(cigar >> 4), Operation: cigarOperations[code]}, true
}

func isCigarPlaceholder(cigar []CigarOperation, lSeq int) bool {
	return len(cigar) == 2 &&
		cigar[0].Operation == 'S' && int(cigar[0].Length) == lSeq &&
		cigar[1].Operation == 'N'
}

// parseBamAlignment parses a read alignment record in a BAM file and
// returns a freshly allocated alignment. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Sections 4.2.
//
// Every length stored in the record is checked against the size of
// the record before it is used.
func parseBamAlignment(record []byte, nRefs int) (*Alignment, error) {
	if len(record) < readNameIndex {
		return nil, formatErrorf(bamAlignmentOp, "block size %v smaller than the fixed record fields", len(record))
	}

	aln := NewAlignment()

	aln.RefID = int32(binary.LittleEndian.Uint32(record[refIDIndex : refIDIndex+4]))
	aln.POS = int32(binary.LittleEndian.Uint32(record[posIndex:posIndex+4])) + 1
	lReadName := int(record[lReadNameIndex])
	aln.MAPQ = record[mapqIndex]
	nCigarOp := int(binary.LittleEndian.Uint16(record[nCigarOpIndex : nCigarOpIndex+2]))
	aln.FLAG = binary.LittleEndian.Uint16(record[flagIndex : flagIndex+2])
	lSeq := int(int32(binary.LittleEndian.Uint32(record[lSeqIndex : lSeqIndex+4])))
	aln.NextRefID = int32(binary.LittleEndian.Uint32(record[nextRefIDIndex : nextRefIDIndex+4]))
	aln.PNEXT = int32(binary.LittleEndian.Uint32(record[nextPosIndex:nextPosIndex+4])) + 1
	aln.TLEN = int32(binary.LittleEndian.Uint32(record[tlenIndex : tlenIndex+4]))

	if err := aln.ValidateReferences(nRefs); err != nil {
		return nil, err
	}

	index := readNameIndex
	if lReadName < 1 || len(record)-index < lReadName {
		return nil, formatErrorf(bamAlignmentOp, "invalid read name length %v", lReadName)
	}
	if record[index+lReadName-1] != 0 {
		return nil, formatErrorf(bamAlignmentOp, "missing NUL byte in read name")
	}
	aln.QNAME = string(record[index : index+lReadName-1])
	if aln.QNAME == "*" {
		aln.QNAME = ""
	}
	index += lReadName

	if nCigarOp > (len(record)-index)/4 {
		return nil, formatErrorf(bamAlignmentOp, "%v CIGAR operations exceed alignment record %v", nCigarOp, aln.QNAME)
	}
	if nCigarOp > 0 {
		aln.CIGAR = make([]CigarOperation, nCigarOp)
		for i := 0; i < nCigarOp; i, index = i+1, index+4 {
			op, ok := decodeCigarOp(binary.LittleEndian.Uint32(record[index : index+4]))
			if !ok {
				return nil, formatErrorf(bamAlignmentOp, "invalid CIGAR operation code in alignment record %v", aln.QNAME)
			}
			aln.CIGAR[i] = op
		}
	}

	if lSeq < 0 || int64(len(record)-index) < int64(nibbles.ByteLen(lSeq))+int64(lSeq) {
		return nil, formatErrorf(bamAlignmentOp, "sequence length %v exceeds alignment record %v", lSeq, aln.QNAME)
	}
	nextIndex := index + nibbles.ByteLen(lSeq)
	aln.SEQ = nibbles.ReflectMake(lSeq, 0, record[index:nextIndex]).Translate(&sequenceTable)
	index = nextIndex

	if lSeq > 0 && record[index] != 0xFF {
		aln.QUAL = append([]byte(nil), record[index:index+lSeq]...)
	}
	index += lSeq

	for index < len(record) {
		if len(record)-index < 3 {
			return nil, formatErrorf(bamAlignmentOp, "truncated optional field in alignment record %v", aln.QNAME)
		}
		tag := utils.InternBytes(record[index : index+2])
		typebyte := record[index+2]
		index += 3
		parse := optionalBAMFieldParseTable[typebyte]
		if parse == nil {
			return nil, formatErrorf(bamAlignmentOp, "unknown type %q of optional field %v in alignment record %v", typebyte, *tag, aln.QNAME)
		}
		value, newIndex, err := parse(record, index)
		if err != nil {
			return nil, formatError(bamAlignmentOp, errors.Wrapf(err, "in optional field %v of alignment record %v", *tag, aln.QNAME))
		}
		index = newIndex
		if tag == cg {
			if cigars, ok := value.([]uint32); ok && isCigarPlaceholder(aln.CIGAR, lSeq) {
				aln.CIGAR = make([]CigarOperation, len(cigars))
				for i, cigar := range cigars {
					op, ok := decodeCigarOp(cigar)
					if !ok {
						return nil, formatErrorf(bamAlignmentOp, "invalid CIGAR operation code in CG field of alignment record %v", aln.QNAME)
					}
					aln.CIGAR[i] = op
				}
				continue
			}
		}
		aln.TAGS.Append(tag, value)
	}

	return aln, nil
}

func enlarge(out []byte, by int) (int, []byte) {
	index := len(out)
	length := index + by
	for cap(out) < length {
		out = append(out[:cap(out)], 0)
	}
	out = out[:length]
	return index, out
}

// FormatBam appends the header section of a BAM file to out. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
//
// The header text is formatted as by Format, so that invalid lines are
// left out and reported as a *FormatError while the result is still
// usable. A reference dictionary that cannot be stored in BAM makes
// the whole header unusable; FormatBam then returns nil.
func (hdr *Header) FormatBam(out []byte) ([]byte, error) {
	for _, ref := range hdr.References {
		if err := ref.validateBam(); err != nil {
			return nil, err
		}
	}

	out = append(out, bamMagic...)
	lTextIndex, out := enlarge(out, 4)

	out, textErr := hdr.Format(out)
	binary.LittleEndian.PutUint32(out[lTextIndex:lTextIndex+4], uint32(len(out)-lTextIndex-4))

	var index int
	index, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[index:], uint32(len(hdr.References)))

	for _, ref := range hdr.References {
		index, out = enlarge(out, 4+len(ref.Name)+1+4)
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(len(ref.Name)+1))
		index += 4
		copy(out[index:], ref.Name)
		out[index+len(ref.Name)] = 0
		index += len(ref.Name) + 1
		binary.LittleEndian.PutUint32(out[index:index+4], uint32(ref.Length))
	}

	return out, textErr
}

// bin computes the BAI bin of an alignment. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 5.3.
func (aln *Alignment) bin() uint16 {
	beg := int64(aln.POS) - 1
	if beg < 0 {
		beg = -1
	}
	end := beg
	if !aln.IsUnmapped() {
		if length := referenceLengthFromCigar(aln.CIGAR); length > 0 {
			end += length - 1
		}
	}
	if beg < 0 {
		return 4680
	}
	if beg>>14 == end>>14 {
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	}
	if beg>>17 == end>>17 {
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	}
	if beg>>20 == end>>20 {
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	}
	if beg>>23 == end>>23 {
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	}
	if beg>>26 == end>>26 {
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}

// formatBamTag writes a BAM file TAG by appending its binary
// representation to out and returning the result, dispatching on the
// actual type of the given value. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.4.
//
// The following types are accepted: byte (A), int64 (c, C, s, S, i, I),
// float32 (f), string (Z), ByteArray (H), []int8 (B:c), []uint8 (B:C),
// []int16 (B:s), []uint16 (B:S), []int32 (B:i), []uint32 (B:I), and
// []float32 (B:f).
func formatBamTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	var index int

	index, out = enlarge(out, 2)
	copy(out[index:], *tag)

	switch val := value.(type) {
	case byte:
		if !isPrintable(val) {
			return nil, formatErrorf(alignmentOp, "invalid character %q in A tag %v", val, *tag)
		}
		index, out = enlarge(out, 2)
		out[index] = 'A'
		out[index+1] = val
	case int64:
		switch {
		case val < math.MinInt32 || val > math.MaxUint32:
			return nil, formatErrorf(alignmentOp, "integer value %v out of range in tag %v", val, *tag)
		case val < 0 && val >= math.MinInt8:
			index, out = enlarge(out, 2)
			out[index] = 'c'
			out[index+1] = byte(int8(val))
		case val < 0 && val >= math.MinInt16:
			index, out = enlarge(out, 3)
			out[index] = 's'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		case val < 0:
			index, out = enlarge(out, 5)
			out[index] = 'i'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		case val <= math.MaxUint8:
			index, out = enlarge(out, 2)
			out[index] = 'C'
			out[index+1] = uint8(val)
		case val <= math.MaxUint16:
			index, out = enlarge(out, 3)
			out[index] = 'S'
			binary.LittleEndian.PutUint16(out[index+1:index+3], uint16(val))
		default:
			index, out = enlarge(out, 5)
			out[index] = 'I'
			binary.LittleEndian.PutUint32(out[index+1:index+5], uint32(val))
		}
	case float32:
		index, out = enlarge(out, 5)
		out[index] = 'f'
		binary.LittleEndian.PutUint32(out[index+1:index+5], math.Float32bits(val))
	case string:
		for i := 0; i < len(val); i++ {
			if !isTextChar(val[i]) {
				return nil, formatErrorf(alignmentOp, "invalid character %q in Z tag %v", val[i], *tag)
			}
		}
		index, out = enlarge(out, 1+len(val)+1)
		out[index] = 'Z'
		index++
		copy(out[index:], val)
		out[index+len(val)] = 0
	case ByteArray:
		index, out = enlarge(out, 1+2*len(val)+1)
		out[index] = 'H'
		index++
		for _, b := range val {
			out[index] = upperHexDigits[b>>4]
			out[index+1] = upperHexDigits[b&0xF]
			index += 2
		}
		out[index] = 0
	case []int8:
		index, out = enlarge(out, 2+4+len(val))
		index = putArrayHeader(out, index, 'c', len(val))
		for _, v := range val {
			out[index] = byte(v)
			index++
		}
	case []uint8:
		index, out = enlarge(out, 2+4+len(val))
		index = putArrayHeader(out, index, 'C', len(val))
		copy(out[index:], val)
	case []int16:
		index, out = enlarge(out, 2+4+2*len(val))
		index = putArrayHeader(out, index, 's', len(val))
		for _, v := range val {
			binary.LittleEndian.PutUint16(out[index:index+2], uint16(v))
			index += 2
		}
	case []uint16:
		index, out = enlarge(out, 2+4+2*len(val))
		index = putArrayHeader(out, index, 'S', len(val))
		for _, v := range val {
			binary.LittleEndian.PutUint16(out[index:index+2], v)
			index += 2
		}
	case []int32:
		index, out = enlarge(out, 2+4+4*len(val))
		index = putArrayHeader(out, index, 'i', len(val))
		for _, v := range val {
			binary.LittleEndian.PutUint32(out[index:index+4], uint32(v))
			index += 4
		}
	case []uint32:
		index, out = enlarge(out, 2+4+4*len(val))
		index = putArrayHeader(out, index, 'I', len(val))
		for _, v := range val {
			binary.LittleEndian.PutUint32(out[index:index+4], v)
			index += 4
		}
	case []float32:
		index, out = enlarge(out, 2+4+4*len(val))
		index = putArrayHeader(out, index, 'f', len(val))
		for _, v := range val {
			binary.LittleEndian.PutUint32(out[index:index+4], math.Float32bits(v))
			index += 4
		}
	default:
		return nil, formatErrorf(alignmentOp, "unknown value type %T of tag %v", value, *tag)
	}

	return out, nil
}

func putArrayHeader(out []byte, index int, subtype byte, count int) int {
	out[index] = 'B'
	out[index+1] = subtype
	binary.LittleEndian.PutUint32(out[index+2:index+6], uint32(count))
	return index + 6
}

func encodeCigarOp(op CigarOperation) uint32 {
	code, _ := cigarOpCode(op.Operation)
	return uint32(op.Length)<<4 | code
}

// formatBamAlignment writes a BAM file read alignment record by appending its
// binary representation to out and returning the result. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
//
// CIGARs with more operations than fit into n_cigar_op are stored in a
// CG tag, with a <len>S<ref>N placeholder in the CIGAR field.
func formatBamAlignment(aln *Alignment, out []byte, nRefs int) ([]byte, error) {
	if err := aln.Validate(); err != nil {
		return nil, err
	}
	if err := aln.ValidateReferences(nRefs); err != nil {
		return nil, err
	}
	seqLength := len(aln.SEQ)
	longCigar := len(aln.CIGAR) > MaxCigarLength
	if longCigar && (seqLength == 0 || seqLength > maxCigarOpLength) {
		return nil, formatErrorf(alignmentOp, "%v CIGAR operations without a sequence in alignment %v", len(aln.CIGAR), aln.QNAME)
	}
	qname := aln.QNAME
	if qname == "" {
		qname = "*"
	}

	var index int

	index, out = enlarge(out, 4)
	blockSizeIndex := index

	index, out = enlarge(out, readNameIndex)
	binary.LittleEndian.PutUint32(out[index+refIDIndex:], uint32(aln.RefID))
	binary.LittleEndian.PutUint32(out[index+posIndex:], uint32(aln.POS-1))
	out[index+lReadNameIndex] = uint8(len(qname) + 1)
	out[index+mapqIndex] = aln.MAPQ
	binary.LittleEndian.PutUint16(out[index+binIndex:], aln.bin())
	if longCigar {
		binary.LittleEndian.PutUint16(out[index+nCigarOpIndex:], 2)
	} else {
		binary.LittleEndian.PutUint16(out[index+nCigarOpIndex:], uint16(len(aln.CIGAR)))
	}
	binary.LittleEndian.PutUint16(out[index+flagIndex:], aln.FLAG)
	binary.LittleEndian.PutUint32(out[index+lSeqIndex:], uint32(seqLength))
	binary.LittleEndian.PutUint32(out[index+nextRefIDIndex:], uint32(aln.NextRefID))
	binary.LittleEndian.PutUint32(out[index+nextPosIndex:], uint32(aln.PNEXT-1))
	binary.LittleEndian.PutUint32(out[index+tlenIndex:], uint32(aln.TLEN))

	index, out = enlarge(out, len(qname)+1)
	copy(out[index:], qname)
	out[index+len(qname)] = 0

	if !longCigar {
		index, out = enlarge(out, len(aln.CIGAR)*4)
		for _, op := range aln.CIGAR {
			binary.LittleEndian.PutUint32(out[index:index+4], encodeCigarOp(op))
			index += 4
		}
	} else {
		refLength := referenceLengthFromCigar(aln.CIGAR)
		if refLength > maxCigarOpLength {
			return nil, formatErrorf(alignmentOp, "reference length %v too large for alignment %v", refLength, aln.QNAME)
		}
		index, out = enlarge(out, 2*4)
		binary.LittleEndian.PutUint32(out[index:index+4], encodeCigarOp(CigarOperation{int32(seqLength), 'S'}))
		binary.LittleEndian.PutUint32(out[index+4:index+8], encodeCigarOp(CigarOperation{int32(refLength), 'N'}))
	}

	index, out = enlarge(out, nibbles.ByteLen(seqLength))
	nib := nibbles.ReflectMake(seqLength, 0, out[index:])
	for i := 0; i < seqLength; i++ {
		nib.Set(i, sequenceCodes[aln.SEQ[i]])
	}

	index, out = enlarge(out, seqLength)
	if len(aln.QUAL) == 0 {
		for i := 0; i < seqLength; i++ {
			out[index+i] = 0xFF
		}
	} else {
		copy(out[index:], aln.QUAL)
	}

	var err error
	for _, entry := range aln.TAGS {
		if longCigar && entry.Key == cg {
			continue
		}
		if out, err = formatBamTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	if longCigar {
		index, out = enlarge(out, 2+2+4+4*len(aln.CIGAR))
		copy(out[index:], *cg)
		index = putArrayHeader(out, index+2, 'I', len(aln.CIGAR))
		for _, op := range aln.CIGAR {
			binary.LittleEndian.PutUint32(out[index:index+4], encodeCigarOp(op))
			index += 4
		}
	}

	binary.LittleEndian.PutUint32(out[blockSizeIndex:blockSizeIndex+4], uint32(len(out)-blockSizeIndex-4))

	return out, nil
}

// BamWriter encodes headers and alignments as an uncompressed BAM
// byte stream. Wrap the destination with bgzf.NewWriter to produce a
// BAM file.
type BamWriter struct {
	writer io.Writer
	nRefs  int
}

// NewBamWriter returns a BamWriter that writes to w.
func NewBamWriter(w io.Writer) *BamWriter {
	return &BamWriter{writer: w}
}

// WriteHeader writes the BAM header: the magic string, the header
// text, and the reference dictionary.
//
// Invalid header text lines are left out and reported as a
// *FormatError after the rest of the header has been written; the
// reference dictionary is then still in effect for subsequent
// alignments.
func (writer *BamWriter) WriteHeader(hdr *Header) error {
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	out, err := hdr.FormatBam(*buf)
	if out == nil {
		return err
	}
	*buf = out
	writer.nRefs = len(hdr.References)
	if _, werr := writer.writer.Write(out); werr != nil {
		return ioError(bamHeaderOp, werr)
	}
	return err
}

// WriteAlignment writes one alignment record. The record is formatted
// in full before anything is written.
func (writer *BamWriter) WriteAlignment(aln *Alignment) error {
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	out, err := formatBamAlignment(aln, *buf, writer.nRefs)
	if err != nil {
		return err
	}
	*buf = out
	if _, err := writer.writer.Write(out); err != nil {
		return ioError(bamAlignmentOp, err)
	}
	return nil
}
