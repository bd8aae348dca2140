package sam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/exascience/bam2sam/utils"
)

func encodeBamHeader(t *testing.T, hdr *Header) []byte {
	out, err := hdr.FormatBam(nil)
	require.NoError(t, err)
	return out
}

func encodeBamAlignment(t *testing.T, aln *Alignment, nRefs int) []byte {
	out, err := formatBamAlignment(aln, nil, nRefs)
	require.NoError(t, err)
	return out
}

func readAllBam(t *testing.T, data []byte) (*Header, []*Alignment) {
	r := require.New(t)
	reader := NewBamReader(bytes.NewReader(data))
	hdr, err := reader.ReadHeader()
	r.NoError(err)
	var alns []*Alignment
	for {
		aln, err := reader.Read()
		if err == io.EOF {
			return hdr, alns
		}
		r.NoError(err)
		alns = append(alns, aln)
	}
}

func TestBamRoundTrip(t *testing.T) {
	r := require.New(t)
	var out bytes.Buffer
	w := NewBamWriter(&out)
	r.NoError(w.WriteHeader(twoReferenceHeader()))
	alns := sampleAlignments()
	for _, aln := range alns {
		r.NoError(w.WriteAlignment(aln))
	}
	r.True(bytes.HasPrefix(out.Bytes(), []byte("BAM\x01")))

	hdr, decoded := readAllBam(t, out.Bytes())
	r.Equal(twoReferenceHeader().References, hdr.References)
	r.Equal(twoReferenceHeader().Lines(), hdr.Text)
	r.Equal(alns, decoded)
}

func TestBamEmptyName(t *testing.T) {
	r := require.New(t)
	aln := NewAlignment()
	data := append(encodeBamHeader(t, NewHeader()), encodeBamAlignment(t, aln, 0)...)
	_, decoded := readAllBam(t, data)
	r.Len(decoded, 1)
	r.Equal("", decoded[0].QNAME)
	r.Equal(aln, decoded[0])
}

func TestBamLongCigar(t *testing.T) {
	r := require.New(t)
	aln := chr1Alignment()
	aln.CIGAR = make([]CigarOperation, 70000)
	for i := range aln.CIGAR {
		if i%2 == 0 {
			aln.CIGAR[i] = CigarOperation{1, 'M'}
		} else {
			aln.CIGAR[i] = CigarOperation{1, 'I'}
		}
	}
	aln.SEQ = strings.Repeat("ACGT", 70000/4)
	aln.QUAL = nil
	aln.TAGS.Set(utils.Intern("NM"), int64(35000))

	record := encodeBamAlignment(t, aln, 1)
	r.Equal(uint16(2), binary.LittleEndian.Uint16(record[4+nCigarOpIndex:]))

	data := append(encodeBamHeader(t, chr1Header()), record...)
	_, decoded := readAllBam(t, data)
	r.Len(decoded, 1)
	r.Equal(aln.CIGAR, decoded[0].CIGAR)
	r.Equal(aln.TAGS, decoded[0].TAGS)
	r.Equal(aln, decoded[0])

	// a CG tag without the placeholder CIGAR is kept as an ordinary tag
	short := chr1Alignment()
	short.TAGS.Set(utils.Intern("CG"), []uint32{3 << 4})
	data = append(encodeBamHeader(t, chr1Header()), encodeBamAlignment(t, short, 1)...)
	_, decoded = readAllBam(t, data)
	r.Equal(short, decoded[0])
}

func TestBamIntegerTagCodes(t *testing.T) {
	r := require.New(t)
	tag := utils.Intern("XX")
	for value, code := range map[int64]byte{
		-1:          'c',
		200:         'C',
		-200:        's',
		40000:       'S',
		-40000:      'i',
		3000000000:  'I',
		-2147483648: 'i',
		0:           'C',
	} {
		out, err := formatBamTag(nil, tag, value)
		r.NoError(err)
		r.Equal(code, out[2], "value %v", value)
		parsed, _, err := optionalBAMFieldParseTable[code](out, 3)
		r.NoError(err)
		r.Equal(value, parsed)
	}
	for _, value := range []int64{5000000000, -2147483649} {
		_, err := formatBamTag(nil, tag, value)
		r.True(IsFormatError(err))
	}
	_, err := formatBamTag(nil, tag, int32(1))
	r.True(IsFormatError(err))
}

func TestBin(t *testing.T) {
	r := require.New(t)
	aln := chr1Alignment()
	aln.POS = 1
	r.Equal(uint16(4681), aln.bin())
	aln.POS = 16385
	r.Equal(uint16(4682), aln.bin())
	// 16382..16384 crosses a 16kb boundary
	aln.POS = 16383
	r.Equal(uint16(585), aln.bin())
	unmapped := NewAlignment()
	unmapped.FLAG = SegUnmapped
	r.Equal(uint16(4680), unmapped.bin())
}

// The layout of badRecord, as offsets into the record block including
// the block size prefix.
const (
	badNameEnd      = 4 + readNameIndex + 3
	badCigar        = badNameEnd + 1
	badFirstTag     = badCigar + 4 + 2 + 3
	badFirstTagType = badFirstTag + 2
	badArrayCount   = badFirstTagType + 2
	badLastNUL      = badArrayCount + 4 + 1 + 3 + 2
)

func badRecord(t *testing.T) []byte {
	aln := chr1Alignment()
	aln.QNAME = "bad"
	aln.TAGS.Set(utils.Intern("XB"), []int8{1})
	aln.TAGS.Set(utils.Intern("RG"), "ab")
	record := encodeBamAlignment(t, aln, 1)
	require.Equal(t, badLastNUL+1, len(record))
	require.Equal(t, byte(0), record[badLastNUL])
	return record
}

func TestBamReaderRecoversFromMalformedRecords(t *testing.T) {
	put32 := func(offset int, value uint32) func([]byte) {
		return func(record []byte) { binary.LittleEndian.PutUint32(record[offset:], value) }
	}
	for name, corrupt := range map[string]func([]byte){
		"reference index":    put32(4+refIDIndex, 5),
		"mate index":         put32(4+nextRefIDIndex, 0xFFFFFFFE),
		"read name length":   func(record []byte) { record[4+lReadNameIndex] = 0 },
		"read name overflow": func(record []byte) { record[4+lReadNameIndex] = 255 },
		"read name NUL":      func(record []byte) { record[badNameEnd] = 'x' },
		"CIGAR count": func(record []byte) {
			binary.LittleEndian.PutUint16(record[4+nCigarOpIndex:], 0xFFFF)
		},
		"CIGAR operation":  put32(badCigar, 3<<4|0xF),
		"sequence length":  put32(4+lSeqIndex, 0x7FFFFFFF),
		"negative length":  put32(4+lSeqIndex, 0xFFFFFFF0),
		"tag type":         func(record []byte) { record[badFirstTagType] = 'Q' },
		"array subtype":    func(record []byte) { record[badFirstTagType+1] = 'q' },
		"array count":      put32(badArrayCount, 0x10000000),
		"negative count":   put32(badArrayCount, 0xFFFFFFFF),
		"string NUL":       func(record []byte) { record[badLastNUL] = 'x' },
		"short record": func(record []byte) {
			binary.LittleEndian.PutUint32(record, 8)
		},
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			record := badRecord(t)
			corrupt(record)
			if binary.LittleEndian.Uint32(record) == 8 {
				record = record[:12]
			}
			var data []byte
			data = append(data, encodeBamHeader(t, chr1Header())...)
			data = append(data, encodeBamAlignment(t, chr1Alignment(), 1)...)
			data = append(data, record...)
			data = append(data, encodeBamAlignment(t, chr1Alignment(), 1)...)

			reader := NewBamReader(bytes.NewReader(data))
			_, err := reader.ReadHeader()
			r.NoError(err)
			aln, err := reader.Read()
			r.NoError(err)
			r.Equal(chr1Alignment(), aln)
			_, err = reader.Read()
			r.True(IsFormatError(err), "%v", err)
			r.False(errors.Is(err, ErrFramingLost))
			aln, err = reader.Read()
			r.NoError(err)
			r.Equal(chr1Alignment(), aln)
			_, err = reader.Read()
			r.Equal(io.EOF, err)
		})
	}
}

func TestBamReaderFramingLost(t *testing.T) {
	for name, blockSize := range map[string]uint32{
		"negative": 0xFFFFFFFF,
		"too big":  DefaultMaxRecordSize + 1,
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			var data []byte
			data = append(data, encodeBamHeader(t, chr1Header())...)
			data = append(data, encodeBamAlignment(t, chr1Alignment(), 1)...)
			bad := encodeBamAlignment(t, chr1Alignment(), 1)
			binary.LittleEndian.PutUint32(bad, blockSize)
			data = append(data, bad...)
			data = append(data, encodeBamAlignment(t, chr1Alignment(), 1)...)

			reader := NewBamReader(bytes.NewReader(data))
			_, err := reader.ReadHeader()
			r.NoError(err)
			_, err = reader.Read()
			r.NoError(err)
			_, err = reader.Read()
			r.True(IsFormatError(err))
			r.True(errors.Is(err, ErrFramingLost))
			_, err = reader.Read()
			r.Equal(io.EOF, err)
		})
	}
}

func TestBamReaderTruncated(t *testing.T) {
	r := require.New(t)
	record := encodeBamAlignment(t, chr1Alignment(), 1)
	for _, cut := range []int{2, 10, len(record) - 1} {
		data := append(encodeBamHeader(t, chr1Header()), record[:cut]...)
		reader := NewBamReader(bytes.NewReader(data))
		_, err := reader.ReadHeader()
		r.NoError(err)
		_, err = reader.Read()
		r.True(IsFormatError(err), "cut at %v: %v", cut, err)
		_, err = reader.Read()
		r.Equal(io.EOF, err)
	}
}

func TestBamReaderHeaderErrors(t *testing.T) {
	le32 := func(v uint32) []byte {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return b[:]
	}
	cat := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }
	for name, data := range map[string][]byte{
		"empty":             nil,
		"short magic":       []byte("BA"),
		"wrong magic":       []byte("SAM\x01\x00\x00\x00\x00\x00\x00\x00\x00"),
		"negative l_text":   cat([]byte(bamMagic), le32(0xFFFFFFFF)),
		"oversized l_text":  cat([]byte(bamMagic), le32(DefaultMaxHeaderSize+1)),
		"lying l_text":      cat([]byte(bamMagic), le32(1<<29), []byte("@HD\tVN:1.6\n")),
		"negative n_ref":    cat([]byte(bamMagic), le32(0), le32(0xFFFFFFFF)),
		"lying n_ref":       cat([]byte(bamMagic), le32(0), le32(1<<30), le32(5), []byte("chr1\x00"), le32(10)),
		"zero l_name":       cat([]byte(bamMagic), le32(0), le32(1), le32(0)),
		"name without NUL":  cat([]byte(bamMagic), le32(0), le32(1), le32(4), []byte("chr1"), le32(10)),
		"negative l_ref":    cat([]byte(bamMagic), le32(0), le32(1), le32(5), []byte("chr1\x00"), le32(0xFFFFFFFF)),
		"truncated l_ref":   cat([]byte(bamMagic), le32(0), le32(1), le32(5), []byte("chr1\x00"), []byte{1}),
		"lying l_name":      cat([]byte(bamMagic), le32(0), le32(1), le32(1<<29), []byte("chr1\x00")),
		"truncated n_ref":   cat([]byte(bamMagic), le32(0)),
		"truncated text":    cat([]byte(bamMagic), le32(10), []byte("@HD")),
		"truncated l_text":  cat([]byte(bamMagic), []byte{1, 0}),
		"text then garbage": cat([]byte(bamMagic), le32(3), []byte("@CO"), []byte{7}),
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			reader := NewBamReader(bytes.NewReader(data))
			_, err := reader.ReadHeader()
			r.True(IsFormatError(err), "%v", err)
			_, err = reader.Read()
			r.Equal(io.EOF, err)
		})
	}
}

func TestBamReaderHeaderText(t *testing.T) {
	r := require.New(t)
	hdr := twoReferenceHeader()
	data := encodeBamHeader(t, hdr)
	// BAM writers may pad the header text with NUL bytes
	lText := binary.LittleEndian.Uint32(data[4:])
	padded := append([]byte(nil), data[:8+lText]...)
	padded = append(padded, 0, 0, 0)
	binary.LittleEndian.PutUint32(padded[4:], lText+3)
	padded = append(padded, data[8+lText:]...)

	decoded, _ := readAllBam(t, padded)
	r.Equal(hdr.Lines(), decoded.Text)
	r.Equal(hdr.References, decoded.References)
}

func TestBamReaderIOError(t *testing.T) {
	r := require.New(t)
	errBroken := errors.New("broken pipe")
	data := encodeBamHeader(t, chr1Header())
	reader := NewBamReader(io.MultiReader(bytes.NewReader(data), iotest.ErrReader(errBroken)))
	_, err := reader.ReadHeader()
	r.NoError(err)
	for i := 0; i < 2; i++ {
		_, err = reader.Read()
		r.True(IsIOError(err), "%v", err)
		r.True(errors.Is(err, errBroken))
	}
}

func TestBamWriterRejectsInvalidAlignments(t *testing.T) {
	r := require.New(t)
	var out bytes.Buffer
	w := NewBamWriter(&out)
	r.NoError(w.WriteHeader(chr1Header()))
	length := out.Len()

	aln := chr1Alignment()
	aln.QUAL = []byte{1}
	r.True(IsFormatError(w.WriteAlignment(aln)))
	aln = chr1Alignment()
	aln.CIGAR[0].Length = -3
	r.True(IsFormatError(w.WriteAlignment(aln)))
	aln = chr1Alignment()
	aln.TAGS.Set(utils.Intern("XX"), struct{}{})
	r.True(IsFormatError(w.WriteAlignment(aln)))
	r.Equal(length, out.Len())

	w = NewBamWriter(failingWriter{})
	r.True(IsIOError(w.WriteHeader(chr1Header())))
}

func TestBamWriterHeaderProblems(t *testing.T) {
	r := require.New(t)

	var out bytes.Buffer
	w := NewBamWriter(&out)
	hdr := &Header{
		Text:       []string{"@HD\tVN:1.6", "bad line"},
		References: []Reference{{"chr 1", 1000}},
	}
	r.True(IsFormatError(w.WriteHeader(hdr)))
	r.NoError(w.WriteAlignment(chr1Alignment()))
	decodedHdr, alns := readAllBam(t, out.Bytes())
	r.Equal([]string{"@HD\tVN:1.6"}, decodedHdr.Text)
	r.Equal(hdr.References, decodedHdr.References)
	r.Equal([]*Alignment{chr1Alignment()}, alns)

	out.Reset()
	w = NewBamWriter(&out)
	r.True(IsFormatError(w.WriteHeader(&Header{References: []Reference{{"", 1000}}})))
	r.Zero(out.Len())
	r.True(IsFormatError(w.WriteAlignment(chr1Alignment())))
}

func TestBamReaderIOErrorInsideRecord(t *testing.T) {
	errBroken := errors.New("broken pipe")
	record := encodeBamAlignment(t, chr1Alignment(), 1)
	for name, prefix := range map[string][]byte{
		"block size": record[:2],
		"block":      record[:10],
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			data := append(encodeBamHeader(t, chr1Header()), prefix...)
			reader := NewBamReader(io.MultiReader(bytes.NewReader(data), iotest.ErrReader(errBroken)))
			_, err := reader.ReadHeader()
			r.NoError(err)
			_, err = reader.Read()
			r.True(IsIOError(err), "%v", err)
			_, err = reader.Read()
			r.Equal(io.EOF, err)
		})
	}
}
