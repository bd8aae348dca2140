package sam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/bam2sam/utils/bgzf"
)

// scriptedDecoder replays a fixed sequence of results.
type scriptedDecoder struct {
	header    *Header
	headerErr error
	results   []interface{}
}

func (d *scriptedDecoder) ReadHeader() (*Header, error) {
	if d.headerErr != nil {
		return nil, d.headerErr
	}
	if d.header != nil {
		return d.header, nil
	}
	return chr1Header(), nil
}

func (d *scriptedDecoder) Read() (*Alignment, error) {
	if len(d.results) == 0 {
		return nil, io.EOF
	}
	result := d.results[0]
	d.results = d.results[1:]
	switch result := result.(type) {
	case *Alignment:
		return result, nil
	case error:
		return nil, result
	default:
		panic("unexpected scripted result")
	}
}

// recordingEncoder records what it is asked to write.
type recordingEncoder struct {
	header     *Header
	names      []string
	headerErr  error
	alnErr     map[string]error
	flushed    bool
	flushedErr error
}

func (e *recordingEncoder) WriteHeader(hdr *Header) error {
	if e.headerErr != nil {
		return e.headerErr
	}
	e.header = hdr
	return nil
}

func (e *recordingEncoder) WriteAlignment(aln *Alignment) error {
	if err := e.alnErr[aln.QNAME]; err != nil {
		return err
	}
	e.names = append(e.names, aln.QNAME)
	return nil
}

func (e *recordingEncoder) Flush() error {
	e.flushed = true
	return e.flushedErr
}

func named(name string) *Alignment {
	aln := chr1Alignment()
	aln.QNAME = name
	return aln
}

var (
	errFormat = &FormatError{Op: "test", Err: errors.New("bad record")}
	errIO     = &IOError{Op: "test", Err: errors.New("bad sector")}
)

func quietConverter(d AlignmentDecoder, e AlignmentEncoder) (*Converter, *[]Diagnostic) {
	c := NewConverter(d, e)
	var reported []Diagnostic
	c.Reporter = func(_ uuid.UUID, d Diagnostic) { reported = append(reported, d) }
	return c, &reported
}

func TestConverterCopiesEverything(t *testing.T) {
	r := require.New(t)
	d := &scriptedDecoder{results: []interface{}{named("a"), named("b"), named("c")}}
	e := &recordingEncoder{}
	c, reported := quietConverter(d, e)
	r.Equal(Init, c.State())

	report, err := c.Run()
	r.NoError(err)
	r.Equal(Done, c.State())
	r.Equal([]ConversionState{Init, HeaderCopied, Streaming, Done}, report.Transitions)
	r.Equal(chr1Header(), e.header)
	r.Equal([]string{"a", "b", "c"}, e.names)
	r.True(e.flushed)
	r.Equal(3, report.RecordsRead)
	r.Equal(3, report.RecordsWritten)
	r.Equal(0, report.RecordsFailed())
	r.False(report.HeaderFailed())
	r.Empty(*reported)
	r.NotEqual(uuid.Nil, report.RunID)

	_, err = c.Run()
	r.Error(err)
}

func TestConverterIsolatesFaults(t *testing.T) {
	r := require.New(t)
	d := &scriptedDecoder{results: []interface{}{
		named("a"), errFormat, named("c"), errIO, named("e"), named("f"), named("g"),
	}}
	e := &recordingEncoder{alnErr: map[string]error{"f": errFormat}}
	c, reported := quietConverter(d, e)

	report, err := c.Run()
	r.NoError(err)
	r.Equal(Done, c.State())
	r.Equal([]string{"a", "c", "e", "g"}, e.names)
	r.Equal(5, report.RecordsRead)
	r.Equal(4, report.RecordsWritten)
	r.Equal(3, report.RecordsFailed())
	for _, ordinal := range []uint{2, 4, 6} {
		r.True(report.Failed.Test(ordinal), "ordinal %v", ordinal)
	}
	r.Equal(report.Diagnostics, *reported)
	r.Equal(Diagnostic{RecordPhase, 2, errFormat}, report.Diagnostics[0])
	r.Equal("record 2: test: bad record", report.Diagnostics[0].String())
}

func TestConverterHeaderFailure(t *testing.T) {
	for name, setup := range map[string]func(*scriptedDecoder, *recordingEncoder){
		"decode format": func(d *scriptedDecoder, _ *recordingEncoder) { d.headerErr = errFormat },
		"decode io":     func(d *scriptedDecoder, _ *recordingEncoder) { d.headerErr = errIO },
		"encode format": func(_ *scriptedDecoder, e *recordingEncoder) { e.headerErr = errFormat },
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			d := &scriptedDecoder{results: []interface{}{named("a")}}
			e := &recordingEncoder{}
			setup(d, e)
			c, reported := quietConverter(d, e)
			report, err := c.Run()
			r.NoError(err)
			r.Nil(e.header)
			r.Equal([]ConversionState{Init, Streaming, Done}, report.Transitions)
			r.True(report.HeaderFailed())
			r.Len(*reported, 1)
			r.Equal(HeaderPhase, (*reported)[0].Phase)
			r.Equal(0, report.RecordsFailed())
			r.Equal([]string{"a"}, e.names)
		})
	}
}

func TestConverterFatalErrors(t *testing.T) {
	otherErr := errors.New("programming error")
	for name, setup := range map[string]func(*scriptedDecoder, *recordingEncoder){
		"repeated read failure": func(d *scriptedDecoder, _ *recordingEncoder) {
			d.results = []interface{}{named("a"), errIO, errIO, named("b")}
		},
		"read failure after format error": func(d *scriptedDecoder, _ *recordingEncoder) {
			d.results = []interface{}{named("a"), errIO, errFormat, errIO, named("b")}
		},
		"write failure": func(d *scriptedDecoder, e *recordingEncoder) {
			d.results = []interface{}{named("a"), named("b"), named("c")}
			e.alnErr = map[string]error{"b": errIO}
		},
		"header write failure": func(d *scriptedDecoder, e *recordingEncoder) {
			d.results = []interface{}{named("a"), named("b")}
			e.headerErr = errIO
		},
		"unknown read error": func(d *scriptedDecoder, _ *recordingEncoder) {
			d.results = []interface{}{named("a"), otherErr, named("b")}
		},
		"unknown write error": func(d *scriptedDecoder, e *recordingEncoder) {
			d.results = []interface{}{named("a"), named("b")}
			e.alnErr = map[string]error{"b": otherErr}
		},
		"flush failure": func(d *scriptedDecoder, e *recordingEncoder) {
			d.results = []interface{}{named("a")}
			e.flushedErr = errIO
		},
	} {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			d := &scriptedDecoder{}
			e := &recordingEncoder{}
			setup(d, e)
			c, _ := quietConverter(d, e)
			report, err := c.Run()
			r.Error(err)
			r.NotNil(report)
			r.NotEqual(Done, c.State())
			r.LessOrEqual(len(e.names), 1)
		})
	}
}

func TestConversionStateString(t *testing.T) {
	assert.Equal(t, "Init", Init.String())
	assert.Equal(t, "HeaderCopied", HeaderCopied.String())
	assert.Equal(t, "Streaming", Streaming.String())
	assert.Equal(t, "Done", Done.String())
	assert.Equal(t, "ConversionState(7)", ConversionState(7).String())
}

func bgzfBam(t *testing.T, hdr *Header, alns ...*Alignment) []byte {
	r := require.New(t)
	var out bytes.Buffer
	bw, err := bgzf.NewWriter(&out, -1, 1)
	r.NoError(err)
	w := NewBamWriter(bw)
	r.NoError(w.WriteHeader(hdr))
	for _, aln := range alns {
		r.NoError(w.WriteAlignment(aln))
	}
	r.NoError(bw.Close())
	return out.Bytes()
}

func convertBamToSam(t *testing.T, data []byte) (string, *Report) {
	r := require.New(t)
	input, err := bgzf.NewReader(bytes.NewReader(data), 2)
	r.NoError(err)
	defer func() { r.NoError(input.Close()) }()
	var out bytes.Buffer
	c, _ := quietConverter(NewBamReader(input), NewSamWriter(&out))
	report, err := c.Run()
	r.NoError(err)
	r.Equal(Done, c.State())
	return out.String(), report
}

func TestConvertBamToSam(t *testing.T) {
	r := require.New(t)
	hdr := &Header{
		Text:       []string{"@HD\tVN:1.6\tSO:coordinate"},
		References: []Reference{{"chr1", 1000}},
	}
	data := bgzfBam(t, hdr, chr1Alignment())
	sam, report := convertBamToSam(t, data)
	r.Equal("@HD\tVN:1.6\tSO:coordinate\n@SQ\tSN:chr1\tLN:1000\n"+
		"r1\t0\tchr1\t5\t60\t3M\t*\t0\t0\tACG\t???\n", sam)
	r.Equal(1, report.RecordsWritten)

	again, _ := convertBamToSam(t, data)
	r.Equal(sam, again)
}

func TestConvertHeaderOnlyBam(t *testing.T) {
	r := require.New(t)
	sam, report := convertBamToSam(t, bgzfBam(t, twoReferenceHeader()))
	r.Equal("@HD\tVN:1.6\tSO:unsorted\n@SQ\tSN:chr1\tLN:1000\n@SQ\tSN:chr2\tLN:2000\n"+
		"@RG\tID:sample:1\tSM:x\n@CO\tconverted\n", sam)
	r.Empty(report.Diagnostics)
	r.Equal(0, report.RecordsRead)
}

func TestConvertIsolatesCorruptRecord(t *testing.T) {
	r := require.New(t)
	const n, k = 6, 4
	var raw bytes.Buffer
	w := NewBamWriter(&raw)
	r.NoError(w.WriteHeader(chr1Header()))
	for i := 1; i <= n; i++ {
		aln := named(string(rune('a' + i - 1)))
		if i == k {
			record := encodeBamAlignment(t, aln, 1)
			// unknown CIGAR operation code
			record[4+readNameIndex+len(aln.QNAME)+1] |= 0xF
			raw.Write(record)
			continue
		}
		r.NoError(w.WriteAlignment(aln))
	}

	var compressed bytes.Buffer
	bw, err := bgzf.NewWriter(&compressed, -1, 1)
	r.NoError(err)
	_, err = bw.Write(raw.Bytes())
	r.NoError(err)
	r.NoError(bw.Close())

	sam, report := convertBamToSam(t, compressed.Bytes())
	r.Equal(n-1, report.RecordsWritten)
	r.Len(report.Diagnostics, 1)
	r.Equal(k, report.Diagnostics[0].Ordinal)
	r.True(IsFormatError(report.Diagnostics[0].Err))
	r.Equal(uint(k), func() uint { i, _ := report.Failed.NextSet(0); return i }())
	r.NotContains(sam, "d\t0\tchr1")
	r.Contains(sam, "e\t0\tchr1")
}

func appendUint32(out []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(out, b[:]...)
}

// rawBamHeader encodes a BAM header with the given text as is.
func rawBamHeader(text string, refs ...Reference) []byte {
	out := []byte(bamMagic)
	out = appendUint32(out, uint32(len(text)))
	out = append(out, text...)
	out = appendUint32(out, uint32(len(refs)))
	for _, ref := range refs {
		out = appendUint32(out, uint32(len(ref.Name)+1))
		out = append(append(out, ref.Name...), 0)
		out = appendUint32(out, uint32(ref.Length))
	}
	return out
}

func TestConvertDamagedHeaderText(t *testing.T) {
	r := require.New(t)
	data := rawBamHeader("@HD\tVN:1.6\n garbage\n", Reference{"chr1", 1000})
	data = append(data, encodeBamAlignment(t, named("r1"), 1)...)
	data = append(data, encodeBamAlignment(t, named("r2"), 1)...)

	var out bytes.Buffer
	c, reported := quietConverter(NewBamReader(bytes.NewReader(data)), NewSamWriter(&out))
	report, err := c.Run()
	r.NoError(err)
	r.Equal(Done, c.State())
	r.Equal("@HD\tVN:1.6\n@SQ\tSN:chr1\tLN:1000\n"+
		"r1\t0\tchr1\t5\t60\t3M\t*\t0\t0\tACG\t???\n"+
		"r2\t0\tchr1\t5\t60\t3M\t*\t0\t0\tACG\t???\n", out.String())
	r.Equal(2, report.RecordsWritten)
	r.Zero(report.RecordsFailed())
	r.True(report.HeaderFailed())
	r.Len(*reported, 1)
	r.Equal(HeaderPhase, (*reported)[0].Phase)
	r.Contains((*reported)[0].Err.Error(), "garbage")
}

func TestConvertToBamWithDamagedHeaderText(t *testing.T) {
	r := require.New(t)
	hdr := &Header{
		Text:       []string{"@HD\tVN:1.6", "@SQ\tSN:chr1\tLN:1000", "no record type"},
		References: chr1Header().References,
	}

	d := &scriptedDecoder{header: hdr, results: []interface{}{named("r1")}}
	var out bytes.Buffer
	c, reported := quietConverter(d, NewBamWriter(&out))
	report, err := c.Run()
	r.NoError(err)
	r.Len(*reported, 1)
	r.Equal(1, report.RecordsWritten)

	decodedHdr, alns := readAllBam(t, out.Bytes())
	r.Equal([]string{"@HD\tVN:1.6", "@SQ\tSN:chr1\tLN:1000"}, decodedHdr.Text)
	r.Equal([]*Alignment{named("r1")}, alns)
}
