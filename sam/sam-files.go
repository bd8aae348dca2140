package sam

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/exascience/bam2sam/internal"
	"github.com/exascience/bam2sam/utils"
)

// FieldParser parses the value of an optional field of a given type.
type FieldParser func(*StringScanner) interface{}

func (sc *StringScanner) ParseChar() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readByteUntil('\t')
	if sc.err == nil && !isPrintable(value) {
		sc.setErrorf("invalid character %q in A field", value)
	}
	return value
}

func (sc *StringScanner) ParseInteger() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	val, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		sc.setErr(err)
		return nil
	}
	if val < math.MinInt32 || val > math.MaxUint32 {
		sc.setErrorf("integer %v out of range in i field", val)
		return nil
	}
	return val
}

func (sc *StringScanner) ParseFloat() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		sc.setErr(err)
		return nil
	}
	return float32(val)
}

func (sc *StringScanner) ParseString() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	return value
}

func (sc *StringScanner) ParseByteArray() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	if len(value)%2 != 0 {
		sc.setErrorf("odd number of hex digits in H field %v", value)
		return nil
	}
	result := ByteArray(make([]byte, 0, len(value)>>1))
	for i := 0; i < len(value); i += 2 {
		val, err := strconv.ParseUint(value[i:i+2], 16, 8)
		if err != nil {
			sc.setErr(err)
			return nil
		}
		result = append(result, byte(val))
	}
	return result
}

func (sc *StringScanner) parseArrayEntries() []string {
	if sc.index < len(sc.data) {
		switch sc.data[sc.index] {
		case '\t':
			sc.index++
			return nil
		case ',':
			sc.index++
		default:
			sc.setErrorf("unexpected character %q in numeric array", sc.data[sc.index])
			return nil
		}
	} else {
		return nil
	}
	var entries []string
	for {
		entry, sep := sc.readUntil2(',', '\t')
		entries = append(entries, entry)
		if sep != ',' {
			return entries
		}
	}
}

func (sc *StringScanner) ParseNumericArray() interface{} {
	if sc.err != nil {
		return nil
	}
	if sc.index >= len(sc.data) {
		sc.setErrorf("missing numeric array type")
		return nil
	}
	ntype := sc.data[sc.index]
	sc.index++
	entries := sc.parseArrayEntries()
	if sc.err != nil {
		return nil
	}
	parseInt := func(entry string, bitSize int) int64 {
		val, err := strconv.ParseInt(entry, 10, bitSize)
		if err != nil {
			sc.setErr(err)
		}
		return val
	}
	parseUint := func(entry string, bitSize int) uint64 {
		val, err := strconv.ParseUint(entry, 10, bitSize)
		if err != nil {
			sc.setErr(err)
		}
		return val
	}
	var result interface{}
	switch ntype {
	case 'c':
		array := make([]int8, len(entries))
		for i, entry := range entries {
			array[i] = int8(parseInt(entry, 8))
		}
		result = array
	case 'C':
		array := make([]uint8, len(entries))
		for i, entry := range entries {
			array[i] = uint8(parseUint(entry, 8))
		}
		result = array
	case 's':
		array := make([]int16, len(entries))
		for i, entry := range entries {
			array[i] = int16(parseInt(entry, 16))
		}
		result = array
	case 'S':
		array := make([]uint16, len(entries))
		for i, entry := range entries {
			array[i] = uint16(parseUint(entry, 16))
		}
		result = array
	case 'i':
		array := make([]int32, len(entries))
		for i, entry := range entries {
			array[i] = int32(parseInt(entry, 32))
		}
		result = array
	case 'I':
		array := make([]uint32, len(entries))
		for i, entry := range entries {
			array[i] = uint32(parseUint(entry, 32))
		}
		result = array
	case 'f':
		array := make([]float32, len(entries))
		for i, entry := range entries {
			val, err := strconv.ParseFloat(entry, 32)
			if err != nil {
				sc.setErr(err)
			}
			array[i] = float32(val)
		}
		result = array
	default:
		sc.setErrorf("invalid numeric array type %q", ntype)
	}
	if sc.err != nil {
		return nil
	}
	return result
}

var optionalFieldParseTable = map[byte]FieldParser{
	'A': (*StringScanner).ParseChar,
	'i': (*StringScanner).ParseInteger,
	'f': (*StringScanner).ParseFloat,
	'Z': (*StringScanner).ParseString,
	'H': (*StringScanner).ParseByteArray,
	'B': (*StringScanner).ParseNumericArray,
}

func (sc *StringScanner) ParseOptionalField() (tag utils.Symbol, value interface{}) {
	if sc.err != nil {
		return nil, nil
	}
	tagname, ok := sc.readUntil(':')
	if !ok || (len(tagname) != 2) {
		sc.setErrorf("invalid field tag %v in SAM alignment line", tagname)
		return nil, nil
	}
	tag = utils.Intern(tagname)
	typebyte, ok := sc.readByteUntil(':')
	if !ok {
		sc.setErrorf("invalid field type in optional field %v", tagname)
		return nil, nil
	}
	parse := optionalFieldParseTable[typebyte]
	if parse == nil {
		sc.setErrorf("unknown field type %q in optional field %v", typebyte, tagname)
		return nil, nil
	}
	return tag, parse(sc)
}

func (sc *StringScanner) doString() string {
	if sc.err != nil {
		return ""
	}
	value, ok := sc.readUntil('\t')
	if !ok {
		sc.setErrorf("missing tabulator in SAM alignment line")
		return ""
	}
	return value
}

func (sc *StringScanner) doInt32() int32 {
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseInt(sc.doString(), 10, 32)
	if err != nil {
		sc.setErr(err)
	}
	return int32(value)
}

func (sc *StringScanner) doUint(bitSize int) uint64 {
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseUint(sc.doString(), 10, bitSize)
	if err != nil {
		sc.setErr(err)
	}
	return value
}

func (sc *StringScanner) doReference(name string, refs map[string]int32) int32 {
	if sc.err != nil || name == "*" {
		return Unmapped
	}
	refID, found := refs[name]
	if !found {
		sc.setErrorf("unknown reference sequence %v", name)
		return Unmapped
	}
	return refID
}

// ParseAlignment parses a SAM alignment line, resolving reference
// sequence names with refs.
func (sc *StringScanner) ParseAlignment(refs map[string]int32) *Alignment {
	aln := NewAlignment()

	aln.QNAME = sc.doString()
	if aln.QNAME == "*" {
		aln.QNAME = ""
	}
	aln.FLAG = uint16(sc.doUint(16))
	aln.RefID = sc.doReference(sc.doString(), refs)
	aln.POS = sc.doInt32()
	aln.MAPQ = byte(sc.doUint(8))
	if cigar := sc.doString(); sc.err == nil {
		var err error
		if aln.CIGAR, err = ScanCigarString(cigar); err != nil {
			sc.setErr(err)
		}
	}
	if rnext := sc.doString(); rnext == "=" {
		aln.NextRefID = aln.RefID
	} else {
		aln.NextRefID = sc.doReference(rnext, refs)
	}
	aln.PNEXT = sc.doInt32()
	aln.TLEN = sc.doInt32()
	if seq := sc.doString(); seq != "*" {
		aln.SEQ = strings.ToUpper(seq)
	}
	if qual, _ := sc.readUntil('\t'); sc.err == nil && qual != "*" {
		aln.QUAL = make([]byte, len(qual))
		for i := 0; i < len(qual); i++ {
			c := qual[i]
			if c < 33 || c > 33+MaxQuality {
				sc.setErrorf("invalid quality character %q", c)
				break
			}
			aln.QUAL[i] = c - 33
		}
	}

	for sc.Len() > 0 {
		aln.TAGS.Append(sc.ParseOptionalField())
	}

	return aln
}

// Format appends the header lines to out, each terminated by a
// newline.
//
// Lines that are not valid header lines, and @SQ lines for reference
// sequences whose names cannot be written, are left out. The first
// of these is reported as a *FormatError; out then still holds the
// remaining lines.
func (hdr *Header) Format(out []byte) ([]byte, error) {
	writable, err := hdr.writable()
	for _, line := range writable.Lines() {
		out = append(append(out, line...), '\n')
	}
	return out, err
}

const upperHexDigits = "0123456789ABCDEF"

func isTextChar(c byte) bool { return ' ' <= c && c <= '~' }

// FormatTag appends the SAM representation of an optional field to
// out, preceded by a tab.
func FormatTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(out, '\t')
	out = append(out, *tag...)

	switch val := value.(type) {
	case byte:
		if !isPrintable(val) {
			return nil, formatErrorf(alignmentOp, "invalid character %q in A tag %v", val, *tag)
		}
		out = append(append(out, ":A:"...), val)
	case int64:
		out = strconv.AppendInt(append(out, ":i:"...), val, 10)
	case float32:
		out = strconv.AppendFloat(append(out, ":f:"...), float64(val), 'g', -1, 32)
	case string:
		for i := 0; i < len(val); i++ {
			if !isTextChar(val[i]) {
				return nil, formatErrorf(alignmentOp, "invalid character %q in Z tag %v", val[i], *tag)
			}
		}
		out = append(append(out, ":Z:"...), val...)
	case ByteArray:
		out = append(out, ":H:"...)
		for _, b := range val {
			out = append(out, upperHexDigits[b>>4], upperHexDigits[b&0xF])
		}
	case []int8:
		out = append(out, ":B:c"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint8:
		out = append(out, ":B:C"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []int16:
		out = append(out, ":B:s"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint16:
		out = append(out, ":B:S"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []int32:
		out = append(out, ":B:i"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint32:
		out = append(out, ":B:I"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []float32:
		out = append(out, ":B:f"...)
		for _, v := range val {
			out = strconv.AppendFloat(append(out, ','), float64(v), 'g', -1, 32)
		}
	default:
		return nil, formatErrorf(alignmentOp, "unknown value type %T of tag %v", value, *tag)
	}

	return out, nil
}

func appendOrStar(out []byte, s string) []byte {
	if s == "" {
		return append(out, '*')
	}
	return append(out, s...)
}

// Format appends the SAM representation of an alignment to out,
// terminated by a newline. Reference indices are resolved with refs.
// If the alignment violates one of the invariants checked by Validate
// or ValidateReferences, or has a tag that cannot be represented,
// Format returns a *FormatError and out must be discarded.
func (aln *Alignment) Format(out []byte, refs []Reference) ([]byte, error) {
	if err := aln.Validate(); err != nil {
		return nil, err
	}
	if err := aln.ValidateReferences(len(refs)); err != nil {
		return nil, err
	}

	if aln.RefID != Unmapped {
		if err := refs[aln.RefID].validate(); err != nil {
			return nil, formatErrorf(alignmentOp, "reference of alignment %v: %v", aln.QNAME, err)
		}
	}
	if aln.NextRefID != Unmapped && aln.NextRefID != aln.RefID {
		if err := refs[aln.NextRefID].validate(); err != nil {
			return nil, formatErrorf(alignmentOp, "mate reference of alignment %v: %v", aln.QNAME, err)
		}
	}

	out = append(appendOrStar(out, aln.QNAME), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.FLAG), 10), '\t')
	if aln.RefID == Unmapped {
		out = append(out, '*', '\t')
	} else {
		out = append(append(out, refs[aln.RefID].Name...), '\t')
	}
	out = append(strconv.AppendInt(out, int64(aln.POS), 10), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.MAPQ), 10), '\t')
	out = append(AppendCigar(out, aln.CIGAR), '\t')
	switch {
	case aln.NextRefID == Unmapped:
		out = append(out, '*', '\t')
	case aln.NextRefID == aln.RefID:
		out = append(out, '=', '\t')
	default:
		out = append(append(out, refs[aln.NextRefID].Name...), '\t')
	}
	out = append(strconv.AppendInt(out, int64(aln.PNEXT), 10), '\t')
	out = append(strconv.AppendInt(out, int64(aln.TLEN), 10), '\t')
	out = append(appendOrStar(out, aln.SEQ), '\t')
	if len(aln.QUAL) == 0 {
		out = append(out, '*')
	} else {
		for _, q := range aln.QUAL {
			out = append(out, q+33)
		}
	}

	var err error
	for _, entry := range aln.TAGS {
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	return append(out, '\n'), nil
}

const (
	samHeaderOp    = "SAM header"
	samAlignmentOp = "SAM alignment"
)

// SamWriter encodes headers and alignments as SAM text.
type SamWriter struct {
	writer *bufio.Writer
	refs   []Reference
}

// NewSamWriter returns a SamWriter that buffers its output to w.
func NewSamWriter(w io.Writer) *SamWriter {
	return &SamWriter{writer: bufio.NewWriter(w)}
}

// WriteHeader writes the header lines. If the header text has no @SQ
// lines, they are synthesised from the reference dictionary.
//
// The references of the header are used to resolve the reference
// indices of subsequently written alignments, even when some header
// lines cannot be written. In that case, the remaining lines are
// written and the problem is returned as a *FormatError.
func (w *SamWriter) WriteHeader(hdr *Header) error {
	w.refs = hdr.References
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	out, err := hdr.Format(*buf)
	*buf = out
	if _, werr := w.writer.Write(out); werr != nil {
		return ioError(samHeaderOp, werr)
	}
	return err
}

// WriteAlignment writes one alignment line. The line is formatted in
// full before anything is written, so that an alignment that cannot
// be represented produces no output at all.
func (w *SamWriter) WriteAlignment(aln *Alignment) error {
	buf := internal.ReserveByteBuffer()
	defer internal.ReleaseByteBuffer(buf)
	out, err := aln.Format(*buf, w.refs)
	if err != nil {
		return err
	}
	*buf = out
	if _, err := w.writer.Write(out); err != nil {
		return ioError(samAlignmentOp, err)
	}
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (w *SamWriter) Flush() error {
	if err := w.writer.Flush(); err != nil {
		return ioError(samAlignmentOp, err)
	}
	return nil
}

// SamReader decodes headers and alignments from SAM text.
type SamReader struct {
	reader *bufio.Reader
	refs   map[string]int32
	sc     StringScanner
}

// NewSamReader returns a SamReader that reads from r.
func NewSamReader(r io.Reader) *SamReader {
	reader, ok := r.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(r)
	}
	return &SamReader{reader: reader}
}

func (r *SamReader) readLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadHeader reads all header lines at the beginning of the input.
// The reference dictionary is taken from the @SQ lines.
//
// On a *FormatError, all header lines have still been consumed, so
// that reading can continue with the alignments.
func (r *SamReader) ReadHeader() (*Header, error) {
	hdr := NewHeader()
	r.refs = make(map[string]int32)
	var ferr error
	for {
		data, err := r.reader.Peek(1)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ioError(samHeaderOp, err)
		}
		if data[0] != '@' {
			break
		}
		line, err := r.readLine()
		if err != nil {
			return nil, ioError(samHeaderOp, err)
		}
		switch headerLineCode(line) {
		case "HD":
			if len(hdr.Text) > 0 && ferr == nil {
				ferr = formatErrorf(samHeaderOp, "@HD line not in first line")
			}
		case "SQ":
			if err := r.addReference(hdr, line); err != nil && ferr == nil {
				ferr = err
			}
		}
		hdr.Text = append(hdr.Text, line)
	}
	if ferr != nil {
		return nil, ferr
	}
	return hdr, nil
}

func (r *SamReader) addReference(hdr *Header, line string) error {
	record := ParseHeaderLineFields(line)
	name, found := record["SN"]
	if !found {
		return formatErrorf(samHeaderOp, "SN entry in a SQ header line missing")
	}
	ln, found := record["LN"]
	if !found {
		return formatErrorf(samHeaderOp, "LN entry in a SQ header line missing")
	}
	length, err := strconv.ParseInt(ln, 10, 32)
	if err != nil || length < 0 {
		return formatErrorf(samHeaderOp, "invalid LN entry %v in a SQ header line", ln)
	}
	if _, found := r.refs[name]; found {
		return formatErrorf(samHeaderOp, "duplicate reference sequence %v", name)
	}
	r.refs[name] = int32(len(hdr.References))
	hdr.References = append(hdr.References, Reference{Name: name, Length: int32(length)})
	return nil
}

// Read reads the next alignment line. It returns io.EOF when the
// input is exhausted. Empty lines are skipped.
func (r *SamReader) Read() (*Alignment, error) {
	for {
		line, err := r.readLine()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, ioError(samAlignmentOp, err)
		}
		if line == "" {
			continue
		}
		r.sc.Reset(line)
		aln := r.sc.ParseAlignment(r.refs)
		if err := r.sc.Err(); err != nil {
			return nil, formatError(samAlignmentOp, err)
		}
		return aln, nil
	}
}
