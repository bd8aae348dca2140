package sam

import (
	"strconv"
	"strings"

	"github.com/exascience/bam2sam/utils"
)

// Unmapped is the reference index of an alignment that is not
// placed on any reference sequence.
const Unmapped = -1

// MaxQuality is the largest Phred quality score that can be
// represented in the QUAL field of a SAM file.
const MaxQuality = 93

// Reference describes one reference sequence of a header.
type Reference struct {
	Name   string
	Length int32
}

// Header represents the header section of a SAM or BAM file.
//
// Text holds the header lines in order, without line terminators.
// References holds the reference dictionary. In a BAM file, the
// reference dictionary is stored separately from the text, and the
// text may or may not contain matching @SQ lines.
type Header struct {
	Text       []string
	References []Reference
}

func NewHeader() *Header { return &Header{} }

// SetText splits a header text into lines and stores them in Text.
// Empty lines and trailing NUL padding are dropped.
func (hdr *Header) SetText(text string) {
	hdr.Text = hdr.Text[:0]
	text = strings.TrimRight(text, "\x00")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			hdr.Text = append(hdr.Text, line)
		}
	}
}

func headerLineCode(line string) string {
	if len(line) >= 3 && line[0] == '@' {
		return line[1:3]
	}
	return ""
}

// HasSQLines reports whether the header text contains @SQ lines.
func (hdr *Header) HasSQLines() bool {
	for _, line := range hdr.Text {
		if headerLineCode(line) == "SQ" {
			return true
		}
	}
	return false
}

// ParseHeaderLineFields parses the TAG:VALUE fields of a header line
// like "@SQ\tSN:chr1\tLN:1000". Fields without a colon are ignored.
func ParseHeaderLineFields(line string) utils.StringMap {
	record := make(utils.StringMap)
	fields := strings.Split(line, "\t")
	for _, field := range fields[1:] {
		if len(field) > 3 && field[2] == ':' {
			record.SetUniqueEntry(field[:2], field[3:])
		}
	}
	return record
}

// HD returns the fields of the @HD line, or nil if there is none.
func (hdr *Header) HD() utils.StringMap {
	for _, line := range hdr.Text {
		if headerLineCode(line) == "HD" {
			return ParseHeaderLineFields(line)
		}
	}
	return nil
}

func (hdr *Header) HD_VN() string {
	if vn, found := hdr.HD()["VN"]; found {
		return vn
	}
	return ""
}

func (hdr *Header) HD_SO() string {
	if so, found := hdr.HD()["SO"]; found {
		return so
	}
	return "unknown"
}

// ReferenceIndex returns the index of the reference sequence with the
// given name, or Unmapped if there is none.
func (hdr *Header) ReferenceIndex(name string) int32 {
	for i, ref := range hdr.References {
		if ref.Name == name {
			return int32(i)
		}
	}
	return Unmapped
}

// ReferenceName returns the name of the reference sequence with the
// given index. Unmapped yields "*".
func (hdr *Header) ReferenceName(refID int32) (string, bool) {
	if refID == Unmapped {
		return "*", true
	}
	if refID < 0 || int(refID) >= len(hdr.References) {
		return "", false
	}
	return hdr.References[refID].Name, true
}

func formatSQLine(ref Reference) string {
	return "@SQ\tSN:" + ref.Name + "\tLN:" + strconv.FormatInt(int64(ref.Length), 10)
}

// Lines returns the header lines to be written for this header. If
// the text has no @SQ lines, one @SQ line per reference is inserted
// after the @HD line, or at the front if there is no @HD line.
func (hdr *Header) Lines() []string {
	if len(hdr.References) == 0 || hdr.HasSQLines() {
		return hdr.Text
	}
	lines := make([]string, 0, len(hdr.Text)+len(hdr.References))
	rest := hdr.Text
	if len(rest) > 0 && headerLineCode(rest[0]) == "HD" {
		lines = append(lines, rest[0])
		rest = rest[1:]
	}
	for _, ref := range hdr.References {
		lines = append(lines, formatSQLine(ref))
	}
	return append(lines, rest...)
}

const headerOp = "header"

func validateHeaderLine(line string) error {
	if headerLineCode(line) == "" {
		return formatErrorf(headerOp, "invalid header line %q", line)
	}
	if strings.ContainsAny(line, "\r\n\x00") {
		return formatErrorf(headerOp, "line terminator inside header line %q", line)
	}
	return nil
}

// validateBam checks that the reference can be stored in a BAM
// reference dictionary.
func (ref Reference) validateBam() error {
	if ref.Name == "" {
		return formatErrorf(headerOp, "empty reference sequence name")
	}
	if strings.IndexByte(ref.Name, 0) >= 0 {
		return formatErrorf(headerOp, "NUL byte in reference sequence name %q", ref.Name)
	}
	if ref.Length < 0 {
		return formatErrorf(headerOp, "negative length %v of reference sequence %v", ref.Length, ref.Name)
	}
	return nil
}

// validate checks that the reference can be written to both SAM and
// BAM files.
func (ref Reference) validate() error {
	if err := ref.validateBam(); err != nil {
		return err
	}
	for i := 0; i < len(ref.Name); i++ {
		if !isPrintable(ref.Name[i]) {
			return formatErrorf(headerOp, "invalid character %q in reference sequence name %q", ref.Name[i], ref.Name)
		}
	}
	return nil
}

// writable returns a header with the text lines that can be written,
// and with only those references that can be written to SAM files.
// The error describes the first line or reference that was left out.
// Reference indices in the result are not those of hdr.
func (hdr *Header) writable() (*Header, error) {
	var firstErr error
	result := &Header{Text: hdr.Text, References: hdr.References}
	for i, line := range hdr.Text {
		if err := validateHeaderLine(line); err != nil {
			if firstErr == nil {
				firstErr = err
				result.Text = append([]string(nil), hdr.Text[:i]...)
			}
		} else if firstErr != nil {
			result.Text = append(result.Text, line)
		}
	}
	var refErr error
	for i, ref := range hdr.References {
		if err := ref.validate(); err != nil {
			if refErr == nil {
				refErr = err
				result.References = append([]Reference(nil), hdr.References[:i]...)
			}
		} else if refErr != nil {
			result.References = append(result.References, ref)
		}
	}
	if firstErr == nil {
		firstErr = refErr
	}
	return result, firstErr
}

// Validate checks that every header line starts with a record type
// code, and that the reference dictionary can be represented in both
// SAM and BAM files. The returned error is a *FormatError.
func (hdr *Header) Validate() error {
	_, err := hdr.writable()
	return err
}

// Alignment represents one alignment record.
//
// POS and PNEXT are 1-based; 0 means unavailable. RefID and NextRefID
// index into the references of the header; Unmapped means none. An
// empty QUAL means that quality scores are absent; otherwise QUAL
// holds raw Phred scores, one per base of SEQ.
//
// TAGS maps two-character tag names (interned with utils.Intern) to
// values of the following types:
//
//	byte       A (printable character)
//	int64      i (signed integer)
//	float32    f (single-precision float)
//	string     Z (printable string)
//	ByteArray  H (byte array in hex format)
//	[]int8, []uint8, []int16, []uint16, []int32, []uint32, []float32
//	           B (numeric array)
type Alignment struct {
	QNAME     string
	FLAG      uint16
	RefID     int32
	POS       int32
	MAPQ      byte
	CIGAR     []CigarOperation
	NextRefID int32
	PNEXT     int32
	TLEN      int32
	SEQ       string
	QUAL      []byte
	TAGS      utils.SmallMap
}

func NewAlignment() *Alignment {
	return &Alignment{
		RefID:     Unmapped,
		NextRefID: Unmapped,
		TAGS:      make(utils.SmallMap, 0, 16),
	}
}

const (
	Multiple      = 0x1
	Proper        = 0x2
	SegUnmapped   = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

func (aln *Alignment) IsMultiple() bool      { return (aln.FLAG & Multiple) != 0 }
func (aln *Alignment) IsProper() bool        { return (aln.FLAG & Proper) != 0 }
func (aln *Alignment) IsUnmapped() bool      { return (aln.FLAG & SegUnmapped) != 0 }
func (aln *Alignment) IsNextUnmapped() bool  { return (aln.FLAG & NextUnmapped) != 0 }
func (aln *Alignment) IsReversed() bool      { return (aln.FLAG & Reversed) != 0 }
func (aln *Alignment) IsNextReversed() bool  { return (aln.FLAG & NextReversed) != 0 }
func (aln *Alignment) IsFirst() bool         { return (aln.FLAG & First) != 0 }
func (aln *Alignment) IsLast() bool          { return (aln.FLAG & Last) != 0 }
func (aln *Alignment) IsSecondary() bool     { return (aln.FLAG & Secondary) != 0 }
func (aln *Alignment) IsQCFailed() bool      { return (aln.FLAG & QCFailed) != 0 }
func (aln *Alignment) IsDuplicate() bool     { return (aln.FLAG & Duplicate) != 0 }
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

// ByteArray is the value type of H tags.
type ByteArray []byte

// The alphabet of sequence letters, in the order of their 4-bit BAM
// codes.
const sequenceLetters = "=ACMGRSVTWYHKDBN"

var sequenceCodes [256]byte

func init() {
	for i := range sequenceCodes {
		sequenceCodes[i] = 0xFF
	}
	for code, letter := range []byte(sequenceLetters) {
		sequenceCodes[letter] = byte(code)
	}
}

func isPrintable(c byte) bool { return '!' <= c && c <= '~' }

const alignmentOp = "alignment"

// Validate checks the structural invariants of an alignment that
// every encoder relies on. The returned error is a *FormatError.
func (aln *Alignment) Validate() error {
	if len(aln.QNAME) > 254 {
		return formatErrorf(alignmentOp, "QNAME %q longer than 254 characters", aln.QNAME)
	}
	for i := 0; i < len(aln.QNAME); i++ {
		if c := aln.QNAME[i]; !isPrintable(c) {
			return formatErrorf(alignmentOp, "invalid character %q in QNAME %q", c, aln.QNAME)
		}
	}
	if aln.POS < 0 {
		return formatErrorf(alignmentOp, "negative POS %v in alignment %v", aln.POS, aln.QNAME)
	}
	if aln.PNEXT < 0 {
		return formatErrorf(alignmentOp, "negative PNEXT %v in alignment %v", aln.PNEXT, aln.QNAME)
	}
	for _, op := range aln.CIGAR {
		if op.Length <= 0 {
			return formatErrorf(alignmentOp, "CIGAR operation %c with non-positive length %v in alignment %v", op.Operation, op.Length, aln.QNAME)
		}
		if _, ok := cigarOpCode(op.Operation); !ok {
			return formatErrorf(alignmentOp, "unknown CIGAR operation %q in alignment %v", op.Operation, aln.QNAME)
		}
	}
	if len(aln.SEQ) > 0 && len(aln.CIGAR) > 0 {
		if readLength := readLengthFromCigar(aln.CIGAR); readLength != int64(len(aln.SEQ)) {
			return formatErrorf(alignmentOp, "CIGAR read length %v does not match SEQ length %v in alignment %v", readLength, len(aln.SEQ), aln.QNAME)
		}
	}
	for i := 0; i < len(aln.SEQ); i++ {
		if sequenceCodes[aln.SEQ[i]] == 0xFF {
			return formatErrorf(alignmentOp, "invalid sequence letter %q in alignment %v", aln.SEQ[i], aln.QNAME)
		}
	}
	if len(aln.QUAL) != 0 {
		if len(aln.QUAL) != len(aln.SEQ) {
			return formatErrorf(alignmentOp, "QUAL length %v does not match SEQ length %v in alignment %v", len(aln.QUAL), len(aln.SEQ), aln.QNAME)
		}
		for _, q := range aln.QUAL {
			if q > MaxQuality {
				return formatErrorf(alignmentOp, "quality score %v out of range in alignment %v", q, aln.QNAME)
			}
		}
	}
	for _, entry := range aln.TAGS {
		if entry.Key == nil {
			return formatErrorf(alignmentOp, "missing tag name in alignment %v", aln.QNAME)
		}
		if len(*entry.Key) != 2 {
			return formatErrorf(alignmentOp, "invalid tag name %q in alignment %v", *entry.Key, aln.QNAME)
		}
	}
	return nil
}

// ValidateReferences checks that the reference indices of an
// alignment are valid for a header with the given number of
// references.
func (aln *Alignment) ValidateReferences(nRefs int) error {
	if aln.RefID < Unmapped || int(aln.RefID) >= nRefs {
		return formatErrorf(alignmentOp, "reference index %v out of range in alignment %v", aln.RefID, aln.QNAME)
	}
	if aln.NextRefID < Unmapped || int(aln.NextRefID) >= nRefs {
		return formatErrorf(alignmentOp, "next reference index %v out of range in alignment %v", aln.NextRefID, aln.QNAME)
	}
	return nil
}
