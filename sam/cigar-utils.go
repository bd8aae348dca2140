package sam

import (
	"strconv"
	"strings"
)

// CigarOperation is one operation of a CIGAR string.
type CigarOperation struct {
	Length    int32
	Operation byte
}

// The CIGAR operations, in the order of their BAM codes.
const cigarOperations = "MIDNSHP=X"

// MaxCigarLength is the largest number of operations that fits into
// the n_cigar_op field of a BAM record. Longer CIGARs are stored in a
// CG tag.
const MaxCigarLength = 0xFFFF

const maxCigarOpLength = 1<<28 - 1

func cigarOpCode(operation byte) (uint32, bool) {
	if index := strings.IndexByte(cigarOperations, operation); index >= 0 {
		return uint32(index), true
	}
	return 0, false
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

const cigarOp = "CIGAR"

// ScanCigarString parses a CIGAR string. "*" yields an empty slice.
// Lower-case operations are accepted and converted to upper case.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	if cigar == "*" {
		return nil, nil
	}
	var slice []CigarOperation
	for i := 0; i < len(cigar); {
		j := i
		for j < len(cigar) && isDigit(cigar[j]) {
			j++
		}
		if j == i || j == len(cigar) {
			return nil, formatErrorf(cigarOp, "malformed CIGAR string %v", cigar)
		}
		length, err := strconv.ParseInt(cigar[i:j], 10, 32)
		if err != nil || length <= 0 || length > maxCigarOpLength {
			return nil, formatErrorf(cigarOp, "invalid operation length %v in CIGAR string %v", cigar[i:j], cigar)
		}
		operation := cigar[j]
		if 'a' <= operation && operation <= 'z' {
			operation -= 'a' - 'A'
		}
		if _, ok := cigarOpCode(operation); !ok {
			return nil, formatErrorf(cigarOp, "invalid operation %q in CIGAR string %v", cigar[j], cigar)
		}
		slice = append(slice, CigarOperation{int32(length), operation})
		i = j + 1
	}
	return slice, nil
}

// AppendCigar appends the text representation of a CIGAR to out.
// An empty CIGAR is represented by "*".
func AppendCigar(out []byte, cigar []CigarOperation) []byte {
	if len(cigar) == 0 {
		return append(out, '*')
	}
	for _, op := range cigar {
		out = strconv.AppendInt(out, int64(op.Length), 10)
		out = append(out, op.Operation)
	}
	return out
}

// CigarString returns the text representation of a CIGAR.
func CigarString(cigar []CigarOperation) string {
	return string(AppendCigar(nil, cigar))
}

func operatorConsumesReadBases(operator byte) bool {
	switch operator {
	case 'M', 'I', 'S', '=', 'X':
		return true
	default:
		return false
	}
}

func operatorConsumesReferenceBases(operator byte) bool {
	switch operator {
	case 'M', 'D', 'N', '=', 'X':
		return true
	default:
		return false
	}
}

// Sums the lengths of all CIGAR operations that consume read bases.
func readLengthFromCigar(cigar []CigarOperation) int64 {
	var length int64
	for _, op := range cigar {
		if operatorConsumesReadBases(op.Operation) {
			length += int64(op.Length)
		}
	}
	return length
}

// Sums the lengths of all CIGAR operations that consume reference
// bases.
func referenceLengthFromCigar(cigar []CigarOperation) int64 {
	var length int64
	for _, op := range cigar {
		if operatorConsumesReferenceBases(op.Operation) {
			length += int64(op.Length)
		}
	}
	return length
}
