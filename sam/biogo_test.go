package sam

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/biogo/hts/bam"
	biogo "github.com/biogo/hts/sam"
	"github.com/stretchr/testify/require"

	"github.com/exascience/bam2sam/utils"
)

func plainHeader() *Header {
	return &Header{References: []Reference{{"chr1", 1000}, {"chr2", 2000}}}
}

func biogoRecords(t *testing.T) (*biogo.Header, []*biogo.Record) {
	r := require.New(t)
	chr1, err := biogo.NewReference("chr1", "", "", 1000, nil, nil)
	r.NoError(err)
	chr2, err := biogo.NewReference("chr2", "", "", 2000, nil, nil)
	r.NoError(err)
	hdr, err := biogo.NewHeader(nil, []*biogo.Reference{chr1, chr2})
	r.NoError(err)

	nm, err := biogo.NewAux(biogo.NewTag("NM"), 1)
	r.NoError(err)
	xz, err := biogo.NewAux(biogo.NewTag("XZ"), "hello")
	r.NoError(err)

	r1, err := biogo.NewRecord("r1", chr1, nil, 4, -1, 0, 60,
		[]biogo.CigarOp{biogo.NewCigarOp(biogo.CigarMatch, 3)},
		[]byte("ACG"), []byte{30, 30, 30}, nil)
	r.NoError(err)
	r2, err := biogo.NewRecord("r2", chr1, chr2, 99, 199, 0, 17,
		[]biogo.CigarOp{
			biogo.NewCigarOp(biogo.CigarSoftClipped, 2),
			biogo.NewCigarOp(biogo.CigarMatch, 4),
			biogo.NewCigarOp(biogo.CigarDeletion, 1),
			biogo.NewCigarOp(biogo.CigarInsertion, 1),
		},
		[]byte("NNACGTA"), []byte{2, 2, 40, 40, 40, 40, 10}, []biogo.Aux{nm, xz})
	r.NoError(err)
	r2.Flags = biogo.Paired | biogo.Read1 | biogo.MateReverse
	return hdr, []*biogo.Record{r1, r2}
}

func TestDecodeBiogoBam(t *testing.T) {
	r := require.New(t)
	hdr, recs := biogoRecords(t)
	var out bytes.Buffer
	w, err := bam.NewWriter(&out, hdr, 1)
	r.NoError(err)
	for _, rec := range recs {
		r.NoError(w.Write(rec))
	}
	r.NoError(w.Close())

	input, closer, err := utils.HandleBGZF(bufio.NewReader(&out), 1)
	r.NoError(err)
	r.NotNil(closer)
	defer func() { r.NoError(closer.Close()) }()
	reader := NewBamReader(input)
	decodedHdr, err := reader.ReadHeader()
	r.NoError(err)
	r.Equal([]Reference{{"chr1", 1000}, {"chr2", 2000}}, decodedHdr.References)

	first, err := reader.Read()
	r.NoError(err)
	r.Equal("r1", first.QNAME)
	r.Equal(int32(0), first.RefID)
	r.Equal(int32(5), first.POS)
	r.Equal(byte(60), first.MAPQ)
	r.Equal("3M", CigarString(first.CIGAR))
	r.Equal(int32(Unmapped), first.NextRefID)
	r.Equal("ACG", first.SEQ)
	r.Equal([]byte{30, 30, 30}, first.QUAL)

	second, err := reader.Read()
	r.NoError(err)
	r.Equal("r2", second.QNAME)
	r.Equal(uint16(recs[1].Flags), second.FLAG)
	r.Equal(int32(100), second.POS)
	r.Equal(int32(1), second.NextRefID)
	r.Equal(int32(200), second.PNEXT)
	r.Equal("2S4M1D1I", CigarString(second.CIGAR))
	r.Equal("NNACGTA", second.SEQ)
	value, ok := second.TAGS.Get(utils.Intern("NM"))
	r.True(ok)
	r.Equal(int64(1), value)
	value, ok = second.TAGS.Get(utils.Intern("XZ"))
	r.True(ok)
	r.Equal("hello", value)

	_, err = reader.Read()
	r.Equal(io.EOF, err)
}

func TestBiogoReadsOurSam(t *testing.T) {
	r := require.New(t)
	paired := chr1Alignment()
	paired.QNAME = "r2"
	paired.FLAG = Multiple | First
	paired.NextRefID = 1
	paired.PNEXT = 200
	paired.TAGS.Set(utils.Intern("NM"), int64(1))
	paired.TAGS.Set(utils.Intern("XZ"), "hello")

	var out bytes.Buffer
	w := NewSamWriter(&out)
	r.NoError(w.WriteHeader(plainHeader()))
	r.NoError(w.WriteAlignment(chr1Alignment()))
	r.NoError(w.WriteAlignment(paired))
	r.NoError(w.Flush())

	reader, err := biogo.NewReader(&out)
	r.NoError(err)
	r.Len(reader.Header().Refs(), 2)

	rec, err := reader.Read()
	r.NoError(err)
	r.Equal("r1", rec.Name)
	r.Equal("chr1", rec.Ref.Name())
	r.Equal(4, rec.Pos)
	r.Equal("3M", rec.Cigar.String())
	r.Equal("ACG", string(rec.Seq.Expand()))
	r.Equal([]byte{30, 30, 30}, rec.Qual)

	rec, err = reader.Read()
	r.NoError(err)
	r.Equal("r2", rec.Name)
	r.Equal("chr2", rec.MateRef.Name())
	r.Equal(199, rec.MatePos)
	r.Equal(biogo.Flags(Multiple|First), rec.Flags)
	r.Len(rec.AuxFields, 2)

	_, err = reader.Read()
	r.Equal(io.EOF, err)
}

func TestBiogoReadsOurBam(t *testing.T) {
	r := require.New(t)
	alns := sampleAlignments()
	alns = []*Alignment{alns[0], alns[2], alns[3]}
	data := bgzfBam(t, plainHeader(), alns...)
	reader, err := bam.NewReader(bytes.NewReader(data), 1)
	r.NoError(err)
	defer reader.Close()
	r.Len(reader.Header().Refs(), 2)
	for _, aln := range alns {
		rec, err := reader.Read()
		r.NoError(err)
		r.Equal(aln.QNAME, rec.Name)
		r.Equal(int(aln.POS-1), rec.Pos)
		r.Equal(CigarString(aln.CIGAR), rec.Cigar.String())
		r.Equal(aln.SEQ, string(rec.Seq.Expand()))
	}
	_, err = reader.Read()
	r.Equal(io.EOF, err)
}
