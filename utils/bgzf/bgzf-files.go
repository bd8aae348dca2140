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

package bgzf

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// IsGzip determines if the the given byte scanner produces
// a gzip file. It uses ReadByte and UnreadByte to check
// only the initial byte from the input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

const (
	// maxBgzfBlockSize defines the maximum block size for BGZF files.
	maxBgzfBlockSize = 65536

	// maxBgzfInputSize is the largest amount of uncompressed data
	// written into one block, so that even incompressible data fits
	// the 16-bit BSIZE field.
	maxBgzfInputSize = 0xff00
)

var bgzfEOF = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

var (
	// ErrCorrupt is the cause of errors about malformed BGZF blocks.
	ErrCorrupt = errors.New("corrupt BGZF data")

	// ErrMissingEOF is the cause of the error for BGZF files that do
	// not end with the EOF marker block, which usually means they were
	// truncated.
	ErrMissingEOF = errors.New("invalid BGZF file: does not end in proper EOF marker")
)

type (
	// bgzfBlock is one block of compressed data in a BGZF file.
	bgzfBlock struct {
		Data  []byte
		Crc32 uint32
		Size  uint32
	}

	// Reader reads from a BGZF file. Blocks are inflated in a pipeline
	// stage that preserves block order.
	Reader struct {
		err     error
		r       flate.Reader
		gz      *gzip.Reader
		p       pipeline.Pipeline
		done    chan struct{}
		channel chan *bgzfBlock
		ctx     context.Context
		cancel  func()
		data    interface{}
		index   int
		block   *bgzfBlock
	}

	internalReader Reader
)

var blockPool = sync.Pool{New: func() interface{} {
	return &bgzfBlock{Data: make([]byte, 0, maxBgzfBlockSize)}
}}

func (bgzf *internalReader) readBgzfBlock() (*bgzfBlock, error) {
	extra := bgzf.gz.Extra
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 && i+6 <= len(extra) {
			bsize := int(binary.LittleEndian.Uint16(extra[i+4 : i+6]))
			size := bsize - len(extra) - 19
			if size < 0 {
				return nil, errors.Wrapf(ErrCorrupt, "BSIZE %v too small for a BGZF block", bsize)
			}
			block := blockPool.Get().(*bgzfBlock)
			block.Data = block.Data[:size]
			if _, err := io.ReadFull(bgzf.r, block.Data); err != nil {
				blockPool.Put(block)
				return nil, errors.Wrap(noEOF(err), "reading BGZF block")
			}
			var tail [8]byte
			if _, err := io.ReadFull(bgzf.r, tail[:]); err != nil {
				blockPool.Put(block)
				return nil, errors.Wrap(noEOF(err), "reading BGZF block trailer")
			}
			block.Crc32 = binary.LittleEndian.Uint32(tail[0:4])
			block.Size = binary.LittleEndian.Uint32(tail[4:8])
			if block.Size > maxBgzfBlockSize {
				blockPool.Put(block)
				return nil, errors.Wrapf(ErrCorrupt, "uncompressed BGZF block size %v exceeds %v", block.Size, maxBgzfBlockSize)
			}
			switch err := bgzf.gz.Reset(bgzf.r); {
			case err == io.EOF:
				if len(block.Data) != 2 || block.Data[0] != 3 || block.Data[1] != 0 || block.Crc32 != 0 || block.Size != 0 {
					blockPool.Put(block)
					return nil, ErrMissingEOF
				}
				return block, io.EOF
			case err != nil:
				return block, errors.Wrap(err, "reading BGZF block header")
			}
			return block, nil
		}
		i += 4 + slen
	}
	return nil, errors.Wrap(ErrCorrupt, "missing BC extra subfield in BGZF header")
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Err implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Err() error {
	if bgzf.err != io.EOF {
		return bgzf.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Fetch(size int) (fetched int) {
	if bgzf.err != nil || bgzf.ctx.Err() != nil {
		return 0
	}
	block, err := bgzf.readBgzfBlock()
	if err != nil {
		bgzf.err = err
		bgzf.data = nil
		if err != io.EOF {
			bgzf.p.SetErr(err)
		}
		if block != nil {
			blockPool.Put(block)
		}
		return 0
	}
	bgzf.data = block
	return 1
}

// Data implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Data() interface{} {
	return bgzf.data
}

var flateReaderPool sync.Pool

func (bgzf *Reader) inflate(_ int, data interface{}) interface{} {
	block := data.(*bgzfBlock)
	blockReader := bytes.NewReader(block.Data)
	var flateReader io.ReadCloser
	if pooled := flateReaderPool.Get(); pooled == nil {
		flateReader = flate.NewReader(blockReader)
	} else {
		flateReader = pooled.(io.ReadCloser)
		if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
			flateReader = flate.NewReader(blockReader)
		}
	}
	uncompressed := blockPool.Get().(*bgzfBlock)
	uncompressed.Data = uncompressed.Data[:int(block.Size)]
	if _, err := io.ReadFull(flateReader, uncompressed.Data); err == io.EOF {
		bgzf.p.SetErr(errors.Wrap(io.ErrUnexpectedEOF, "inflating BGZF block"))
	} else if err != nil {
		bgzf.p.SetErr(errors.Wrap(err, "inflating BGZF block"))
	} else if crc32.ChecksumIEEE(uncompressed.Data) != block.Crc32 {
		bgzf.p.SetErr(errors.Wrap(ErrCorrupt, "invalid CRC-32 value for a data block in a BGZF file"))
	}
	if err := flateReader.Close(); err != nil {
		bgzf.p.SetErr(err)
	}
	flateReaderPool.Put(flateReader)
	blockPool.Put(block)
	return uncompressed
}

// NewReader returns a Reader for the given flate.Reader.
//
// At most threads blocks are inflated concurrently. A value of 0 or
// less lets the pipeline choose, which is usually
// runtime.GOMAXPROCS(0).
func NewReader(r flate.Reader, threads int) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "in bgzf.NewReader")
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:       r,
		gz:      gz,
		done:    make(chan struct{}),
		channel: make(chan *bgzfBlock, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	bgzf.p.Source((*internalReader)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(threads, pipeline.Receive(bgzf.inflate)),
		pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
			select {
			case <-bgzf.ctx.Done():
				blockPool.Put(data)
			case bgzf.channel <- data.(*bgzfBlock):
			}
			return nil
		}, func() {
			close(bgzf.channel)
		})),
	)
	go func() {
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf, nil
}

// Close implements the corresponding method of io.Closer
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	<-bgzf.done
	if bgzf.block != nil {
		blockPool.Put(bgzf.block)
		bgzf.block = nil
	}
	if err := bgzf.gz.Close(); err != nil {
		return err
	}
	return bgzf.p.Err()
}

func (bgzf *Reader) finish() error {
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (bgzf *Reader) fetchBlock() error {
	select {
	case b, ok := <-bgzf.channel:
		if !ok {
			<-bgzf.done
			return bgzf.finish()
		}
		bgzf.index = 0
		bgzf.block = b
		return nil
	case <-bgzf.done:
		select {
		case b, ok := <-bgzf.channel:
			if ok {
				bgzf.index = 0
				bgzf.block = b
				return nil
			}
		default:
		}
		return bgzf.finish()
	}
}

// Read implements the corresponding method of io.Reader
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	for bgzf.block == nil || bgzf.index == len(bgzf.block.Data) {
		if bgzf.block != nil {
			blockPool.Put(bgzf.block)
			bgzf.block = nil
		}
		if err = bgzf.fetchBlock(); err != nil {
			return 0, err
		}
	}
	n = copy(p, bgzf.block.Data[bgzf.index:])
	bgzf.index += n
	return n, nil
}

type (
	bytesBlock struct {
		bytes []byte
	}

	// Writer writes to a BGZF file. Blocks are deflated in a pipeline
	// stage that preserves block order.
	Writer struct {
		w           io.Writer
		p           pipeline.Pipeline
		done        chan struct{}
		block       *bytesBlock
		channel     chan *bytesBlock
		data        interface{}
		level       int
		flateWriter sync.Pool
		closed      bool
	}

	internalWriter Writer
)

func (*internalWriter) Err() error {
	return nil
}

func (writer *internalWriter) Prepare(_ context.Context) (size int) {
	return -1
}

func (writer *internalWriter) Fetch(size int) (fetched int) {
	if block, ok := <-writer.channel; ok {
		writer.data = block
		return 1
	}
	writer.data = nil
	return 0
}

func (writer *internalWriter) Data() interface{} {
	return writer.data
}

var bytesPool = sync.Pool{New: func() interface{} {
	return &bytesBlock{bytes: make([]byte, 0, maxBgzfBlockSize)}
}}

func (bgzf *Writer) deflate(_ int, data interface{}) interface{} {
	block := data.(*bytesBlock)
	gzBytes := bytesPool.Get().(*bytesBlock)
	gzBuf := bytes.NewBuffer(gzBytes.bytes[:0])

	gzBuf.Write([]byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
		0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
		0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
	})

	var flateWriter *flate.Writer
	if pooled := bgzf.flateWriter.Get(); pooled != nil {
		flateWriter = pooled.(*flate.Writer)
		flateWriter.Reset(gzBuf)
	} else {
		var err error
		if flateWriter, err = flate.NewWriter(gzBuf, bgzf.level); err != nil {
			bgzf.p.SetErr(err)
			return gzBytes
		}
	}
	if _, err := flateWriter.Write(block.bytes); err != nil {
		bgzf.p.SetErr(err)
	} else if err := flateWriter.Close(); err != nil {
		bgzf.p.SetErr(err)
	}
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[0:4], crc32.ChecksumIEEE(block.bytes))
	binary.LittleEndian.PutUint32(tail[4:8], uint32(len(block.bytes)))
	gzBuf.Write(tail[:])
	gzBytes.bytes = gzBuf.Bytes()
	if len(gzBytes.bytes) > maxBgzfBlockSize {
		bgzf.p.SetErr(fmt.Errorf("compressed BGZF block of %v bytes exceeds %v", len(gzBytes.bytes), maxBgzfBlockSize))
	}
	binary.LittleEndian.PutUint16(gzBytes.bytes[16:18], uint16(len(gzBytes.bytes)-1))
	block.bytes = block.bytes[:0]
	bytesPool.Put(block)
	bgzf.flateWriter.Put(flateWriter)
	return gzBytes
}

// NewWriter returns a Writer for the given io.Writer.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression);
// higher levels typically run slower but compress more. Level 0
// (NoCompression) does not attempt any compression; it only adds the
// necessary DEFLATE framing.
// Level -1 (DefaultCompression) uses the default compression level.
// Level -2 (HuffmanOnly) will use Huffman compression only, giving
// a very fast compression for all types of input, but sacrificing considerable
// compression efficiency.
//
// At most threads blocks are deflated concurrently, see NewReader.
func NewWriter(w io.Writer, level, threads int) (*Writer, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, fmt.Errorf("invalid BGZF compression level %v", level)
	}
	bgzf := &Writer{
		w:       w,
		done:    make(chan struct{}),
		block:   bytesPool.Get().(*bytesBlock),
		channel: make(chan *bytesBlock, 1),
		level:   level,
	}
	bgzf.block.bytes = bgzf.block.bytes[:0]
	bgzf.p.Source((*internalWriter)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(threads, pipeline.Receive(bgzf.deflate)),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			gzBytes := data.(*bytesBlock)
			if _, err := w.Write(gzBytes.bytes); err != nil {
				bgzf.p.SetErr(err)
			}
			gzBytes.bytes = gzBytes.bytes[:0]
			bytesPool.Put(gzBytes)
			return nil
		})),
	)
	go func() {
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf, nil
}

func (bgzf *Writer) sendBlock() error {
	select {
	case bgzf.channel <- bgzf.block:
		bgzf.block = nil
		return nil
	case <-bgzf.done:
		if err := bgzf.p.Err(); err != nil {
			return err
		}
		return errors.New("BGZF writer terminated")
	}
}

// Close flushes any buffered data, waits for all blocks to be
// written, and appends the EOF marker block. It does not close the
// underlying io.Writer.
func (bgzf *Writer) Close() error {
	if bgzf.closed {
		return nil
	}
	bgzf.closed = true
	var err error
	if bgzf.block != nil && len(bgzf.block.bytes) > 0 {
		err = bgzf.sendBlock()
	}
	close(bgzf.channel)
	<-bgzf.done
	if perr := bgzf.p.Err(); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	_, err = bgzf.w.Write(bgzfEOF)
	return err
}

// Write implements the corresponding method of io.Writer.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	if bgzf.closed {
		return 0, errors.New("write to closed BGZF writer")
	}
	n = len(p)
	for {
		if bgzf.block == nil {
			bgzf.block = bytesPool.Get().(*bytesBlock)
			bgzf.block.bytes = bgzf.block.bytes[:0]
		}
		blockIndex := len(bgzf.block.bytes)
		newBlockLength := blockIndex + len(p)
		if newBlockLength >= maxBgzfInputSize {
			bgzf.block.bytes = bgzf.block.bytes[:maxBgzfInputSize]
			k := copy(bgzf.block.bytes[blockIndex:], p)
			p = p[k:]
			if err := bgzf.sendBlock(); err != nil {
				return n - len(p) - k, err
			}
		} else {
			bgzf.block.bytes = bgzf.block.bytes[:newBlockLength]
			copy(bgzf.block.bytes[blockIndex:], p)
			return n, nil
		}
	}
}
