// Package sam is a library for representing alignment data from
// .sam/.bam files, and for converting such data between the binary
// (BAM) and the text (SAM) representation.
//
// Headers and alignments share one in-memory model. A BamReader or a
// SamReader decodes a stream into this model, and a SamWriter or a
// BamWriter encodes it again. A Converter connects a decoder to an
// encoder and copies the header and then one alignment after the
// other, isolating malformed alignments so that one bad record does
// not abort the whole conversion.
//
// Errors returned by the codecs are either a *FormatError, when the
// data violates the structure of the format, or an *IOError, when the
// underlying stream fails. Use IsFormatError and IsIOError to
// distinguish them.
package sam
