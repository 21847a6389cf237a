package eventlog

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/Iron-Ham/framestack/internal/codec"
	"github.com/Iron-Ham/framestack/internal/errors"
)

// Compression identifies the algorithm used for an archive body. Values
// are written into the archive header and must not change.
type Compression uint8

const (
	// CompressionNone stores the CBOR sequence as is.
	CompressionNone Compression = 0
	// CompressionZstd is the default: best ratio for repetitive payloads.
	CompressionZstd Compression = 1
	// CompressionLZ4 trades ratio for speed on large exports.
	CompressionLZ4 Compression = 2
)

// String returns the name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown archive compression %q", name)
	}
}

// archiveMagic starts every archive, followed by a version byte and a
// compression byte.
var archiveMagic = [4]byte{'F', 'S', 'E', 'V'}

const archiveVersion = 1

// ErrNotArchive is returned when the input does not start with an archive
// header.
var ErrNotArchive = errors.New("not an event archive")

// ArchiveWriter streams events into a compressed archive.
type ArchiveWriter struct {
	body  io.WriteCloser
	enc   *codec.Encoder
	count int
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewArchiveWriter writes the archive header to w and returns a writer for
// the body. Close must be called to flush the compressor; it does not
// close w.
func NewArchiveWriter(w io.Writer, c Compression) (*ArchiveWriter, error) {
	header := append(archiveMagic[:], archiveVersion, byte(c))
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write archive header: %w", err)
	}

	var body io.WriteCloser
	switch c {
	case CompressionNone:
		body = nopWriteCloser{w}
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		body = zw
	case CompressionLZ4:
		body = lz4.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported archive compression %s", c)
	}

	return &ArchiveWriter{body: body, enc: codec.NewEncoder(body)}, nil
}

// Write appends one event.
func (a *ArchiveWriter) Write(ev Event) error {
	if err := a.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	a.count++
	return nil
}

// Count returns the number of events written so far.
func (a *ArchiveWriter) Count() int {
	return a.count
}

// Close flushes the compressed body.
func (a *ArchiveWriter) Close() error {
	return a.body.Close()
}

// ArchiveReader streams events back out of an archive.
type ArchiveReader struct {
	dec         *codec.Decoder
	closer      func()
	compression Compression
}

// NewArchiveReader reads and checks the archive header from r.
func NewArchiveReader(r io.Reader) (*ArchiveReader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(archiveMagic)+2)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	if [4]byte(header[:4]) != archiveMagic {
		return nil, ErrNotArchive
	}
	if header[4] != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", header[4])
	}

	c := Compression(header[5])
	a := &ArchiveReader{compression: c, closer: func() {}}
	switch c {
	case CompressionNone:
		a.dec = codec.NewDecoder(br)
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		a.dec = codec.NewDecoder(zr)
		a.closer = zr.Close
	case CompressionLZ4:
		a.dec = codec.NewDecoder(lz4.NewReader(br))
	default:
		return nil, fmt.Errorf("unsupported archive compression %s", c)
	}
	return a, nil
}

// Compression returns the archive's compression.
func (a *ArchiveReader) Compression() Compression {
	return a.compression
}

// Next returns the next event, or io.EOF after the last one.
func (a *ArchiveReader) Next() (Event, error) {
	var ev Event
	if err := a.dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("decode archived event: %w", err)
	}
	return ev, nil
}

// Close releases decoder resources.
func (a *ArchiveReader) Close() {
	a.closer()
}

// WriteArchive writes events to w as a single archive.
func WriteArchive(w io.Writer, c Compression, events []Event) error {
	aw, err := NewArchiveWriter(w, c)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := aw.Write(ev); err != nil {
			_ = aw.Close()
			return err
		}
	}
	return aw.Close()
}

// ReadArchive reads every event from an archive.
func ReadArchive(r io.Reader) ([]Event, error) {
	ar, err := NewArchiveReader(r)
	if err != nil {
		return nil, err
	}
	defer ar.Close()

	var events []Event
	for {
		ev, err := ar.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
