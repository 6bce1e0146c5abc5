// Package seqfile reads and writes sequence files: flat containers of
// string key / binary value records, optionally zstd compressed.
package seqfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var magic = [4]byte{'V', 'S', 'E', 'Q'}

const (
	version   byte = 1
	maxRecord      = 64 << 20
)

// ErrCorrupt is wrapped by errors for unreadable files.
var ErrCorrupt = errors.New("corrupt sequence file")

// Compression selects the body codec.
type Compression byte

const (
	None Compression = 0
	Zstd Compression = 1
)

// ParseCompression maps a config name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unsupported compression: %q", name)
	}
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// Writer appends records to a sequence file.
type Writer struct {
	buf   *bufio.Writer
	enc   *zstd.Encoder
	out   io.Writer
	file  *os.File
	count int64
	lenb  [binary.MaxVarintLen64]byte
}

// Create creates (or truncates) path and returns a Writer over it.
func Create(path string, c Compression) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter writes the header to dst and returns a Writer. Closing the
// Writer does not close dst.
func NewWriter(dst io.Writer, c Compression) (*Writer, error) {
	w := &Writer{buf: bufio.NewWriterSize(dst, 1<<16)}
	hdr := append(magic[:], version, byte(c))
	if _, err := w.buf.Write(hdr); err != nil {
		return nil, err
	}
	switch c {
	case None:
		w.out = w.buf
	case Zstd:
		enc, err := zstd.NewWriter(w.buf)
		if err != nil {
			return nil, err
		}
		w.enc = enc
		w.out = enc
	default:
		return nil, fmt.Errorf("unsupported compression: %v", c)
	}
	return w, nil
}

// Append writes one record.
func (w *Writer) Append(key string, value []byte) error {
	if len(key) > maxRecord || len(value) > maxRecord {
		return fmt.Errorf("record too large: key %d bytes, value %d bytes", len(key), len(value))
	}
	n := binary.PutUvarint(w.lenb[:], uint64(len(key)))
	if _, err := w.out.Write(w.lenb[:n]); err != nil {
		return err
	}
	if _, err := io.WriteString(w.out, key); err != nil {
		return err
	}
	n = binary.PutUvarint(w.lenb[:], uint64(len(value)))
	if _, err := w.out.Write(w.lenb[:n]); err != nil {
		return err
	}
	if _, err := w.out.Write(value); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int64 {
	return w.count
}

// Close flushes buffered data, and closes the file when the Writer owns it.
func (w *Writer) Close() error {
	var err error
	if w.enc != nil {
		err = w.enc.Close()
	}
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads records from a sequence file.
type Reader struct {
	rd   *bufio.Reader
	dec  *zstd.Decoder
	file io.Closer
	c    Compression
}

// Open opens path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.file = f
	return r, nil
}

// NewReader reads the header from src and returns a Reader. If src is an
// io.Closer, Close closes it.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(src, 1<<16)
	var hdr [6]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, hdr[:4])
	}
	if hdr[4] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr[4])
	}
	r := &Reader{c: Compression(hdr[5])}
	if c, ok := src.(io.Closer); ok {
		r.file = c
	}
	switch r.c {
	case None:
		r.rd = br
	case Zstd:
		// A reduce task holds many readers open at once; one decoder
		// goroutine each keeps that bounded.
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		r.dec = dec
		r.rd = bufio.NewReaderSize(dec, 1<<16)
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, hdr[5])
	}
	return r, nil
}

// Compression returns the body codec of the file.
func (r *Reader) Compression() Compression {
	return r.c
}

// Next returns the next record, or io.EOF after the last one. The returned
// value is not reused by later calls.
func (r *Reader) Next() (string, []byte, error) {
	klen, err := binary.ReadUvarint(r.rd)
	if err == io.EOF {
		return "", nil, io.EOF
	}
	if err != nil {
		return "", nil, corrupt("key length", err)
	}
	key, err := r.readN(klen)
	if err != nil {
		return "", nil, corrupt("key", err)
	}
	vlen, err := binary.ReadUvarint(r.rd)
	if err != nil {
		return "", nil, corrupt("value length", err)
	}
	value, err := r.readN(vlen)
	if err != nil {
		return "", nil, corrupt("value", err)
	}
	return string(key), value, nil
}

func (r *Reader) readN(n uint64) ([]byte, error) {
	if n > maxRecord {
		return nil, fmt.Errorf("length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.rd, b); err != nil {
		return nil, err
	}
	return b, nil
}

func corrupt(what string, err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
}

// Close releases the decoder and the underlying file.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// List resolves an input path to sequence files: the path itself when it
// is a file, otherwise the directory's regular files whose names do not
// start with "_" or ".", sorted by name.
func List(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, filepath.Join(path, name))
	}
	sort.Strings(files)
	return files, nil
}
