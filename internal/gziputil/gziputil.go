// Package gziputil holds pooled gzip helpers shared by the API server and client.
package gziputil

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ErrTooLarge is returned by readers from NewReader once the limit is exceeded.
var ErrTooLarge = errors.New("decompressed body exceeds size limit")

var gzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Compress gzip-compresses data using pooled writers and buffers.
func Compress(data []byte) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	gw := gzipWriterPool.Get().(*gzip.Writer)
	gw.Reset(buf)
	defer func() {
		gw.Reset(nil)
		gzipWriterPool.Put(gw)
	}()

	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// NewReader returns a reader decompressing r that fails with ErrTooLarge
// after limit decompressed bytes. Closing it closes r.
func NewReader(r io.ReadCloser, limit int64) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &limitedReader{gz: gz, src: r, remaining: limit}, nil
}

type limitedReader struct {
	gz        *gzip.Reader
	src       io.Closer
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.gz.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}

func (l *limitedReader) Close() error {
	err := l.gz.Close()
	if cerr := l.src.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsGzipped returns true if data starts with gzip magic bytes.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
