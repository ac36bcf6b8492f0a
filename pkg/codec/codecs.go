package codec

import (
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec is a pair of stream transforms for one encoding.
// Closing a writer flushes it; decode(encode(x)) == x for every x.
type Codec interface {
	Encoding() Encoding
	NewWriter(w io.Writer) io.WriteCloser
	NewReader(r io.Reader) (io.ReadCloser, error)
}

func newCodec(e Encoding, level int) Codec {
	switch e {
	case GZip:
		return newGzipCodec(level)
	case Deflate:
		return newDeflateCodec(level)
	case Brotli:
		return newBrotliCodec(level)
	case Zstandard:
		return newZstdCodec(level)
	}
	return identityCodec{}
}

func defaultLevel(e Encoding) int {
	switch e {
	case GZip:
		return gzip.DefaultCompression
	case Deflate:
		return flate.DefaultCompression
	case Brotli:
		return brotli.DefaultCompression
	case Zstandard:
		return int(zstd.SpeedDefault)
	}
	return 0
}

type identityCodec struct{}

func (identityCodec) Encoding() Encoding { return Identity }

func (identityCodec) NewWriter(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }

func (identityCodec) NewReader(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// pooledWriter returns its compressor to the pool once closed.
type pooledWriter struct {
	io.WriteCloser
	release func()
}

func (p *pooledWriter) Close() error {
	err := p.WriteCloser.Close()
	p.release()
	return err
}

// Flush writes out pending compressed data without ending the stream.
func (p *pooledWriter) Flush() error {
	if f, ok := p.WriteCloser.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

type pooledReader struct {
	io.Reader
	release func()
}

func (p *pooledReader) Close() error {
	p.release()
	return nil
}

// gzip

type gzipCodec struct {
	writers sync.Pool
	readers sync.Pool
}

func newGzipCodec(level int) *gzipCodec {
	c := &gzipCodec{}
	c.writers.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			w = gzip.NewWriter(io.Discard)
		}
		return w
	}
	return c
}

func (c *gzipCodec) Encoding() Encoding { return GZip }

func (c *gzipCodec) NewWriter(w io.Writer) io.WriteCloser {
	gw := c.writers.Get().(*gzip.Writer)
	gw.Reset(w)
	return &pooledWriter{WriteCloser: gw, release: func() { c.writers.Put(gw) }}
}

func (c *gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	if gr, ok := c.readers.Get().(*gzip.Reader); ok {
		if err := gr.Reset(r); err != nil {
			c.readers.Put(gr)
			return nil, err
		}
		return &pooledReader{Reader: gr, release: func() { c.readers.Put(gr) }}, nil
	}
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledReader{Reader: gr, release: func() { c.readers.Put(gr) }}, nil
}

// deflate

type deflateCodec struct {
	writers sync.Pool
	readers sync.Pool
}

func newDeflateCodec(level int) *deflateCodec {
	c := &deflateCodec{}
	c.writers.New = func() any {
		w, err := flate.NewWriter(io.Discard, level)
		if err != nil {
			w, _ = flate.NewWriter(io.Discard, flate.DefaultCompression)
		}
		return w
	}
	return c
}

func (c *deflateCodec) Encoding() Encoding { return Deflate }

func (c *deflateCodec) NewWriter(w io.Writer) io.WriteCloser {
	fw := c.writers.Get().(*flate.Writer)
	fw.Reset(w)
	return &pooledWriter{WriteCloser: fw, release: func() { c.writers.Put(fw) }}
}

func (c *deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	if fr, ok := c.readers.Get().(io.ReadCloser); ok {
		if err := fr.(flate.Resetter).Reset(r, nil); err != nil {
			c.readers.Put(fr)
			return nil, err
		}
		return &pooledReader{Reader: fr, release: func() { c.readers.Put(fr) }}, nil
	}
	fr := flate.NewReader(r)
	return &pooledReader{Reader: fr, release: func() { c.readers.Put(fr) }}, nil
}

// brotli

type brotliCodec struct {
	writers sync.Pool
	readers sync.Pool
}

func newBrotliCodec(level int) *brotliCodec {
	c := &brotliCodec{}
	c.writers.New = func() any {
		return brotli.NewWriterLevel(io.Discard, level)
	}
	c.readers.New = func() any {
		return brotli.NewReader(nil)
	}
	return c
}

func (c *brotliCodec) Encoding() Encoding { return Brotli }

func (c *brotliCodec) NewWriter(w io.Writer) io.WriteCloser {
	bw := c.writers.Get().(*brotli.Writer)
	bw.Reset(w)
	return &pooledWriter{WriteCloser: bw, release: func() { c.writers.Put(bw) }}
}

func (c *brotliCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	br := c.readers.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		c.readers.Put(br)
		return nil, err
	}
	return &pooledReader{Reader: br, release: func() { c.readers.Put(br) }}, nil
}

// zstd

type zstdCodec struct {
	writers sync.Pool
	readers sync.Pool
}

func newZstdCodec(level int) *zstdCodec {
	c := &zstdCodec{}
	c.writers.New = func() any {
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)), zstd.WithEncoderConcurrency(1))
		if err != nil {
			w, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		}
		return w
	}
	c.readers.New = func() any {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	}
	return c
}

func (c *zstdCodec) Encoding() Encoding { return Zstandard }

func (c *zstdCodec) NewWriter(w io.Writer) io.WriteCloser {
	zw := c.writers.Get().(*zstd.Encoder)
	zw.Reset(w)
	return &pooledWriter{WriteCloser: zw, release: func() { c.writers.Put(zw) }}
}

func (c *zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr := c.readers.Get().(*zstd.Decoder)
	if err := zr.Reset(r); err != nil {
		c.readers.Put(zr)
		return nil, err
	}
	// Decoder.Close makes it unusable, so it is only reset on reuse.
	return &pooledReader{Reader: zr, release: func() { c.readers.Put(zr) }}, nil
}
