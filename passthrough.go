package transcache

import (
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/always-cache/transcache/pkg/codec"
	"github.com/always-cache/transcache/pkg/negotiate"
	"github.com/always-cache/transcache/rfc9110"
	"github.com/always-cache/transcache/rfc9211"
)

// forward sends the request straight upstream. The response is not stored,
// but it is still given the negotiated content coding when allowed.
// It returns the status sent.
func (c *Cache) forward(w http.ResponseWriter, r *http.Request, next http.Handler, cs rfc9211.CacheStatus) int {
	encoding := codec.Identity
	if r.Method != http.MethodHead && c.encodableByRequest(r) {
		if negotiated, err := negotiate.Negotiate(negotiate.ParseRequest(r), c.codecs.Supported(), nil); err == nil {
			encoding = negotiated.Encoding
		}
	}
	cw := &compressWriter{
		ResponseWriter: w,
		cache:          c,
		r:              r,
		encoding:       encoding,
		prepare: func(h http.Header) {
			stripControlHeaders(h)
			cs.Append(h)
		},
	}
	next.ServeHTTP(cw, r)
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if err := cw.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Could not finish encoded response")
	}
	c.logRequest(r, cs, cw.status, cw.applied)
	return cw.status
}

// replay sends a buffered upstream response that was not stored.
func (c *Cache) replay(w http.ResponseWriter, req request, res *bufferedResponse, cs rfc9211.CacheStatus) {
	h := w.Header()
	for name, values := range res.header {
		h[name] = slices.Clone(values)
	}
	stripControlHeaders(h)
	body := res.body
	applied := codec.Identity
	if res.encodable && req.encodable && len(body) > 0 && req.r.Method != http.MethodHead {
		negotiated, err := negotiate.Negotiate(req.accept, c.codecs.Supported(), nil)
		if err == nil && negotiated.Encoding != codec.Identity {
			if encoded, err := c.codecs.Encode(negotiated.Encoding, body); err == nil {
				body, applied = encoded, negotiated.Encoding
				h.Set("Content-Encoding", applied.String())
				weakenETag(h)
			} else {
				c.log.Warn().Err(err).Msg("Could not encode response")
			}
		}
		addVary(h, "Accept-Encoding")
	}
	cs.Append(h)
	if bodyAllowed(res.status) {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(res.status)
	if req.r.Method != http.MethodHead && bodyAllowed(res.status) {
		if _, err := w.Write(body); err != nil {
			c.log.Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	c.logRequest(req.r, cs, res.status, applied)
}

// weakenETag marks a strong ETag weak; the encoded bytes differ from the ones it was issued for.
func weakenETag(h http.Header) {
	if tag, ok := rfc9110.ParseETag(h.Get("ETag")); ok && !tag.Weak {
		tag.Weak = true
		h.Set("ETag", tag.String())
	}
}

// compressWriter encodes a streamed response on the fly when the response allows it.
type compressWriter struct {
	http.ResponseWriter
	cache    *Cache
	r        *http.Request
	encoding codec.Encoding
	prepare  func(http.Header)

	encoder     io.WriteCloser
	applied     codec.Encoding
	status      int
	wroteHeader bool
}

func (cw *compressWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	if status < 200 {
		cw.ResponseWriter.WriteHeader(status)
		return
	}
	cw.wroteHeader = true
	cw.status = status
	h := cw.ResponseWriter.Header()
	if cw.encoding != codec.Identity && h.Get("Content-Encoding") == "" &&
		cw.cache.responseEncodable(cw.r, status, h, contentLength(h)) {
		if transform, err := cw.cache.codecs.Transform(cw.encoding); err == nil {
			h.Del("Content-Length")
			h.Set("Content-Encoding", cw.encoding.String())
			weakenETag(h)
			cw.encoder = transform.NewWriter(cw.ResponseWriter)
			cw.applied = cw.encoding
		}
	}
	if cw.encoding != codec.Identity && cw.cache.responseEncodable(cw.r, status, h, -1) {
		addVary(h, "Accept-Encoding")
	}
	cw.prepare(h)
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		h := cw.ResponseWriter.Header()
		if _, ok := h["Content-Type"]; !ok && len(b) > 0 && h.Get("Content-Encoding") == "" {
			h.Set("Content-Type", http.DetectContentType(b))
		}
		cw.WriteHeader(http.StatusOK)
	}
	if cw.encoder != nil {
		return cw.encoder.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

func (cw *compressWriter) Flush() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if f, ok := cw.encoder.(interface{ Flush() error }); ok {
		f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Close ends the encoded stream.
func (cw *compressWriter) Close() error {
	if cw.encoder == nil {
		return nil
	}
	err := cw.encoder.Close()
	cw.encoder = nil
	return err
}

func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func contentLength(h http.Header) int {
	n, err := strconv.Atoi(h.Get("Content-Length"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}
