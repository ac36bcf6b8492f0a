package tee

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrDetached is returned by Write once the client writer has gone away.
	ErrDetached = errors.New("response writer detached")
	// ErrTooLarge is returned by Write when the body exceeds the limit and
	// there is no client writer to stream to.
	ErrTooLarge = errors.New("response body exceeds buffer limit")
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// Once the body grows past the limit it stops buffering and streams the response,
// unmodified, to the underlying http.ResponseWriter instead.
//
// It is safe to Detach from another goroutine while a handler is writing.
type ResponseSaver struct {
	mu           sync.Mutex
	rw           http.ResponseWriter
	b            bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	maxBody      int64
	overflowed   bool
	detached     bool
	prepare      func(http.Header)
	CreatedAt    time.Time
}

// NewResponseSaver returns a new ResponseSaver.
// maxBody <= 0 buffers without limit. w may be nil, in which case an oversized
// body fails with ErrTooLarge. prepare, if set, edits the header before it is
// sent to w.
func NewResponseSaver(w http.ResponseWriter, maxBody int64, prepare func(http.Header)) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		header:    http.Header{},
		maxBody:   maxBody,
		prepare:   prepare,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeHeaderLocked(statusCode)
}

func (t *ResponseSaver) writeHeaderLocked(statusCode int) {
	// informational responses are not recorded
	if t.wroteHeaders || statusCode < 200 {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.wroteHeaders {
		t.writeHeaderLocked(http.StatusOK)
	}
	if t.overflowed {
		if t.detached || t.rw == nil {
			return 0, ErrDetached
		}
		return t.rw.Write(b)
	}
	if t.maxBody > 0 && int64(t.b.Len()+len(b)) > t.maxBody {
		return t.overflowLocked(b)
	}
	return t.b.Write(b)
}

// overflowLocked switches from buffering to streaming.
func (t *ResponseSaver) overflowLocked(b []byte) (int, error) {
	t.overflowed = true
	if t.rw == nil {
		t.b = bytes.Buffer{}
		return 0, ErrTooLarge
	}
	if t.detached {
		t.b = bytes.Buffer{}
		return 0, ErrDetached
	}
	t.sniffLocked(append(t.b.Bytes(), b...))
	h := t.header.Clone()
	if t.prepare != nil {
		t.prepare(h)
	}
	copyHeader(t.rw.Header(), h)
	t.rw.WriteHeader(t.status)
	if _, err := t.rw.Write(t.b.Bytes()); err != nil {
		return 0, err
	}
	t.b = bytes.Buffer{}
	return t.rw.Write(b)
}

// Flush implements http.Flusher. It only has an effect while streaming.
func (t *ResponseSaver) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overflowed && !t.detached && t.rw != nil {
		if f, ok := t.rw.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// Detach stops all further writes to the underlying http.ResponseWriter.
// It reports whether the response had already started streaming.
func (t *ResponseSaver) Detach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
	return t.overflowed
}

// Overflowed reports whether the body exceeded the limit.
func (t *ResponseSaver) Overflowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overflowed
}

// Finish fills in what net/http would for a handler that returned: the
// status defaults to 200 and a missing Content-Type is sniffed from the body.
func (t *ResponseSaver) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.wroteHeaders {
		t.writeHeaderLocked(http.StatusOK)
	}
	if !t.overflowed {
		t.sniffLocked(t.b.Bytes())
	}
}

func (t *ResponseSaver) sniffLocked(body []byte) {
	if _, ok := t.header["Content-Type"]; ok || len(body) == 0 {
		return
	}
	if t.header.Get("Content-Encoding") != "" {
		return
	}
	t.header.Set("Content-Type", http.DetectContentType(body))
}

// Body returns the buffered body. It is empty after an overflow.
func (t *ResponseSaver) Body() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
