package upstream

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// errBodyStalled is reported when the upstream call failed while still
// waiting on the caller to send more of the request body.
var errBodyStalled = errors.New("request body stalled")

// BodyError is a failure of the caller-supplied request body: too large,
// truncated or too slow. It says nothing about upstream health.
type BodyError struct {
	Err error
}

func (e *BodyError) Error() string { return "read request body: " + e.Err.Error() }

func (e *BodyError) Unwrap() error { return e.Err }

// TooLarge reports whether the body exceeded its size limit.
func (e *BodyError) TooLarge() bool {
	var maxErr *http.MaxBytesError
	return errors.As(e.Err, &maxErr)
}

// GuardedBody wraps a streamed request body and remembers read failures so
// Send can tell a broken inbound body from a broken upstream.
type GuardedBody struct {
	r       io.Reader
	reading atomic.Bool

	mu  sync.Mutex
	err *BodyError
}

// GuardBody wraps r for use as an outgoing request body.
func GuardBody(r io.Reader) *GuardedBody {
	return &GuardedBody{r: r}
}

func (b *GuardedBody) Read(p []byte) (int, error) {
	b.reading.Store(true)
	n, err := b.r.Read(p)
	b.reading.Store(false)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = &BodyError{Err: err}
	}
	return n, b.err
}

func (b *GuardedBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// failure returns the body's own error, if the body is to blame.
func (b *GuardedBody) failure() *BodyError {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.reading.Load() {
		return &BodyError{Err: errBodyStalled}
	}
	return nil
}

// isBodyError reports failures that originate from the inbound request body.
func isBodyError(err error) bool {
	var bodyErr *BodyError
	var maxErr *http.MaxBytesError
	return errors.As(err, &bodyErr) || errors.As(err, &maxErr)
}
