package stream

import (
	"io"
	"sync"
	"time"
)

// idleReader closes the underlying body once no read completed within the timeout, which unblocks
// the pending Read. The failure is then reported as ErrStreamTimeout instead of a transport error.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
}

// WithIdleTimeout wraps rc so that a stream silent for longer than d fails with ErrStreamTimeout.
// A non-positive d returns rc unchanged.
func WithIdleTimeout(rc io.ReadCloser, d time.Duration) io.ReadCloser {
	if d <= 0 {
		return rc
	}
	r := &idleReader{rc: rc, timeout: d}
	r.timer = time.AfterFunc(d, r.expire)
	return r
}

func (r *idleReader) expire() {
	r.mu.Lock()
	r.timedOut = true
	r.mu.Unlock()
	r.rc.Close()
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timedOut {
		return n, ErrStreamTimeout
	}
	if err == nil {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
