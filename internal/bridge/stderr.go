package bridge

import (
	"strings"
	"sync"
)

// StderrCaptureLimit bounds how much app-server stderr is retained.
const StderrCaptureLimit = 32 * 1024

// ringBuffer keeps the most recent bytes written to it. Once full, the
// oldest bytes are evicted and the buffer is marked truncated.
type ringBuffer struct {
	mu        sync.Mutex
	buf       []byte
	start     int
	size      int
	truncated bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	capacity := len(r.buf)
	if capacity == 0 {
		if n > 0 {
			r.truncated = true
		}
		return n, nil
	}

	if n >= capacity {
		copy(r.buf, p[n-capacity:])
		r.start = 0
		if r.size > 0 || n > capacity {
			r.truncated = true
		}
		r.size = capacity
		return n, nil
	}

	for _, b := range p {
		end := (r.start + r.size) % capacity
		r.buf[end] = b
		if r.size < capacity {
			r.size++
		} else {
			r.start = (r.start + 1) % capacity
			r.truncated = true
		}
	}
	return n, nil
}

// Bytes returns the retained bytes in write order.
func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	capacity := len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%capacity]
	}
	return out
}

// Truncated reports whether any bytes were evicted.
func (r *ringBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// withStderr appends captured stderr to a fatal error message.
func withStderr(err error, stderr []byte, truncated bool) error {
	tail := strings.TrimRight(string(stderr), "\r\n")
	if tail == "" {
		return err
	}

	var b strings.Builder
	b.WriteString(err.Error())
	b.WriteString("\n\napp-server stderr:\n")
	b.WriteString(tail)
	if truncated {
		b.WriteString("\n[stderr truncated]")
	}
	return &stderrError{msg: b.String(), err: err}
}

type stderrError struct {
	msg string
	err error
}

func (e *stderrError) Error() string { return e.msg }
func (e *stderrError) Unwrap() error { return e.err }
