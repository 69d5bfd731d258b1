// Package relay copies origin bodies to clients chunk by chunk, flushing as it
// goes, so large media is never held in memory.
package relay

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 32 * 1024

// ErrIdleTimeout is reported when the origin sends nothing for longer than
// the configured idle timeout.
var ErrIdleTimeout = errors.New("upstream idle timeout")

// ReadError is a failure reading from the origin.
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return fmt.Sprintf("read upstream: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError is a failure writing to the client, usually a disconnect.
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return fmt.Sprintf("write downstream: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

type flusher interface {
	Flush()
}

// Options tunes a Copy.
type Options struct {
	// BufferSize is the chunk size; zero means 32 KiB.
	BufferSize int
	// IdleTimeout bounds the wait for each chunk; zero disables it.
	IdleTimeout time.Duration
}

// Copy streams src into dst until EOF. When dst implements Flush, it is
// flushed after every chunk so the client sees data as soon as the origin
// sends it.
//
// abort is invoked when a single read on src waits longer than the idle
// timeout. Time spent writing to dst does not count. abort must make the
// pending read on src fail, normally by canceling the context of the upstream
// request. It may be nil when no idle timeout is set.
//
// Copy returns the number of bytes written and nil on a clean EOF, a
// *ReadError when the origin failed, or a *WriteError when the client went
// away.
func Copy(dst io.Writer, src io.Reader, opts Options, abort func()) (int64, error) {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	buf := make([]byte, size)
	f, canFlush := dst.(flusher)

	var timedOut atomic.Bool
	var timer *time.Timer
	if opts.IdleTimeout > 0 && abort != nil {
		timer = time.AfterFunc(opts.IdleTimeout, func() {
			timedOut.Store(true)
			abort()
		})
		timer.Stop()
		defer timer.Stop()
	}

	var written int64
	for {
		// The idle window only covers the wait on the origin; a slow client
		// blocking Write must not count against it.
		if timer != nil {
			timer.Reset(opts.IdleTimeout)
		}
		nr, rerr := src.Read(buf)
		if timer != nil {
			timer.Stop()
		}
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, &WriteError{Err: werr}
			}
			if nw != nr {
				return written, &WriteError{Err: io.ErrShortWrite}
			}
			if canFlush {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if timedOut.Load() {
				return written, &ReadError{Err: fmt.Errorf("%w: %v", ErrIdleTimeout, rerr)}
			}
			return written, &ReadError{Err: rerr}
		}
	}
}
