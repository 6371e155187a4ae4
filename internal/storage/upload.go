package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrUploadBufferBusy is returned (marked transient) when every byte of an
// UploadBuffer is held by in-flight uploads.
var ErrUploadBufferBusy = errors.New("storage: upload buffer budget exhausted")

// UploadBuffer sizes request bodies for object stores that need a
// Content-Length up front. Conditional PUTs only work as single-part uploads,
// so a body of unknown length is read into memory; the buffer caps how many
// bytes all concurrent uploads may hold.
type UploadBuffer struct {
	max  int64
	used atomic.Int64
}

// NewUploadBuffer returns a buffer holding at most max bytes. max <= 0
// returns nil, which sizes seekable bodies and passes others through with
// unknown length.
func NewUploadBuffer(max int64) *UploadBuffer {
	if max <= 0 {
		return nil
	}
	return &UploadBuffer{max: max}
}

// Max is the configured budget.
func (b *UploadBuffer) Max() int64 {
	if b == nil {
		return 0
	}
	return b.max
}

// SizedBody is an upload body with its length. Length is -1 when unknown.
// Release must be called once the upload has finished.
type SizedBody struct {
	Reader  io.Reader
	Length  int64
	release func()
}

// Release returns the buffered bytes to the budget.
func (s SizedBody) Release() {
	if s.release != nil {
		s.release()
	}
}

// Size measures body. Seekable bodies are measured in place from their
// current offset; anything else is buffered.
func (b *UploadBuffer) Size(body io.Reader) (SizedBody, error) {
	if body == nil {
		return SizedBody{Reader: bytes.NewReader(nil)}, nil
	}
	if seeker, ok := body.(io.Seeker); ok {
		n, measured, err := remaining(seeker)
		if err != nil {
			return SizedBody{}, err
		}
		if measured {
			return SizedBody{Reader: body, Length: n}, nil
		}
	}
	if b == nil {
		return SizedBody{Reader: body, Length: -1}, nil
	}
	// The final size is unknown, so reserve the whole budget share a body
	// may take.
	if !b.reserve(b.max) {
		return SizedBody{}, NewTransientError(ErrUploadBufferBusy)
	}
	release := func() { b.used.Add(-b.max) }
	buf, err := io.ReadAll(io.LimitReader(body, b.max+1))
	if err != nil {
		release()
		return SizedBody{}, fmt.Errorf("storage: buffer body: %w", err)
	}
	if int64(len(buf)) > b.max {
		release()
		return SizedBody{}, fmt.Errorf("storage: body exceeds upload buffer of %d bytes", b.max)
	}
	return SizedBody{Reader: bytes.NewReader(buf), Length: int64(len(buf)), release: release}, nil
}

func (b *UploadBuffer) reserve(n int64) bool {
	for {
		cur := b.used.Load()
		if cur+n > b.max {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// remaining reports the bytes left in s. measured is false when s cannot
// seek; err is set only when s moved and could not be put back.
func remaining(s io.Seeker) (n int64, measured bool, err error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false, nil
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false, nil
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("storage: rewind body: %w", err)
	}
	return end - cur, true, nil
}
