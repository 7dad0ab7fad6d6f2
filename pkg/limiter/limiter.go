// Package limiter meters background byte I/O so compaction and flush never
// starve foreground writes of disk bandwidth.
package limiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter is a byte-per-second budget. The zero value and a nil Limiter
// are unmetered.
type Limiter struct {
	lim *rate.Limiter
}

// New builds a budget of bytesPerSec with a one-second burst. A
// non-positive budget disables metering.
func New(bytesPerSec int) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// WaitN blocks until n bytes of budget are available. Requests larger than
// the burst are taken in burst-sized slices, which rate.Limiter would
// otherwise reject outright.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.lim == nil || n <= 0 {
		return nil
	}
	burst := l.lim.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Writer meters every write through the budget.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l == nil || l.lim == nil {
		return w
	}
	return &limitWriter{ctx: ctx, w: w, l: l}
}

// Reader meters every read through the budget.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || l.lim == nil {
		return r
	}
	return &limitReader{ctx: ctx, r: r, l: l}
}

type limitWriter struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if err := w.l.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

type limitReader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (r *limitReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.l.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
