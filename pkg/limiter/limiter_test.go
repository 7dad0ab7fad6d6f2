package limiter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnmetered(t *testing.T) {
	ctx := context.Background()
	for _, l := range []*Limiter{nil, New(0), New(-1)} {
		require.NoError(t, l.WaitN(ctx, 1<<30))
	}
}

func TestWaitNLargerThanBurst(t *testing.T) {
	// A request above the burst must be sliced, not rejected.
	l := New(8 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, 12<<20))
}

func TestWaitNCancel(t *testing.T) {
	l := New(1) // one byte per second: the second request must park
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.WaitN(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- l.WaitN(ctx, 1) }()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestWriterMeters(t *testing.T) {
	l := New(1 << 20)
	var buf bytes.Buffer
	w := l.Writer(context.Background(), &buf)

	n, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "payload", buf.String())
}

func TestReaderMeters(t *testing.T) {
	l := New(1 << 20)
	r := l.Reader(context.Background(), bytes.NewReader([]byte("payload")))

	p := make([]byte, 16)
	n, err := r.Read(p)
	require.NoError(t, err)
	require.Equal(t, "payload", string(p[:n]))
}
