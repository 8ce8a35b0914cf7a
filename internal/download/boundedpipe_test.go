package download

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedPipeRoundTrip(t *testing.T) {
	p := newBoundedPipe(8)
	want := bytes.Repeat([]byte("abcdefgh"), 4096) // far larger than capacity

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Write(want)
		assert.NoError(t, err)
		p.Close()
	}()

	got, err := io.ReadAll(p)
	require.NoError(t, err)
	wg.Wait()
	assert.Equal(t, want, got)
}

func TestBoundedPipeCloseWithErrorPropagatesToReader(t *testing.T) {
	p := newBoundedPipe(4)
	boom := io.ErrUnexpectedEOF

	_, err := p.Write([]byte("ab"))
	require.NoError(t, err)
	p.CloseWithError(boom)

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = p.Read(buf)
	assert.ErrorIs(t, err, boom)
}

func TestBoundedPipeWriteBlocksUntilDrained(t *testing.T) {
	p := newBoundedPipe(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Write([]byte("abcd"))
		assert.NoError(t, err)
	}()

	buf := make([]byte, 4)
	n, err := io.ReadFull(p, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	<-done
}
