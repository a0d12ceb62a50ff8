package server

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStdinPipeBackPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	p.connect(0)

	data := make([]byte, 10000)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	const firstLen = 16
	writeErr := make(chan error, 1)
	go func() {
		rest := data
		for len(rest) > 0 {
			n := 1 + rng.Intn(64)
			if n > len(rest) {
				n = len(rest)
			}
			if _, err := p.write(firstLen, rest[:n]); err != nil {
				writeErr <- err
				return
			}
			rest = rest[n:]
		}
		p.closeWrite()
		writeErr <- nil
	}()

	var got bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := p.Read(buf)
		got.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		p.mu.Lock()
		assert.LessOrEqual(t, len(p.buf), firstLen)
		p.mu.Unlock()
	}
	require.NoError(t, <-writeErr)
	assert.Equal(t, data, got.Bytes())
}

func TestStdinPipeProducerBlocksWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.write(4, []byte("0123456789"))
	}()

	select {
	case <-done:
		t.Fatal("write of more than the capacity returned without a reader")
	case <-time.After(50 * time.Millisecond):
	}

	p.connect(0)
	var got []byte
	buf := make([]byte, 3)
	for len(got) < 10 {
		n, err := p.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	<-done
	assert.Equal(t, "0123456789", string(got))
}

func TestStdinPipeConnectTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	require.True(t, p.connect(30*time.Millisecond))
	require.False(t, p.connect(time.Hour))

	start := time.Now()
	_, err := p.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrStdinTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())

	// data arriving later is still readable
	_, err = p.write(1, []byte("x"))
	require.NoError(t, err)
	n, err := p.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStdinPipeTimeoutOnlyBeforeFirstByte(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	p.connect(20 * time.Millisecond)
	_, err := p.write(8, []byte("a"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf[:n]))

	go func() {
		time.Sleep(60 * time.Millisecond)
		_, _ = p.write(8, []byte("b"))
		p.closeWrite()
	}()
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf[:n]))
	_, err = p.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestStdinPipeClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	writeDone := make(chan error, 1)
	go func() {
		_, err := p.write(2, []byte("abcdef"))
		writeDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.ErrorIs(t, <-writeDone, io.ErrClosedPipe)

	_, err := p.write(2, []byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	_, err = p.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.ErrClosedPipe)

	p.closeWrite()
	p.closeWrite()
}

func TestStdinPipeCloseWriteUnblocksReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newStdinPipe()
	p.connect(0)
	readDone := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 1))
		readDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.closeWrite()
	require.ErrorIs(t, <-readDone, io.EOF)
}

func TestStdinPipeBuffersUntilRead(t *testing.T) {
	p := newStdinPipe()
	_, err := p.write(5, []byte("hello"))
	require.NoError(t, err)
	p.closeWrite()

	p.connect(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	b, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestStdinPipeZeroLengthRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	cases := []struct {
		name    string
		prepare func(p *stdinPipe)
		err     error
	}{
		{name: "empty and open"},
		{name: "buffered data", prepare: func(p *stdinPipe) {
			_, err := p.write(1, []byte("x"))
			require.NoError(t, err)
		}},
		{name: "after eof", prepare: func(p *stdinPipe) { p.closeWrite() }},
		{name: "closed", prepare: func(p *stdinPipe) { p.Close() }, err: io.ErrClosedPipe},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := newStdinPipe()
			p.connect(0)
			if c.prepare != nil {
				c.prepare(p)
			}
			done := make(chan error, 1)
			go func() {
				n, err := p.Read(nil)
				assert.Zero(t, n)
				done <- err
			}()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, c.err)
			case <-time.After(time.Second):
				p.Close()
				<-done
				t.Fatal("zero-length read blocked")
			}
		})
	}
}
