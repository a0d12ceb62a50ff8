package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Kind     EventKind
	FirstLen uint32
	Data     string
}

// feedAll feeds input split at the given sizes and returns the events seen.
func feedAll(t *testing.T, d *Decoder, input []byte, sizes func(remaining int) int) ([]recordedEvent, error) {
	t.Helper()
	var events []recordedEvent
	emit := func(ev Event) error {
		events = append(events, recordedEvent{Kind: ev.Kind, FirstLen: ev.FirstStdinLength, Data: string(ev.Data)})
		return nil
	}
	for len(input) > 0 {
		n := sizes(len(input))
		if err := d.Feed(input[:n], emit); err != nil {
			return events, err
		}
		input = input[n:]
	}
	return events, nil
}

func sampleRequest() []byte {
	b := EncodeRequest(Call{
		Command:    "echo",
		Args:       []string{"hi", "", "there"},
		Env:        []string{"A=1", "B=2", "A=3", "=bad", "novalue"},
		WorkingDir: "/tmp",
	})
	b = AppendChunk(b, ChunkStdin, []byte("abc"))
	b = AppendChunk(b, ChunkStdin, []byte("defgh"))
	b = AppendChunk(b, ChunkStdin, nil)
	return AppendChunk(b, ChunkStdinEOF, nil)
}

func TestDecoderPartialReads(t *testing.T) {
	input := sampleRequest()
	expected := []recordedEvent{
		{Kind: EventCommand},
		{Kind: EventStdin, FirstLen: 3, Data: "abc"},
		{Kind: EventStdin, FirstLen: 3, Data: "defgh"},
		{Kind: EventStdin, FirstLen: 3, Data: ""},
		{Kind: EventStdinEOF},
	}

	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		name  string
		sizes func(remaining int) int
	}{
		{name: "whole", sizes: func(remaining int) int { return remaining }},
		{name: "byte by byte", sizes: func(int) int { return 1 }},
		{name: "random", sizes: func(remaining int) int { return 1 + rng.Intn(remaining) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder(0)
			events, err := feedAll(t, d, input, c.sizes)
			require.NoError(t, err)
			assert.Equal(t, expected, events)
			assert.Equal(t, StateDone, d.State())
			assert.Equal(t, 0, d.Buffered())

			req := d.Request()
			assert.Equal(t, "echo", req.Command)
			assert.Equal(t, "/tmp", req.WorkingDir)
			assert.Equal(t, []string{"hi", "there"}, req.Args)
			assert.Equal(t, []string{"A=3", "B=2"}, req.Env.Environ())
		})
	}
}

func TestDecoderCommandOnly(t *testing.T) {
	d := NewDecoder(0)
	events, err := feedAll(t, d, EncodeChunk(ChunkCommand, []byte("pwd")), func(r int) int { return r })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventCommand, events[0].Kind)
	assert.True(t, d.Dispatched())
	assert.Equal(t, StateAwaitLength, d.State())

	req := d.Request()
	assert.Equal(t, "pwd", req.Command)
	assert.Empty(t, req.Args)
	assert.Equal(t, 0, req.Env.Len())
	assert.Equal(t, "", req.WorkingDir)
}

func TestDecoderLastWorkingDirWins(t *testing.T) {
	var b []byte
	b = AppendChunk(b, ChunkWorkingDir, []byte("/a"))
	b = AppendChunk(b, ChunkWorkingDir, []byte("/b"))
	b = AppendChunk(b, ChunkCommand, []byte("pwd"))
	d := NewDecoder(0)
	_, err := feedAll(t, d, b, func(r int) int { return r })
	require.NoError(t, err)
	assert.Equal(t, "/b", d.Request().WorkingDir)
}

func TestDecoderProtocolErrors(t *testing.T) {
	cmd := EncodeChunk(ChunkCommand, []byte("echo"))
	cases := []struct {
		name     string
		input    []byte
		maxChunk uint32
		err      error
		state    State
	}{
		{
			name:  "stdin before command",
			input: EncodeChunk(ChunkStdin, []byte("x")),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "stdin eof before command",
			input: EncodeChunk(ChunkStdinEOF, nil),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "argument after command",
			input: append(append([]byte{}, cmd...), EncodeChunk(ChunkArgument, []byte("x"))...),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "second command",
			input: append(append([]byte{}, cmd...), cmd...),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "server chunk from client",
			input: EncodeChunk(ChunkStdout, []byte("x")),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "start input from client",
			input: append(append([]byte{}, cmd...), EncodeChunk(ChunkStartInput, nil)...),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name:  "unknown type byte",
			input: []byte{0, 0, 0, 0, 'Z'},
			err:   ErrInvalidChunkType,
			state: StateAwaitType,
		},
		{
			name:     "declared length too large",
			input:    EncodeChunk(ChunkArgument, []byte("12345")),
			maxChunk: 4,
			err:      ErrChunkTooLarge,
			state:    StateAwaitLength,
		},
		{
			name:  "stdin eof with payload",
			input: append(append([]byte{}, cmd...), EncodeChunk(ChunkStdinEOF, []byte("x"))...),
			err:   ErrUnexpectedChunk,
			state: StateAwaitType,
		},
		{
			name: "data after stdin eof",
			input: append(append(append([]byte{}, cmd...), EncodeChunk(ChunkStdinEOF, nil)...),
				EncodeChunk(ChunkStdin, []byte("x"))...),
			err:   ErrUnexpectedChunk,
			state: StateDone,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := NewDecoder(c.maxChunk)
			_, err := feedAll(t, d, c.input, func(r int) int { return r })
			require.ErrorIs(t, err, c.err)
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, c.state, perr.State)
		})
	}
}

func TestStepNeedsMoreData(t *testing.T) {
	cases := []struct {
		name  string
		state State
		input []byte
		ctx   *Context
	}{
		{name: "short length", state: StateAwaitLength, input: []byte{0, 0, 1}, ctx: newContext(DefaultMaxChunkSize)},
		{name: "no type", state: StateAwaitType, input: nil, ctx: newContext(DefaultMaxChunkSize)},
		{name: "short body", state: StateAwaitArgumentBody, input: []byte("ab"), ctx: &Context{MaxChunkSize: DefaultMaxChunkSize, length: 3}},
		{name: "done without data", state: StateDone, input: nil, ctx: newContext(DefaultMaxChunkSize)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			next, consumed, ev, err := step(c.state, c.input, c.ctx)
			require.ErrorIs(t, err, ErrNeedMoreData)
			assert.Equal(t, c.state, next)
			assert.Equal(t, 0, consumed)
			assert.Nil(t, ev)
		})
	}
}

func TestDecoderEmitErrorStops(t *testing.T) {
	d := NewDecoder(0)
	boom := errors.New("boom")
	input := append(EncodeChunk(ChunkCommand, []byte("echo")), EncodeChunk(ChunkStdin, []byte("x"))...)
	calls := 0
	err := d.Feed(input, func(ev Event) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	// the STDIN chunk is still buffered
	assert.Equal(t, HeaderSize+1, d.Buffered())
}

func TestDecoderRequestIsCopy(t *testing.T) {
	d := NewDecoder(0)
	b := AppendChunk(nil, ChunkArgument, []byte("a"))
	b = AppendChunk(b, ChunkEnvironment, []byte("K=V"))
	require.NoError(t, d.Feed(b, func(Event) error { return nil }))

	req := d.Request()
	req.Args[0] = "changed"
	req.Env.Set("K", "changed")

	again := d.Request()
	assert.Equal(t, []string{"a"}, again.Args)
	v, _ := again.Env.Get("K")
	assert.Equal(t, "V", v)
}

func TestHeaderChecksAgree(t *testing.T) {
	const maxLen = 8
	header := func(length uint32, typ byte) []byte {
		return append(binary.BigEndian.AppendUint32(nil, length), typ)
	}
	cases := []struct {
		name  string
		input []byte
		err   error
	}{
		{name: "valid", input: header(0, byte(ChunkArgument))},
		{name: "at the limit", input: append(header(maxLen, byte(ChunkArgument)), make([]byte, maxLen)...)},
		{name: "too large", input: header(maxLen+1, byte(ChunkArgument)), err: ErrChunkTooLarge},
		{name: "invalid type", input: header(0, 'Z'), err: ErrInvalidChunkType},
		{name: "length checked before type", input: header(maxLen+1, 'Z'), err: ErrChunkTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, parseErr := ParseChunk(c.input, maxLen)

			cr := NewChunkReader(bytes.NewReader(c.input))
			cr.SetMaxChunkSize(maxLen)
			_, readErr := cr.ReadChunk()

			feedErr := NewDecoder(maxLen).Feed(c.input, func(Event) error { return nil })

			if c.err == nil {
				assert.NoError(t, parseErr)
				assert.NoError(t, readErr)
				assert.NoError(t, feedErr)
				return
			}
			assert.ErrorIs(t, parseErr, c.err)
			assert.ErrorIs(t, readErr, c.err)
			assert.ErrorIs(t, feedErr, c.err)
			var perr *ProtocolError
			require.ErrorAs(t, feedErr, &perr)
			assert.Equal(t, parseErr.Error(), perr.Err.Error())
			assert.Equal(t, readErr.Error(), perr.Err.Error())
		})
	}
}
