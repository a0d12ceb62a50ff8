package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// State is a decoder state.
type State int

const (
	StateAwaitLength State = iota
	StateAwaitType
	StateAwaitArgumentBody
	StateAwaitEnvBody
	StateAwaitWorkdirBody
	StateAwaitCommandBody
	StateAwaitStdinBody
	// StateDone is entered after STDIN_EOF. No further input is valid.
	StateDone
)

var stateNames = [...]string{
	StateAwaitLength:       "AWAIT_LENGTH",
	StateAwaitType:         "AWAIT_TYPE",
	StateAwaitArgumentBody: "AWAIT_ARGUMENT_BODY",
	StateAwaitEnvBody:      "AWAIT_ENV_BODY",
	StateAwaitWorkdirBody:  "AWAIT_WORKDIR_BODY",
	StateAwaitCommandBody:  "AWAIT_COMMAND_BODY",
	StateAwaitStdinBody:    "AWAIT_STDIN_BODY",
	StateDone:              "DONE",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrUnexpectedChunk is returned for a known chunk type that is not valid in the current state.
var ErrUnexpectedChunk = errors.New("unexpected chunk")

// ProtocolError is a fatal decoding error. The connection must be closed.
type ProtocolError struct {
	State State
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in state %s: %s", e.State, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type EventKind int

const (
	// EventCommand means the request is complete and must be dispatched now.
	EventCommand EventKind = iota + 1
	// EventStdin carries the payload of one STDIN chunk.
	EventStdin
	// EventStdinEOF means the client finished sending stdin.
	EventStdinEOF
)

// Event is produced by the decoder for the connection to act on.
// Data aliases the decoder's buffer and is only valid until the emit callback returns.
type Event struct {
	Kind EventKind
	// FirstStdinLength is the declared length of the first STDIN chunk of the request.
	FirstStdinLength uint32
	Data             []byte
}

// RequestData is the request accumulated from the chunks seen so far.
type RequestData struct {
	Command    string
	WorkingDir string
	Env        *Env
	Args       []string
}

// Context is the mutable per-connection decoding context threaded through step.
type Context struct {
	MaxChunkSize uint32

	length     uint32
	dispatched bool
	firstStdin uint32
	sawStdin   bool
	req        RequestData
}

func newContext(maxChunkSize uint32) *Context {
	return &Context{
		MaxChunkSize: maxChunkSize,
		req:          RequestData{Env: NewEnv()},
	}
}

// step runs one transition. It returns ErrNeedMoreData when input does not hold enough bytes for the current state;
// in that case nothing is consumed and the state is unchanged.
func step(state State, input []byte, ctx *Context) (State, int, *Event, error) {
	switch state {
	case StateAwaitLength:
		if len(input) < 4 {
			return state, 0, nil, ErrNeedMoreData
		}
		length := binary.BigEndian.Uint32(input)
		if err := checkLength(length, ctx.MaxChunkSize); err != nil {
			return state, 0, nil, &ProtocolError{State: state, Err: err}
		}
		ctx.length = length
		return StateAwaitType, 4, nil, nil

	case StateAwaitType:
		if len(input) < 1 {
			return state, 0, nil, ErrNeedMoreData
		}
		next, ev, err := transitionOnType(input[0], ctx)
		if err != nil {
			return state, 0, nil, &ProtocolError{State: state, Err: err}
		}
		return next, 1, ev, nil

	case StateAwaitArgumentBody, StateAwaitEnvBody, StateAwaitWorkdirBody, StateAwaitCommandBody, StateAwaitStdinBody:
		n := int(ctx.length)
		if len(input) < n {
			return state, 0, nil, ErrNeedMoreData
		}
		body := input[:n]
		var ev *Event
		switch state {
		case StateAwaitArgumentBody:
			if n > 0 {
				ctx.req.Args = append(ctx.req.Args, string(body))
			}
		case StateAwaitEnvBody:
			ctx.req.Env.ParseLine(string(body))
		case StateAwaitWorkdirBody:
			ctx.req.WorkingDir = string(body)
		case StateAwaitCommandBody:
			ctx.req.Command = string(body)
			ctx.dispatched = true
			ev = &Event{Kind: EventCommand}
		case StateAwaitStdinBody:
			if !ctx.sawStdin {
				ctx.sawStdin = true
				ctx.firstStdin = ctx.length
			}
			ev = &Event{Kind: EventStdin, FirstStdinLength: ctx.firstStdin, Data: body}
		}
		ctx.length = 0
		return StateAwaitLength, n, ev, nil

	case StateDone:
		if len(input) == 0 {
			return state, 0, nil, ErrNeedMoreData
		}
		return state, 0, nil, &ProtocolError{State: state, Err: fmt.Errorf("data after STDIN_EOF: %w", ErrUnexpectedChunk)}
	}
	return state, 0, nil, &ProtocolError{State: state, Err: errors.New("unknown decoder state")}
}

func transitionOnType(b byte, ctx *Context) (State, *Event, error) {
	t, err := checkType(b)
	if err != nil {
		return 0, nil, err
	}
	if !ctx.dispatched {
		switch t {
		case ChunkArgument:
			return StateAwaitArgumentBody, nil, nil
		case ChunkEnvironment:
			return StateAwaitEnvBody, nil, nil
		case ChunkWorkingDir:
			return StateAwaitWorkdirBody, nil, nil
		case ChunkCommand:
			return StateAwaitCommandBody, nil, nil
		}
		return 0, nil, fmt.Errorf("%s before COMMAND: %w", t, ErrUnexpectedChunk)
	}
	switch t {
	case ChunkStdin:
		return StateAwaitStdinBody, nil, nil
	case ChunkStdinEOF:
		if ctx.length != 0 {
			return 0, nil, fmt.Errorf("STDIN_EOF with %d byte payload: %w", ctx.length, ErrUnexpectedChunk)
		}
		return StateDone, &Event{Kind: EventStdinEOF}, nil
	}
	return 0, nil, fmt.Errorf("%s after COMMAND: %w", t, ErrUnexpectedChunk)
}

// Decoder incrementally decodes the client side of one connection.
// It is not safe for concurrent use; it belongs to the goroutine reading the connection.
type Decoder struct {
	state State
	ctx   *Context
	buf   []byte
}

// NewDecoder creates a decoder for one connection. A zero maxChunkSize selects DefaultMaxChunkSize.
func NewDecoder(maxChunkSize uint32) *Decoder {
	if maxChunkSize == 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	return &Decoder{
		state: StateAwaitLength,
		ctx:   newContext(maxChunkSize),
	}
}

func (d *Decoder) State() State { return d.state }

// Dispatched reports whether the COMMAND chunk has been consumed.
func (d *Decoder) Dispatched() bool { return d.ctx.dispatched }

// Buffered returns the number of bytes received but not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Request returns the request accumulated so far. The returned value shares nothing with the decoder.
func (d *Decoder) Request() RequestData {
	r := d.ctx.req
	r.Args = append([]string(nil), r.Args...)
	r.Env = r.Env.Clone()
	return r
}

// Feed appends p to the buffered input and runs transitions until more input is needed.
// emit is called synchronously for every event, in order. If emit returns an error, decoding stops and Feed returns it.
func (d *Decoder) Feed(p []byte, emit func(Event) error) error {
	d.buf = append(d.buf, p...)
	off := 0
	defer func() {
		// keep only the unconsumed tail
		n := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:n]
	}()
	for {
		next, consumed, ev, err := step(d.state, d.buf[off:], d.ctx)
		if errors.Is(err, ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			return err
		}
		d.state = next
		if ev != nil {
			if err := emit(*ev); err != nil {
				off += consumed
				return err
			}
		}
		off += consumed
	}
}
