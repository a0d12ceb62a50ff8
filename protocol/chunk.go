package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// HeaderSize is the size of the length and type prefix of every chunk.
const HeaderSize = 5

// DefaultMaxChunkSize bounds the payload length a peer may declare.
const DefaultMaxChunkSize = 16 << 20

// DefaultPort is the standard nailgun port.
const DefaultPort = 2113

type ChunkType byte

const (
	ChunkArgument    ChunkType = 'A'
	ChunkEnvironment ChunkType = 'E'
	ChunkCommand     ChunkType = 'C'
	ChunkWorkingDir  ChunkType = 'D'
	ChunkStdin       ChunkType = '0'
	ChunkStdinEOF    ChunkType = '.'
	ChunkStdout      ChunkType = '1'
	ChunkStderr      ChunkType = '2'
	ChunkExit        ChunkType = 'X'
	ChunkStartInput  ChunkType = 'S'
)

var chunkNames = map[ChunkType]string{
	ChunkArgument:    "ARGUMENT",
	ChunkEnvironment: "ENVIRONMENT",
	ChunkCommand:     "COMMAND",
	ChunkWorkingDir:  "WORKING_DIR",
	ChunkStdin:       "STDIN",
	ChunkStdinEOF:    "STDIN_EOF",
	ChunkStdout:      "STDOUT",
	ChunkStderr:      "STDERR",
	ChunkExit:        "EXIT",
	ChunkStartInput:  "START_INPUT",
}

// Valid reports whether t is one of the known chunk types.
func (t ChunkType) Valid() bool {
	_, ok := chunkNames[t]
	return ok
}

func (t ChunkType) String() string {
	if name, ok := chunkNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ChunkType(0x%02x)", byte(t))
}

// Chunk is one framed unit of the protocol.
type Chunk struct {
	Type    ChunkType
	Payload []byte
}

var (
	// ErrNeedMoreData is returned by ParseChunk when buf does not yet hold a whole chunk.
	ErrNeedMoreData = errors.New("need more data")
	// ErrChunkTooLarge is returned when a declared payload length exceeds the configured maximum.
	ErrChunkTooLarge = errors.New("chunk too large")
	// ErrInvalidChunkType is returned for a type byte that is not part of the protocol.
	ErrInvalidChunkType = errors.New("invalid chunk type")
)

// checkLength validates a declared payload length against maxLen.
func checkLength(length, maxLen uint32) error {
	if length > maxLen {
		return fmt.Errorf("declared length %d exceeds limit %d: %w", length, maxLen, ErrChunkTooLarge)
	}
	return nil
}

// checkType validates a header type byte.
func checkType(b byte) (ChunkType, error) {
	t := ChunkType(b)
	if !t.Valid() {
		return t, fmt.Errorf("type byte 0x%02x: %w", b, ErrInvalidChunkType)
	}
	return t, nil
}

// AppendChunk appends the encoding of a chunk to dst.
func AppendChunk(dst []byte, t ChunkType, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, byte(t))
	return append(dst, payload...)
}

// EncodeChunk returns the wire encoding of a single chunk.
func EncodeChunk(t ChunkType, payload []byte) []byte {
	return AppendChunk(make([]byte, 0, HeaderSize+len(payload)), t, payload)
}

// WriteChunk writes one chunk to w with a single Write call.
func WriteChunk(w io.Writer, t ChunkType, payload []byte) error {
	_, err := w.Write(EncodeChunk(t, payload))
	return err
}

// ParseChunk parses one whole chunk from the start of buf.
// If buf holds only part of a chunk, it returns ErrNeedMoreData and consumes nothing.
// The returned payload aliases buf.
func ParseChunk(buf []byte, maxLen uint32) (Chunk, int, error) {
	if len(buf) < 4 {
		return Chunk{}, 0, ErrNeedMoreData
	}
	length := binary.BigEndian.Uint32(buf)
	if err := checkLength(length, maxLen); err != nil {
		return Chunk{}, 0, err
	}
	if len(buf) < HeaderSize {
		return Chunk{}, 0, ErrNeedMoreData
	}
	t, err := checkType(buf[4])
	if err != nil {
		return Chunk{}, 0, err
	}
	end := HeaderSize + int(length)
	if len(buf) < end {
		return Chunk{}, 0, ErrNeedMoreData
	}
	return Chunk{Type: t, Payload: buf[HeaderSize:end]}, end, nil
}

// ChunkReader reads whole chunks from a blocking stream.
type ChunkReader struct {
	r      io.Reader
	maxLen uint32
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r, maxLen: DefaultMaxChunkSize}
}

// SetMaxChunkSize updates the largest payload the reader accepts.
func (cr *ChunkReader) SetMaxChunkSize(n uint32) {
	cr.maxLen = n
}

// ReadChunk reads a single chunk. A clean end of stream before any header byte returns io.EOF.
func (cr *ChunkReader) ReadChunk() (Chunk, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(cr.r, header[:]); err != nil {
		return Chunk{}, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if err := checkLength(length, cr.maxLen); err != nil {
		return Chunk{}, err
	}
	t, err := checkType(header[4])
	if err != nil {
		return Chunk{}, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(cr.r, payload); err != nil {
		return Chunk{}, fmt.Errorf("reading %s payload: %w", t, err)
	}
	return Chunk{Type: t, Payload: payload}, nil
}

// EncodeExit returns the EXIT payload for an exit code.
func EncodeExit(code int) []byte {
	return []byte(strconv.Itoa(code) + "\n")
}

// ParseExit parses an EXIT payload.
func ParseExit(payload []byte) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("parsing exit code %q: %w", payload, err)
	}
	return code, nil
}
