package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stdinChunkSize is the largest STDIN payload the client sends at once.
const stdinChunkSize = 32768

// Client runs nailgun commands against a server.
type Client struct {
	// Dial opens the connection a call runs on. Each call uses a new connection.
	Dial   func(ctx context.Context) (net.Conn, error)
	Logger *zap.SugaredLogger
}

// Call describes one command invocation.
type Call struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string

	// Stdin is streamed once the server asks for input. A nil Stdin sends an immediate STDIN_EOF.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DialTCP returns a Dial func for a TCP address.
func DialTCP(addr string) func(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
}

// EncodeRequest returns the client->server chunks that make up a request, up to and including COMMAND.
func EncodeRequest(call Call) []byte {
	var b []byte
	for _, a := range call.Args {
		b = AppendChunk(b, ChunkArgument, []byte(a))
	}
	for _, e := range call.Env {
		b = AppendChunk(b, ChunkEnvironment, []byte(e))
	}
	if call.WorkingDir != "" {
		b = AppendChunk(b, ChunkWorkingDir, []byte(call.WorkingDir))
	}
	return AppendChunk(b, ChunkCommand, []byte(call.Command))
}

// Run sends the call and copies the server output until the EXIT chunk, returning the exit code.
func (c *Client) Run(ctx context.Context, call Call) (int, error) {
	if call.Command == "" {
		return -1, errors.New("call contained no command")
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, err := c.Dial(ctx)
	if err != nil {
		return -1, fmt.Errorf("dialing server: %w", err)
	}
	runner := &clientRunner{
		log:    log.Named("client_runner"),
		conn:   conn,
		call:   call,
		stdout: io.Discard,
		stderr: io.Discard,
	}
	if call.Stdout != nil {
		runner.stdout = call.Stdout
	}
	if call.Stderr != nil {
		runner.stderr = call.Stderr
	}
	defer runner.close()

	// If the context is cancelled, close the conn so blocked reads return.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			runner.close()
		case <-stop:
		}
	}()

	code, err := runner.run()
	if err != nil && ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return code, err
}

type clientRunner struct {
	log  *zap.SugaredLogger
	conn net.Conn
	call Call

	stdout io.Writer
	stderr io.Writer

	startStdinOnce sync.Once
	closeOnce      sync.Once
}

func (r *clientRunner) close() {
	r.closeOnce.Do(func() {
		if err := r.conn.Close(); err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *clientRunner) run() (int, error) {
	if _, err := r.conn.Write(EncodeRequest(r.call)); err != nil {
		return -1, fmt.Errorf("writing request: %w", err)
	}
	r.log.Debugw("sent request", "Command", r.call.Command, "Args", r.call.Args)

	reader := NewChunkReader(r.conn)
	for {
		chunk, err := reader.ReadChunk()
		if errors.Is(err, io.EOF) {
			return -1, errors.New("connection closed before EXIT")
		}
		if err != nil {
			return -1, fmt.Errorf("reading chunk: %w", err)
		}
		switch chunk.Type {
		case ChunkStdout:
			if _, err := r.stdout.Write(chunk.Payload); err != nil {
				return -1, fmt.Errorf("writing stdout: %w", err)
			}
		case ChunkStderr:
			if _, err := r.stderr.Write(chunk.Payload); err != nil {
				return -1, fmt.Errorf("writing stderr: %w", err)
			}
		case ChunkStartInput:
			r.startStdinOnce.Do(func() { go r.writeStdin() })
		case ChunkExit:
			code, err := ParseExit(chunk.Payload)
			if err != nil {
				return -1, err
			}
			r.log.Debugf("got exit code %d", code)
			return code, nil
		default:
			return -1, fmt.Errorf("server sent %s: %w", chunk.Type, ErrUnexpectedChunk)
		}
	}
}

func (r *clientRunner) writeStdin() {
	defer func() {
		if err := WriteChunk(r.conn, ChunkStdinEOF, nil); err != nil {
			r.log.Debugf("error sending STDIN_EOF: %s", err)
		}
	}()
	if r.call.Stdin == nil {
		return
	}
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := r.call.Stdin.Read(buf)
		if n > 0 {
			if werr := WriteChunk(r.conn, ChunkStdin, buf[:n]); werr != nil {
				r.log.Debugf("stdin writer got write error: %s", werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			r.log.Debug("done copying stdin")
			return
		}
		if err != nil {
			r.log.Debugf("stdin reader got error: %s", err)
			return
		}
	}
}
