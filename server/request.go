package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/ngserver/protocol"
	"go.uber.org/zap"
)

// ErrRequestEnded is returned by writes after the EXIT chunk was sent.
var ErrRequestEnded = errors.New("request already ended")

// lingerTimeout bounds how long a half-closed TCP conn is drained after EXIT before it is closed.
const lingerTimeout = 2 * time.Second

// connWriter serializes chunk writes on a connection and owns closing it.
type connWriter struct {
	log  *zap.SugaredLogger
	conn net.Conn

	mu        sync.Mutex
	finished  atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

func (w *connWriter) writeChunk(t protocol.ChunkType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return net.ErrClosed
	}
	w.log.Debugf("writing %s chunk of %d bytes", t, len(payload))
	return protocol.WriteChunk(w.conn, t, payload)
}

// finish is called after the EXIT chunk. TCP conns are half-closed so the client reads EXIT
// before anything it still has in flight could reset the conn; the read loop does the full close.
func (w *connWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished.Store(true)
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = w.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			return
		}
	}
	w.close()
}

// close may be called without holding mu; closing the conn unblocks a pending write.
func (w *connWriter) close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		if err := w.conn.Close(); err != nil {
			w.log.Debugf("error closing conn: %s", err)
		}
	})
}

// Request is one decoded nailgun request together with the response side of its connection.
//
// Everything a handler needs is reached through the Request: the command, its arguments, environment and
// working directory, the client's stdin via InputStream, and Out, Err, Exit and End for the response.
// The write methods are meant to be called from the single goroutine running the handler.
type Request struct {
	id         uuid.UUID
	command    string
	workingDir string
	env        *protocol.Env
	args       []string
	remoteAddr net.Addr

	log    *zap.SugaredLogger
	writer *connWriter
	stdin  *stdinPipe

	inputMu      sync.Mutex
	presumedExit int
	ended        atomic.Bool
	done         chan struct{}
	releaseOnce  sync.Once
}

func newRequest(log *zap.SugaredLogger, data protocol.RequestData, remoteAddr net.Addr, writer *connWriter) *Request {
	id := uuid.New()
	return &Request{
		id:         id,
		command:    data.Command,
		workingDir: data.WorkingDir,
		env:        data.Env,
		args:       data.Args,
		remoteAddr: remoteAddr,
		log:        log.With("RequestID", id.String()),
		writer:     writer,
		stdin:      newStdinPipe(),
		done:       make(chan struct{}),
	}
}

func (r *Request) ID() uuid.UUID { return r.id }

func (r *Request) Command() string { return r.command }

// WorkingDirectory returns the client's working directory, or "" if it sent none.
func (r *Request) WorkingDirectory() string { return r.workingDir }

// Environment returns the client's environment. It must not be modified.
func (r *Request) Environment() *protocol.Env { return r.env }

// Arguments returns a copy of the positional arguments in the order they were sent.
func (r *Request) Arguments() []string { return append([]string(nil), r.args...) }

func (r *Request) RemoteAddr() net.Addr { return r.remoteAddr }

// InputStream returns the client's stdin. The first call sends START_INPUT, which tells the client to start streaming;
// later calls return the same stream and ignore timeout.
// Reads fail with ErrStdinTimeout if no byte arrives within timeout of the first call. Once data has arrived only
// the end of input bounds a read.
func (r *Request) InputStream(timeout time.Duration) io.ReadCloser {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	if r.stdin.connect(timeout) && !r.ended.Load() {
		if err := r.writer.writeChunk(protocol.ChunkStartInput, nil); err != nil {
			r.log.Debugf("error sending START_INPUT: %s", err)
		}
	}
	return r.stdin
}

// Out sends text as a STDOUT chunk. A later End exits with 0.
func (r *Request) Out(text string) error {
	return r.write(protocol.ChunkStdout, 0, text)
}

// Err sends text as a STDERR chunk. A later End exits with 1.
func (r *Request) Err(text string) error {
	return r.write(protocol.ChunkStderr, 1, text)
}

func (r *Request) write(t protocol.ChunkType, presumed int, text string) error {
	if r.ended.Load() {
		return ErrRequestEnded
	}
	r.presumedExit = presumed
	if err := r.writer.writeChunk(t, []byte(text)); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

// Stdout returns a writer that sends each Write as a STDOUT chunk.
func (r *Request) Stdout() io.Writer { return chunkWriter(r.Out) }

// Stderr returns a writer that sends each Write as a STDERR chunk.
func (r *Request) Stderr() io.Writer { return chunkWriter(r.Err) }

type chunkWriter func(string) error

func (w chunkWriter) Write(b []byte) (int, error) {
	if err := w(string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Exit sends the EXIT chunk and closes the connection. Unread stdin is discarded.
func (r *Request) Exit(code int) error {
	if !r.ended.CompareAndSwap(false, true) {
		return ErrRequestEnded
	}
	r.stdin.Close()
	err := r.writer.writeChunk(protocol.ChunkExit, protocol.EncodeExit(code))
	r.writer.finish()
	r.log.Debugf("request ended with exit code %d", code)
	if err != nil {
		return fmt.Errorf("writing EXIT: %w", err)
	}
	return nil
}

// End exits with the code implied by the last Out (0) or Err (1) call, or 0 if there was none.
func (r *Request) End() error {
	return r.Exit(r.presumedExit)
}

// Ended reports whether the EXIT chunk has been sent.
func (r *Request) Ended() bool { return r.ended.Load() }

// release is called by the worker once the handler returns. The request must not be used afterwards.
func (r *Request) release() {
	r.releaseOnce.Do(func() {
		if !r.Ended() {
			if err := r.End(); err != nil {
				r.log.Debugf("error ending request on release: %s", err)
			}
		}
		r.stdin.Close()
		close(r.done)
	})
}

// abort tears down the stdin bridge when the connection goes away under the request.
func (r *Request) abort() {
	r.stdin.closeWrite()
}

func (r *Request) String() string {
	return fmt.Sprintf("nailgun request %s command=%q args=%q wd=%q env=%d remote=%v",
		r.id, r.command, r.args, r.workingDir, r.env.Len(), r.remoteAddr)
}
