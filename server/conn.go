package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/guseggert/ngserver/protocol"
	"go.uber.org/zap"
)

const readBufferSize = 32768

// ServeConn serves exactly one request on conn and returns once the connection is done.
// conn can be any stream, such as a TCP connection or a WebSocket tunnel.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)
	s.active.Add(1)
	defer s.active.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	log := s.logger.Named("conn").With("Remote", conn.RemoteAddr().String())
	runner := &connRunner{
		log:        log,
		server:     s,
		ctx:        ctx,
		remoteAddr: conn.RemoteAddr(),
		conn:       conn,
		writer:     &connWriter{log: log, conn: conn},
		decoder:    protocol.NewDecoder(s.maxChunkSize),
	}
	runner.run()
}

// connRunner owns the read side of one connection: it feeds the decoder and acts on its events.
type connRunner struct {
	log        *zap.SugaredLogger
	server     *Server
	ctx        context.Context
	remoteAddr net.Addr
	conn       net.Conn
	writer     *connWriter
	decoder    *protocol.Decoder

	req *Request
}

func (r *connRunner) run() {
	defer r.writer.close()
	r.log.Debug("accepted conn")

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 && !r.writer.finished.Load() {
			if ferr := r.decoder.Feed(buf[:n], r.onEvent); ferr != nil {
				var perr *protocol.ProtocolError
				if errors.As(ferr, &perr) {
					r.log.Infow("protocol error, closing connection", "Error", ferr)
				} else {
					r.log.Debugf("error handling chunk: %s", ferr)
				}
				r.abort()
				return
			}
		}
		if err == nil {
			continue
		}

		switch {
		case r.writer.finished.Load() || r.writer.closed.Load():
			// the request ended or the server closed the conn
			r.log.Debugf("conn done: %s", err)
			r.abort()
		case errors.Is(err, io.EOF):
			if r.req == nil {
				r.log.Debug("client closed conn before COMMAND")
				r.abort()
				return
			}
			r.log.Debug("client closed its side of the conn")
			r.req.abort()
			r.waitRequest()
		default:
			r.log.Debugf("conn read error: %s", err)
			r.abort()
		}
		return
	}
}

func (r *connRunner) onEvent(ev protocol.Event) error {
	switch ev.Kind {
	case protocol.EventCommand:
		r.req = newRequest(r.server.dispatcher.log, r.decoder.Request(), r.remoteAddr, r.writer)
		r.log.Debugw("request decoded", "RequestID", r.req.ID().String(), "Command", r.req.Command())
		r.server.dispatcher.dispatch(r.ctx, r.req)
	case protocol.EventStdin:
		if _, err := r.req.stdin.write(int(ev.FirstStdinLength), ev.Data); err != nil {
			r.log.Debugf("discarding %d bytes of stdin: %s", len(ev.Data), err)
		}
	case protocol.EventStdinEOF:
		r.log.Debug("got STDIN_EOF")
		r.req.stdin.closeWrite()
	}
	return nil
}

// abort closes the conn and unblocks any stdin reader, then waits for the handler to return.
func (r *connRunner) abort() {
	r.writer.close()
	if r.req != nil {
		r.req.abort()
		r.waitRequest()
	}
}

func (r *connRunner) waitRequest() {
	if r.req == nil {
		return
	}
	select {
	case <-r.req.done:
	case <-r.ctx.Done():
	}
}
