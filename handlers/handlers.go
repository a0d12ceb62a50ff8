// Package handlers contains the commands served by ngserver out of the box.
package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/ngserver/server"
	"go.uber.org/zap"
)

// DefaultStdinTimeout is how long the log command waits for the first byte of stdin.
const DefaultStdinTimeout = 5 * time.Second

// Register adds all the sample handlers to reg.
func Register(reg *server.Registry, log *zap.SugaredLogger, stdinTimeout time.Duration) error {
	hs := []server.Handler{
		Echo(),
		&LogHandler{Logger: log.Named("log_command"), StdinTimeout: stdinTimeout},
		NewAttrHandler(),
		Env(),
		Pwd(),
	}
	for _, h := range hs {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("registering %v: %w", h.CommandNames(), err)
		}
	}
	return nil
}

// Echo writes its arguments back to stdout.
func Echo() server.Handler {
	return server.HandlerFunc(func(ctx context.Context, req *server.Request) error {
		if err := req.Out(strings.Join(req.Arguments(), " ") + "\n"); err != nil {
			return err
		}
		return req.End()
	}, "echo")
}

// Env prints the request environment, sorted by key.
func Env() server.Handler {
	return server.HandlerFunc(func(ctx context.Context, req *server.Request) error {
		var sb strings.Builder
		for _, kv := range req.Environment().Sorted() {
			sb.WriteString(kv)
			sb.WriteByte('\n')
		}
		if sb.Len() > 0 {
			if err := req.Out(sb.String()); err != nil {
				return err
			}
		}
		return req.End()
	}, "env")
}

func Pwd() server.Handler {
	return server.HandlerFunc(func(ctx context.Context, req *server.Request) error {
		if err := req.Out(req.WorkingDirectory() + "\n"); err != nil {
			return err
		}
		return req.End()
	}, "pwd")
}

// LogHandler logs each line of the client's stdin on the server console.
type LogHandler struct {
	Logger       *zap.SugaredLogger
	StdinTimeout time.Duration
}

func (h *LogHandler) CommandNames() []string { return []string{"log"} }

func (h *LogHandler) OnNailgunRequest(ctx context.Context, req *server.Request) error {
	timeout := h.StdinTimeout
	if timeout <= 0 {
		timeout = DefaultStdinTimeout
	}
	in := req.InputStream(timeout)
	defer in.Close()

	log := h.Logger.With("RequestID", req.ID().String(), "Remote", req.RemoteAddr())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for scanner.Scan() {
		lines++
		log.Infow("client log", "Line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, server.ErrStdinTimeout) {
			return fmt.Errorf("no input within %s", timeout)
		}
		return fmt.Errorf("reading stdin: %w", err)
	}
	if err := req.Out(fmt.Sprintf("logged %d lines\n", lines)); err != nil {
		return err
	}
	return req.End()
}
