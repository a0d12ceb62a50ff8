package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateCommand is returned when a command name is already registered.
var ErrDuplicateCommand = errors.New("command already registered")

// Handler implements one or more commands.
type Handler interface {
	// CommandNames returns the names the handler is registered under.
	CommandNames() []string
	// OnNailgunRequest runs the command. If it returns without ending the request, the request is ended with
	// the presumed exit code. A returned error is sent to the client as stderr with exit code 1, unless the
	// request was already ended.
	OnNailgunRequest(ctx context.Context, req *Request) error
}

type funcHandler struct {
	names []string
	fn    func(ctx context.Context, req *Request) error
}

func (h *funcHandler) CommandNames() []string { return h.names }

func (h *funcHandler) OnNailgunRequest(ctx context.Context, req *Request) error {
	return h.fn(ctx, req)
}

// HandlerFunc builds a Handler from a function.
func HandlerFunc(fn func(ctx context.Context, req *Request) error, names ...string) Handler {
	return &funcHandler{names: names, fn: fn}
}

// Registry maps command names to handlers. It is filled during startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds h under each of its command names. Names are trimmed and blank names skipped.
// If any name is already taken nothing is registered and an error wrapping ErrDuplicateCommand is returned.
func (r *Registry) Register(h Handler) error {
	var names []string
	for _, name := range h.CommandNames() {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("handler %T declares no command names", h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, name := range names {
		if _, ok := r.handlers[name]; ok || seen[name] {
			return fmt.Errorf("registering %q for %T: %w", name, h, ErrDuplicateCommand)
		}
		seen[name] = true
	}
	for _, name := range names {
		r.handlers[name] = h
	}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type dispatcher struct {
	log      *zap.SugaredLogger
	registry *Registry
	pool     *workerPool
}

// dispatch hands req to a worker. It never blocks the caller, which is the connection's decoding goroutine.
// The worker owns req from here on and releases it when the handler returns.
func (d *dispatcher) dispatch(ctx context.Context, req *Request) {
	d.pool.submit(func() {
		d.run(ctx, req)
	}, func(err error) {
		d.log.Debugw("request rejected by worker pool", "Command", req.Command(), "Error", err)
		d.fail(req, errors.New("server is shutting down"))
		req.release()
	})
}

func (d *dispatcher) run(ctx context.Context, req *Request) {
	defer req.release()
	defer func() {
		if p := recover(); p != nil {
			d.log.Errorw("handler panicked", "Command", req.Command(), "Panic", p, "Stack", string(debug.Stack()))
			d.fail(req, fmt.Errorf("panic: %v", p))
		}
	}()

	h, ok := d.registry.Lookup(req.Command())
	if !ok {
		d.log.Infow("unknown command", "Command", req.Command(), "Remote", req.RemoteAddr())
		if err := req.Err(fmt.Sprintf("unknown command: %s\n", req.Command())); err != nil {
			d.log.Debugf("error writing unknown command message: %s", err)
		}
		if err := req.Exit(1); err != nil {
			d.log.Debugf("error ending unknown command: %s", err)
		}
		return
	}

	d.log.Debugw("dispatching request", "Request", req.String())
	if err := h.OnNailgunRequest(ctx, req); err != nil {
		d.log.Errorw("handler failed", "Command", req.Command(), "Error", err)
		d.fail(req, err)
	}
}

// fail reports err to the client, unless the handler already ended the request.
func (d *dispatcher) fail(req *Request, err error) {
	if req.Ended() {
		return
	}
	if werr := req.Err(fmt.Sprintf("%s: %s\n", req.Command(), err)); werr != nil {
		d.log.Debugf("error writing failure message: %s", werr)
	}
	if werr := req.Exit(1); werr != nil {
		d.log.Debugf("error ending failed request: %s", werr)
	}
}
