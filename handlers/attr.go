package handlers

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/ngserver/server"
)

const (
	// DefaultDomain is the attribute source used when no -domain= argument is given.
	DefaultDomain   = "DefaultDomain"
	domainArgPrefix = "-domain="
	attrPrefix      = "[attr]"
)

// Attribute is one named value read from an object.
type Attribute struct {
	Name  string
	Value interface{}
}

// AttributeSource exposes named objects, each with a set of attributes.
type AttributeSource interface {
	// Objects returns the object names, sorted.
	Objects() []string
	// Attributes returns the requested attributes of object, in the order asked for.
	// Attributes the object does not have are left out.
	Attributes(object string, names []string) ([]Attribute, error)
}

// AttrHandler implements the attr command, which reads attributes of objects exported by a domain.
//
//	attr <pattern> <attr>... [-domain=<name>]
//
// The pattern is matched against object names with path.Match.
type AttrHandler struct {
	mu      sync.RWMutex
	domains map[string]AttributeSource
}

// NewAttrHandler returns an AttrHandler with the process variables registered as DefaultDomain.
func NewAttrHandler() *AttrHandler {
	return &AttrHandler{
		domains: map[string]AttributeSource{DefaultDomain: NewProcessSource()},
	}
}

// RegisterDomain adds or replaces a domain.
func (h *AttrHandler) RegisterDomain(name string, src AttributeSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[name] = src
}

func (h *AttrHandler) domain(name string) (AttributeSource, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src, ok := h.domains[name]
	return src, ok
}

func (h *AttrHandler) CommandNames() []string { return []string{"attr"} }

func (h *AttrHandler) OnNailgunRequest(ctx context.Context, req *server.Request) error {
	out, err := h.query(req.Arguments())
	if err != nil {
		if werr := req.Err(fmt.Sprintf("%s %s\n", attrPrefix, err)); werr != nil {
			return werr
		}
		return req.Exit(1)
	}
	if out != "" {
		if err := req.Out(out); err != nil {
			return err
		}
	}
	return req.Exit(0)
}

func (h *AttrHandler) query(args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("invalid request, insufficient arguments %q", args)
	}
	pattern := args[0]
	if _, err := path.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	domainName := DefaultDomain
	var attrs []string
	seen := map[string]bool{}
	for _, a := range args[1:] {
		if strings.HasPrefix(strings.ToLower(a), domainArgPrefix) {
			domainName = a[len(domainArgPrefix):]
			continue
		}
		if !seen[a] {
			seen[a] = true
			attrs = append(attrs, a)
		}
	}
	src, ok := h.domain(domainName)
	if !ok {
		return "", fmt.Errorf("unknown domain %q", domainName)
	}
	if len(attrs) == 0 {
		return "", fmt.Errorf("no attributes specified")
	}

	isGlob := strings.ContainsAny(pattern, `*?[\`)
	var matched []string
	for _, obj := range src.Objects() {
		if ok, _ := path.Match(pattern, obj); ok {
			matched = append(matched, obj)
		}
	}
	if len(matched) == 0 {
		if isGlob {
			return "", fmt.Errorf("no objects match %q in domain %q", pattern, domainName)
		}
		return "", fmt.Errorf("unknown object %q in domain %q", pattern, domainName)
	}

	var sb strings.Builder
	for _, obj := range matched {
		values, err := src.Attributes(obj, attrs)
		if err != nil {
			return "", fmt.Errorf("reading attributes of %q: %w", obj, err)
		}
		if isGlob {
			sb.WriteString(obj)
			sb.WriteString("\n=============\n")
		}
		for _, v := range values {
			fmt.Fprintf(&sb, "%s:%v\n", v.Name, v.Value)
		}
	}
	return sb.String(), nil
}

// MapSource is an AttributeSource over fixed values.
type MapSource map[string]map[string]interface{}

func (m MapSource) Objects() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m MapSource) Attributes(object string, names []string) ([]Attribute, error) {
	obj, ok := m[object]
	if !ok {
		return nil, fmt.Errorf("unknown object %q", object)
	}
	var attrs []Attribute
	for _, name := range names {
		if v, ok := obj[name]; ok {
			attrs = append(attrs, Attribute{Name: name, Value: v})
		}
	}
	return attrs, nil
}

// ProcessSource exports variables of the running process under the objects "process", "runtime" and "memory".
type ProcessSource struct {
	startTime time.Time
}

func NewProcessSource() *ProcessSource {
	return &ProcessSource{startTime: time.Now()}
}

func (p *ProcessSource) Objects() []string {
	return []string{"memory", "process", "runtime"}
}

func (p *ProcessSource) Attributes(object string, names []string) ([]Attribute, error) {
	var vars map[string]interface{}
	switch object {
	case "process":
		vars = map[string]interface{}{
			"pid":    os.Getpid(),
			"uptime": time.Since(p.startTime).Round(time.Millisecond).String(),
		}
	case "runtime":
		vars = map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
			"num_cpu":    runtime.NumCPU(),
		}
	case "memory":
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		vars = map[string]interface{}{
			"heap_alloc": ms.HeapAlloc,
			"heap_sys":   ms.HeapSys,
			"num_gc":     ms.NumGC,
		}
	default:
		return nil, fmt.Errorf("unknown object %q", object)
	}
	return MapSource{object: vars}.Attributes(object, names)
}
